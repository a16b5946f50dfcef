package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/notify"
	"github.com/steveyegge/dedup/internal/types"
)

// notifyReviewers tells the recipients of each due config how many groups
// were created since their last notification. last_notification advances
// unless no recipient could be reached.
func (o *Orchestrator) notifyReviewers(ctx context.Context, report *RunReport, configs []*types.DeduplicationConfig, logger *slog.Logger) {
	now := o.now()
	for _, cfg := range configs {
		if ctx.Err() != nil {
			return
		}
		if !cfg.NotificationDue(now) {
			continue
		}

		count, err := o.store.CountGroupsCreatedSince(ctx, cfg.ID, cfg.LastNotification)
		if err != nil {
			logger.Warn("failed to count new groups", "config", cfg.Name, "error", err)
			continue
		}
		if count == 0 {
			continue
		}

		label := cfg.TargetType
		if cr := report.Config(cfg.ID); cr != nil && cr.targetLabel != "" {
			label = cr.targetLabel
		}

		recipients := append([]string(nil), cfg.NotifyRecipients...)
		err = o.notifier.Notify(ctx, recipients, cfg.Name, label, count)
		failed := notify.FailedRecipients(err)
		if err != nil && len(failed) == 0 {
			failed = recipients
		}

		if len(failed) < len(recipients) {
			if err := o.store.SetLastNotification(ctx, cfg.ID, now); err != nil {
				logger.Error("failed to advance last notification", "config", cfg.Name, "error", err)
				continue
			}
			t := now
			cfg.LastNotification = &t
		}
		if err != nil {
			logger.Warn("notification not delivered to every recipient",
				"config", cfg.Name, "failed", failed, "error", err)
			if len(failed) == len(recipients) {
				o.telemetry.CaptureError(err, "notify", map[string]string{"config": cfg.Name})
			}
		}

		event, evErr := events.NewNotificationSentEvent(cfg.ID,
			fmt.Sprintf("Notified %d recipient(s) of %d new group(s) for %q",
				len(recipients)-len(failed), count, cfg.Name),
			events.NotificationSentData{Recipients: recipients, GroupCount: count, Failed: failed})
		if evErr != nil {
			logger.Warn("failed to build notification event", "error", evErr)
			continue
		}
		o.storeEvent(ctx, event.InRun(report.RunID))
	}
}
