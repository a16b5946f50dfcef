package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/dedup/internal/config"
	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/storage"
)

// CleanupResult reports one event cleanup cycle
type CleanupResult struct {
	TimeBasedDeleted   int
	GlobalLimitDeleted int
	VacuumRan          bool
	EventsRemaining    int
	Duration           time.Duration
}

// Deleted returns the total number of events removed
func (r *CleanupResult) Deleted() int {
	return r.TimeBasedDeleted + r.GlobalLimitDeleted
}

// CleanupEvents applies the event retention policy once: events past their
// retention age go first, then the oldest non-critical events while the
// store holds more than 95% of the global limit. An event_cleanup_completed
// event records the outcome either way.
func CleanupEvents(ctx context.Context, store storage.Storage, cfg config.EventRetentionConfig, logger *slog.Logger) (*CleanupResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	result := &CleanupResult{}

	deleted, err := store.CleanupEventsByAge(ctx, cfg.RetentionDays, cfg.RetentionCriticalDays, cfg.CleanupBatchSize)
	if err != nil {
		err = fmt.Errorf("time-based cleanup failed: %w", err)
		logCleanupEvent(ctx, store, result, start, err, logger)
		return result, err
	}
	result.TimeBasedDeleted = deleted

	triggerThreshold := int(float64(cfg.GlobalLimitEvents) * 0.95)
	deleted, err = store.CleanupEventsByGlobalLimit(ctx, triggerThreshold, cfg.CleanupBatchSize)
	if err != nil {
		err = fmt.Errorf("global limit cleanup failed: %w", err)
		logCleanupEvent(ctx, store, result, start, err, logger)
		return result, err
	}
	result.GlobalLimitDeleted = deleted

	if cfg.CleanupVacuum && result.Deleted() > 0 {
		if err := store.VacuumDatabase(ctx); err != nil {
			logger.Warn("event cleanup: VACUUM failed", "error", err)
		} else {
			result.VacuumRan = true
		}
	}

	counts, err := store.GetEventCounts(ctx)
	if err != nil {
		logger.Warn("event cleanup: failed to get event counts", "error", err)
	} else if counts != nil {
		result.EventsRemaining = counts.TotalEvents
	}

	logCleanupEvent(ctx, store, result, start, nil, logger)
	if result.Deleted() > 0 || result.VacuumRan {
		logger.Info("event cleanup completed",
			"deleted", result.Deleted(),
			"time_based", result.TimeBasedDeleted,
			"global_limit", result.GlobalLimitDeleted,
			"vacuum", result.VacuumRan,
			"remaining", result.EventsRemaining,
			"duration", result.Duration)
	}
	return result, nil
}

func logCleanupEvent(ctx context.Context, store storage.Storage, result *CleanupResult, start time.Time, cleanupErr error, logger *slog.Logger) {
	result.Duration = time.Since(start)
	data := events.EventCleanupCompletedData{
		EventsDeleted:      result.Deleted(),
		TimeBasedDeleted:   result.TimeBasedDeleted,
		GlobalLimitDeleted: result.GlobalLimitDeleted,
		ProcessingTimeMs:   result.Duration.Milliseconds(),
		VacuumRan:          result.VacuumRan,
		EventsRemaining:    result.EventsRemaining,
		Success:            cleanupErr == nil,
	}
	severity := events.SeverityInfo
	message := fmt.Sprintf("Event cleanup deleted %d event(s)", result.Deleted())
	if cleanupErr != nil {
		data.Error = cleanupErr.Error()
		severity = events.SeverityError
		message = "Event cleanup failed: " + cleanupErr.Error()
	}

	event := events.New(events.EventTypeEventCleanupCompleted, severity, message)
	if err := event.SetData(data); err != nil {
		logger.Warn("failed to build cleanup event", "error", err)
		return
	}
	if err := store.StoreEvent(context.WithoutCancel(ctx), event); err != nil {
		logger.Warn("failed to store cleanup event", "error", err)
	}
}

// eventCleanupLoop enforces the event retention policy in the background
func (o *Orchestrator) eventCleanupLoop(ctx context.Context) {
	defer close(o.eventCleanupDoneCh)

	if o.retention == nil || !o.retention.CleanupEnabled {
		return
	}
	cfg := *o.retention

	ticker := time.NewTicker(cfg.CleanupInterval())
	defer ticker.Stop()

	o.logger.Info("event cleanup started",
		"interval", cfg.CleanupInterval(),
		"retention_days", cfg.RetentionDays,
		"global_limit", cfg.GlobalLimitEvents)

	// Run once on startup, before the first tick
	if _, err := CleanupEvents(ctx, o.store, cfg, o.logger); err != nil {
		o.logger.Error("initial event cleanup failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.eventCleanupStopCh:
			return
		case <-ticker.C:
			select {
			case <-o.eventCleanupStopCh:
				return
			default:
			}
			if _, err := CleanupEvents(ctx, o.store, cfg, o.logger); err != nil {
				o.logger.Error("event cleanup failed", "error", err)
			}
		}
	}
}
