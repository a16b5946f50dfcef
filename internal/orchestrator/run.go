package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/steveyegge/dedup/internal/deduplication"
	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/merge"
	"github.com/steveyegge/dedup/internal/metrics"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/types"
)

// pendingGroup is a group classified for creation but not yet committed
type pendingGroup struct {
	group    *types.DuplicateGroup
	replaces []*types.DuplicateGroup
}

// RunOnce runs detection now over the given configs, or over every active
// config when none are given. Inactive configs are skipped.
func (o *Orchestrator) RunOnce(ctx context.Context, configIDs ...int64) (*RunReport, error) {
	return o.run(ctx, TriggerManual, configIDs)
}

func (o *Orchestrator) run(ctx context.Context, trigger string, configIDs []int64) (*RunReport, error) {
	if !o.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.runMu.Unlock()

	configs, err := o.selectConfigs(ctx, configIDs)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	report := &RunReport{RunID: events.NewRunID(), Trigger: trigger, StartedAt: o.now()}
	logger := o.logger.With("run_id", report.RunID)

	o.metrics.SetRunActive(true)
	defer o.metrics.SetRunActive(false)

	logger.Info("detection run started", "trigger", trigger, "configs", len(configs))
	o.storeEvent(ctx, events.New(events.EventTypeRunStarted, events.SeverityInfo,
		fmt.Sprintf("Detection run started (%s, %d config(s))", trigger, len(configs))).InRun(report.RunID))

	for _, cfg := range configs {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		cr := o.runConfig(ctx, report.RunID, cfg, logger)
		report.Configs = append(report.Configs, cr)
		if cr.Cancelled {
			report.Cancelled = true
			break
		}
	}

	// Notifications only follow a run that looked at every config
	if !report.Cancelled {
		o.notifyReviewers(ctx, report, configs, logger)
	}

	report.FinishedAt = o.now()
	o.metrics.RecordRun(trigger, report.Status(), time.Since(started))

	o.mu.Lock()
	o.lastReport = report
	o.mu.Unlock()

	totals := report.Totals()
	logger.Info("detection run finished",
		"status", report.Status(),
		"duration", time.Since(started),
		"created", totals.Created,
		"replaced", totals.Replaced,
		"merged", totals.Merged)
	return report, nil
}

func (o *Orchestrator) selectConfigs(ctx context.Context, ids []int64) ([]*types.DeduplicationConfig, error) {
	if len(ids) == 0 {
		configs, err := o.store.ListConfigs(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("failed to list configs: %w", err)
		}
		return configs, nil
	}

	configs := make([]*types.DeduplicationConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := o.store.GetConfig(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load config %d: %w", id, err)
		}
		if cfg == nil {
			return nil, fmt.Errorf("config %d: %w", id, storage.ErrNotFound)
		}
		if !cfg.Active {
			o.logger.Info("skipping inactive config", "config", cfg.Name, "config_id", cfg.ID)
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// runConfig runs detection for one config. Errors stay inside its report.
func (o *Orchestrator) runConfig(ctx context.Context, runID string, cfg *types.DeduplicationConfig, logger *slog.Logger) ConfigReport {
	start := time.Now()
	cr := ConfigReport{ConfigID: cfg.ID, Name: cfg.Name, targetLabel: cfg.TargetType}
	logger = logger.With("config", cfg.Name, "config_id", cfg.ID)

	err := o.detect(ctx, runID, cfg, &cr, logger)
	cr.Duration = time.Since(start)
	if err != nil {
		cr.Err = err
		cr.Error = err.Error()
		cr.Cancelled = ctx.Err() != nil
	}

	o.metrics.AddGroups(cfg.Name, metrics.OutcomeCreated, cr.Created)
	o.metrics.AddGroups(cfg.Name, metrics.OutcomeReplaced, cr.Replaced)
	o.metrics.AddGroups(cfg.Name, metrics.OutcomeSkipped, cr.Skipped)
	o.metrics.AddGroups(cfg.Name, metrics.OutcomeDropped, cr.Dropped)
	o.metrics.AddPruned(cfg.Name, cr.Pruned)

	switch {
	case cr.Cancelled:
		logger.Warn("config run cancelled", "created", cr.Created, "error", err)
	case err != nil:
		o.metrics.RecordConfigFailure(cfg.Name)
		o.telemetry.CaptureError(err, "orchestrator", map[string]string{"config": cfg.Name, "run_id": runID})
		logger.Error("config run abandoned", "error", err, "created", cr.Created)
		o.storeEvent(ctx, events.New(events.EventTypeConfigRunFailed, events.SeverityError,
			fmt.Sprintf("Run of config %q abandoned: %v", cfg.Name, err)).ForConfig(cfg.ID).InRun(runID))
	default:
		logger.Info("config run completed",
			"created", cr.Created,
			"replaced", cr.Replaced,
			"skipped", cr.Skipped,
			"dropped", cr.Dropped,
			"merged", cr.Merged,
			"pruned", cr.Pruned,
			"duration", cr.Duration)
	}

	data := events.RunCompletedData{
		ConfigName:    cfg.Name,
		Created:       cr.Created,
		Replaced:      cr.Replaced,
		Skipped:       cr.Skipped,
		Dropped:       cr.Dropped,
		Merged:        cr.Merged,
		MergeFailures: cr.MergeFailures,
		Pruned:        cr.Pruned,
		DurationMs:    cr.Duration.Milliseconds(),
		Cancelled:     cr.Cancelled,
		Error:         cr.Error,
	}
	event, err := events.NewRunCompletedEvent(runID, cfg.ID, fmt.Sprintf("Config %q: %s", cfg.Name, cr.Summary()), data)
	if err != nil {
		logger.Warn("failed to build run_completed event", "error", err)
	} else {
		o.storeEvent(ctx, event)
	}
	return cr
}

// detect brings the config's groups in line with the current records and
// auto-merges the new groups when the config asks for it
func (o *Orchestrator) detect(ctx context.Context, runID string, cfg *types.DeduplicationConfig, cr *ConfigReport, logger *slog.Logger) error {
	var schema *recordstore.TargetSchema
	err := o.retryWithBackoff(ctx, "describe", func(ctx context.Context) error {
		var err error
		schema, err = o.adapter.Describe(ctx, cfg.TargetType)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to describe %s: %w", cfg.TargetType, err)
	}
	cr.targetLabel = schema.DisplayLabel()
	if err := schema.CheckFields(cfg.RuleFields()...); err != nil {
		return err
	}

	var candidates []int64
	err = o.retryWithBackoff(ctx, "list_candidates", func(ctx context.Context) error {
		var err error
		candidates, err = o.adapter.ListCandidates(ctx, cfg.TargetType, cfg.Domain)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	allowed := make(map[int64]bool, len(candidates))
	for _, id := range candidates {
		allowed[id] = true
	}

	prunedRecords, prunedGroups, err := o.store.PruneMembers(ctx, cfg.ID, candidates)
	if err != nil {
		return fmt.Errorf("failed to prune groups: %w", err)
	}
	cr.Pruned = prunedRecords
	if prunedRecords > 0 {
		logger.Info("detached records that are no longer candidates",
			"records", prunedRecords, "groups_removed", prunedGroups)
	}

	index, err := o.loadIndex(ctx, runID, cfg, cr, logger)
	if err != nil {
		return err
	}

	var sets [][]int64
	for _, rule := range cfg.SortedRules() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var ruleSets [][]int64
		err := o.retryWithBackoff(ctx, "group_by_field", func(ctx context.Context) error {
			var err error
			ruleSets, err = o.evaluator.Evaluate(ctx, cfg, rule, schema)
			return err
		})
		if err != nil {
			return err
		}
		sets = append(sets, deduplication.Restrict(ruleSets, allowed)...)
	}
	if o.engine.Coalesce {
		sets = deduplication.Coalesce(sets)
	} else {
		sets = deduplication.PassThrough(sets)
	}
	logger.Debug("candidate sets evaluated", "sets", len(sets), "candidates", len(candidates))

	fields := cfg.RuleFields()
	for _, f := range o.elector.Fields() {
		if schema.HasField(f) && !slices.Contains(fields, f) {
			fields = append(fields, f)
		}
	}

	var pending []*pendingGroup
	var created []*types.DuplicateGroup
	for _, s := range sets {
		if err := ctx.Err(); err != nil {
			return err
		}

		decision := index.Classify(s)
		if decision.Action == deduplication.ActionSkip {
			if decision.Suppressed {
				logger.Debug("candidate set was discarded by an operator", "members", s)
			}
			cr.Skipped++
			continue
		}

		var values map[int64]map[string]any
		err := o.retryWithBackoff(ctx, "fetch_fields", func(ctx context.Context) error {
			var err error
			values, err = o.adapter.FetchFields(ctx, cfg.TargetType, s, fields)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to fetch fields of %v: %w", s, err)
		}

		similarity := deduplication.Score(cfg.Rules, s, values)
		if similarity*100 <= float64(cfg.CreateThreshold) {
			// The groups it would replace stay as they are
			cr.Dropped++
			logger.Debug("candidate set at or below create threshold",
				"members", s, "similarity", similarity, "threshold", cfg.CreateThreshold)
			continue
		}

		g, err := o.buildGroup(cfg, s, similarity, values, decision.Replaces)
		if err != nil {
			return err
		}

		var replaces []*types.DuplicateGroup
		for _, r := range decision.Replaces {
			index.RemoveGroup(r)
			if r.ID == 0 {
				// Superseded before it was ever committed
				pending = slices.DeleteFunc(pending, func(p *pendingGroup) bool { return p.group == r })
				continue
			}
			created = slices.DeleteFunc(created, func(c *types.DuplicateGroup) bool { return c == r })
			replaces = append(replaces, r)
		}
		index.Add(g)
		pending = append(pending, &pendingGroup{group: g, replaces: replaces})

		if len(pending) >= o.engine.CommitEvery {
			if err := o.flush(ctx, runID, cfg, pending, cr); err != nil {
				return err
			}
			for _, p := range pending {
				created = append(created, p.group)
			}
			pending = nil
		}
	}

	if err := o.flush(ctx, runID, cfg, pending, cr); err != nil {
		return err
	}
	for _, p := range pending {
		created = append(created, p.group)
	}

	o.autoMerge(ctx, runID, cfg, created, cr, logger)
	return ctx.Err()
}

// loadIndex indexes the config's active groups. Groups that break the
// two-member invariant, or whose members all belong to another group, are
// deleted first. Pruning can leave either kind behind.
func (o *Orchestrator) loadIndex(ctx context.Context, runID string, cfg *types.DeduplicationConfig, cr *ConfigReport, logger *slog.Logger) (*deduplication.GroupIndex, error) {
	groups, err := o.store.ActiveGroups(ctx, cfg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load active groups: %w", err)
	}

	valid := groups[:0]
	for _, g := range groups {
		if len(g.Records) >= 2 {
			valid = append(valid, g)
			continue
		}
		msg := fmt.Sprintf("Group %d of config %q has %d member(s) and was removed", g.ID, cfg.Name, len(g.Records))
		if err := o.removeInvalid(ctx, runID, cfg, g, msg, cr, logger); err != nil {
			return nil, err
		}
	}

	contained := deduplication.Contained(valid)
	for _, g := range contained {
		msg := fmt.Sprintf("Group %d of config %q is contained in another group and was removed", g.ID, cfg.Name)
		if err := o.removeInvalid(ctx, runID, cfg, g, msg, cr, logger); err != nil {
			return nil, err
		}
	}
	if len(contained) > 0 {
		valid = slices.DeleteFunc(valid, func(g *types.DuplicateGroup) bool {
			return slices.Contains(contained, g)
		})
	}
	index := deduplication.NewGroupIndex(valid)

	if o.engine.RememberDiscards {
		discarded, err := o.store.DiscardedSets(ctx, cfg.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load discarded sets: %w", err)
		}
		index.Suppress(discarded)
	}
	return index, nil
}

// removeInvalid deletes a stored group that breaks a group invariant and
// reports it
func (o *Orchestrator) removeInvalid(ctx context.Context, runID string, cfg *types.DeduplicationConfig, g *types.DuplicateGroup, msg string, cr *ConfigReport, logger *slog.Logger) error {
	cr.InvariantViolations++
	logger.Error("invariant violation", "group_id", g.ID, "members", g.MemberIDs())
	o.telemetry.CaptureError(errors.New(msg), "orchestrator", map[string]string{"config": cfg.Name, "kind": "invariant_violation"})
	if err := o.store.DeleteGroup(ctx, g.ID); err != nil && !errors.Is(err, storage.ErrGroupNotFound) {
		return fmt.Errorf("failed to delete invalid group %d: %w", g.ID, err)
	}
	o.storeEvent(ctx, events.New(events.EventTypeInvariantViolation, events.SeverityCritical, msg).
		ForConfig(cfg.ID).ForGroup(g.ID).InRun(runID))
	return nil
}

// buildGroup assembles a new group over s, carrying the master and discarded
// flags of the groups it replaces and electing a master otherwise
func (o *Orchestrator) buildGroup(cfg *types.DeduplicationConfig, s []int64, similarity float64, values map[int64]map[string]any, replaced []*types.DuplicateGroup) (*types.DuplicateGroup, error) {
	master, discarded := deduplication.Inherit(s, replaced)
	if master == nil {
		eligible := make([]int64, 0, len(s))
		for _, id := range s {
			if !discarded[id] {
				eligible = append(eligible, id)
			}
		}
		if len(eligible) == 0 {
			eligible = s
		}
		id, err := o.elector.Elect(deduplication.ElectionInput{
			IDs:        eligible,
			RuleFields: cfg.RuleFields(),
			Values:     values,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to elect master of %v: %w", s, err)
		}
		master = &id
	}

	g := &types.DuplicateGroup{ConfigID: cfg.ID, Similarity: similarity, MasterID: master}
	for _, id := range s {
		g.Records = append(g.Records, types.DuplicateRecord{
			TargetID:    id,
			IsDiscarded: discarded[id] && id != *master,
		})
	}
	return g, nil
}

// flush commits pending groups in one batch transaction along with their
// events. A failed flush keeps the batches committed before it.
func (o *Orchestrator) flush(ctx context.Context, runID string, cfg *types.DeduplicationConfig, pending []*pendingGroup, cr *ConfigReport) error {
	if len(pending) == 0 {
		return nil
	}
	batch, err := o.store.BeginBatch(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() { _ = batch.Rollback() }()

	replaced := 0
	for _, p := range pending {
		ids := make([]int64, 0, len(p.replaces))
		for _, r := range p.replaces {
			ids = append(ids, r.ID)
		}

		err := batch.CreateGroup(ctx, p.group, ids)
		if errors.Is(err, storage.ErrGroupNotFound) {
			// An operator merged or discarded a replaced group since the run started
			ids, err = o.existingGroups(ctx, ids)
			if err == nil {
				err = batch.CreateGroup(ctx, p.group, ids)
			}
		}
		if err != nil {
			return fmt.Errorf("failed to create group %v: %w", p.group.MemberIDs(), err)
		}
		replaced += len(ids)

		var masterID int64
		if p.group.MasterID != nil {
			masterID = *p.group.MasterID
		}
		event, err := events.NewGroupCreatedEvent(cfg.ID, p.group.ID,
			fmt.Sprintf("Group of %d records created (similarity %.0f%%)", len(p.group.Records), p.group.Percent()),
			events.GroupData{
				Members:    p.group.MemberIDs(),
				Similarity: p.group.Similarity,
				MasterID:   masterID,
				Replaces:   ids,
			})
		if err != nil {
			return fmt.Errorf("failed to build group event: %w", err)
		}
		if err := batch.StoreEvent(ctx, event.InRun(runID)); err != nil {
			return err
		}
		for _, id := range ids {
			event := events.New(events.EventTypeGroupReplaced, events.SeverityInfo,
				fmt.Sprintf("Group %d replaced by group %d", id, p.group.ID)).
				ForConfig(cfg.ID).ForGroup(id).InRun(runID)
			if err := batch.StoreEvent(ctx, event); err != nil {
				return err
			}
		}
	}

	created := batch.Created()
	if err := batch.Commit(ctx); err != nil {
		return err
	}
	cr.Created += created
	cr.Replaced += replaced
	return nil
}

// existingGroups returns the ids that still name a stored group
func (o *Orchestrator) existingGroups(ctx context.Context, ids []int64) ([]int64, error) {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		g, err := o.store.GetGroup(ctx, id)
		if err != nil {
			return nil, err
		}
		if g != nil {
			out = append(out, id)
		}
	}
	return out, nil
}

// autoMerge merges the groups created in this run whose similarity reaches
// the merge threshold. Failures are counted, never fatal.
func (o *Orchestrator) autoMerge(ctx context.Context, runID string, cfg *types.DeduplicationConfig, created []*types.DuplicateGroup, cr *ConfigReport, logger *slog.Logger) {
	if cfg.MergeMode != types.MergeAutomatic {
		return
	}
	var ids []int64
	for _, g := range created {
		if g.Percent() >= float64(cfg.MergeThreshold) {
			ids = append(ids, g.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	outcomes := o.merger.MergeMany(ctx, ids, o.engine.MergeParallelism, merge.Options{Automatic: true, RunID: runID})
	for _, out := range outcomes {
		if out.Err != nil {
			cr.MergeFailures++
			logger.Warn("automatic merge failed", "group_id", out.GroupID, "error", out.Err)
			continue
		}
		cr.Merged++
	}
}

// storeEvent records an event even when ctx has been cancelled
func (o *Orchestrator) storeEvent(ctx context.Context, event *events.Event) {
	if err := o.store.StoreEvent(context.WithoutCancel(ctx), event); err != nil {
		o.logger.Warn("failed to store event", "type", event.Type, "error", err)
	}
}
