// Package merge applies duplicate groups to the record store.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/steveyegge/dedup/internal/events"
	"github.com/steveyegge/dedup/internal/metrics"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/types"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoMaster is returned when the group has no master record
	ErrNoMaster = errors.New("group has no master record")

	// ErrMasterDiscarded is returned when the master is not an active member
	ErrMasterDiscarded = errors.New("master record is discarded or not a member")

	// ErrNoLosers is returned when every other member is discarded
	ErrNoLosers = errors.New("group has no records to merge into the master")

	// ErrGroupChanged is returned when the group changed while its records were being locked
	ErrGroupChanged = errors.New("group changed during merge")

	// ErrGroupNotDeleted is returned along with a Result when the records
	// were merged but the group could not be deleted afterwards
	ErrGroupNotDeleted = errors.New("records merged but group not deleted")
)

// GroupStore is the part of the group store the executor needs
type GroupStore interface {
	GetGroup(ctx context.Context, id int64) (*types.DuplicateGroup, error)
	GetConfig(ctx context.Context, id int64) (*types.DeduplicationConfig, error)
	DeleteGroup(ctx context.Context, id int64) error
	StoreEvent(ctx context.Context, event *events.Event) error
}

// RetryFunc runs fn, retrying transient record store failures
type RetryFunc func(ctx context.Context, operation string, fn func(context.Context) error) error

// Options describe how a merge was triggered
type Options struct {
	Automatic bool
	RunID     string
}

// Result describes an applied merge
type Result struct {
	GroupID     int64             `json:"group_id"`
	ConfigID    int64             `json:"config_id"`
	TargetType  string            `json:"target_type"`
	MasterID    int64             `json:"master_id"`
	LoserIDs    []int64           `json:"loser_ids"`
	RemovalMode types.RemovalMode `json:"removal_mode"`
}

// Outcome is the result of one merge in MergeMany
type Outcome struct {
	GroupID int64
	Result  *Result
	Err     error
}

// Executor merges duplicate groups
type Executor struct {
	store   GroupStore
	adapter recordstore.Adapter
	locks   *RecordLocker
	retry   RetryFunc
	metrics *metrics.EngineMetrics
	logger  *slog.Logger
}

// NewExecutor creates an executor. m may be nil.
func NewExecutor(store GroupStore, adapter recordstore.Adapter, logger *slog.Logger, m *metrics.EngineMetrics) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   store,
		adapter: adapter,
		locks:   NewRecordLocker(),
		metrics: m,
		logger:  logger.With("component", "merge"),
		retry: func(ctx context.Context, _ string, fn func(context.Context) error) error {
			return fn(ctx)
		},
	}
}

// WithRetry makes ApplyMerge calls go through retry
func (e *Executor) WithRetry(retry RetryFunc) *Executor {
	if retry != nil {
		e.retry = retry
	}
	return e
}

// Locks exposes the record locker
func (e *Executor) Locks() *RecordLocker {
	return e.locks
}

// Merge merges a group on operator request
func (e *Executor) Merge(ctx context.Context, groupID int64) (*Result, error) {
	return e.MergeWith(ctx, groupID, Options{})
}

// MergeWith merges the non-discarded members of a group into its master and
// deletes the group. On failure the group is left untouched. If the merge was
// applied but the group could not be deleted, the Result is returned together
// with an error wrapping ErrGroupNotDeleted.
func (e *Executor) MergeWith(ctx context.Context, groupID int64, opts Options) (*Result, error) {
	start := time.Now()

	g, cfg, err := e.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	master, losers, err := plan(g)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", groupID, err)
	}

	unlock, err := e.locks.Lock(ctx, cfg.TargetType, append([]int64{master}, losers...))
	if err != nil {
		return nil, fmt.Errorf("failed to lock records of group %d: %w", groupID, err)
	}
	defer unlock()

	// Another merge may have finished while we waited for the locks
	g, cfg, err = e.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	master2, losers2, err := plan(g)
	if err != nil {
		return nil, fmt.Errorf("group %d: %w", groupID, err)
	}
	if master2 != master || !sameIDs(losers, losers2) {
		return nil, fmt.Errorf("group %d: %w", groupID, ErrGroupChanged)
	}

	result := &Result{
		GroupID:     g.ID,
		ConfigID:    cfg.ID,
		TargetType:  cfg.TargetType,
		MasterID:    master,
		LoserIDs:    losers,
		RemovalMode: cfg.RemovalMode,
	}
	data := events.MergeData{
		TargetType:  cfg.TargetType,
		MasterID:    master,
		LoserIDs:    losers,
		RemovalMode: string(cfg.RemovalMode),
		Automatic:   opts.Automatic,
	}

	err = e.retry(ctx, "apply_merge", func(ctx context.Context) error {
		return e.adapter.ApplyMerge(ctx, cfg.TargetType, master, losers, cfg.RemovalMode)
	})
	if err != nil {
		status := "error"
		var conflict *recordstore.MergeConflictError
		if errors.As(err, &conflict) {
			status = "conflict"
		}
		e.metrics.RecordMerge(cfg.Name, opts.Automatic, status, time.Since(start))
		data.Error = err.Error()
		e.recordEvent(ctx, cfg.ID, g.ID, opts.RunID,
			fmt.Sprintf("Merge of group %d failed: %v", g.ID, err), data)
		e.logger.Warn("merge failed",
			"group_id", g.ID, "config", cfg.Name, "master_id", master, "losers", losers, "error", err)
		return nil, fmt.Errorf("merge of group %d failed: %w", g.ID, err)
	}

	// The records are merged; the group no longer describes anything.
	// A caller giving up now must not leave it behind.
	var deleteErr error
	if err := e.store.DeleteGroup(context.WithoutCancel(ctx), g.ID); err != nil && !errors.Is(err, storage.ErrGroupNotFound) {
		deleteErr = fmt.Errorf("group %d: %w: %w", g.ID, ErrGroupNotDeleted, err)
		data.CleanupError = err.Error()
		e.logger.Error("merged group could not be deleted", "group_id", g.ID, "error", err)
	}
	e.metrics.RecordMerge(cfg.Name, opts.Automatic, "success", time.Since(start))
	e.recordEvent(context.WithoutCancel(ctx), cfg.ID, g.ID, opts.RunID,
		fmt.Sprintf("Merged %d %s record(s) into %d", len(losers), cfg.TargetType, master), data)
	e.logger.Info("group merged",
		"group_id", g.ID, "config", cfg.Name, "master_id", master, "losers", len(losers), "automatic", opts.Automatic)
	return result, deleteErr
}

// MergeMany merges groups with at most parallel merges in flight. Merges over
// overlapping records serialize on the record locks. Outcomes are returned in
// the order of ids.
func (e *Executor) MergeMany(ctx context.Context, ids []int64, parallel int, opts Options) []Outcome {
	if parallel < 1 {
		parallel = 1
	}
	outcomes := make([]Outcome, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, id := range ids {
		outcomes[i].GroupID = id
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				outcomes[i].Err = err
				return nil
			}
			// A failed merge does not stop the others
			outcomes[i].Result, outcomes[i].Err = e.MergeWith(gctx, id, opts)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (e *Executor) load(ctx context.Context, groupID int64) (*types.DuplicateGroup, *types.DeduplicationConfig, error) {
	g, err := e.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	if g == nil {
		return nil, nil, fmt.Errorf("group %d: %w", groupID, storage.ErrGroupNotFound)
	}
	cfg, err := e.store.GetConfig(ctx, g.ConfigID)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		return nil, nil, fmt.Errorf("config %d of group %d: %w", g.ConfigID, groupID, storage.ErrNotFound)
	}
	return g, cfg, nil
}

func (e *Executor) recordEvent(ctx context.Context, configID, groupID int64, runID, message string, data events.MergeData) {
	event, err := events.NewMergeEvent(configID, groupID, message, data)
	if err != nil {
		e.logger.Warn("failed to build merge event", "error", err)
		return
	}
	if err := e.store.StoreEvent(ctx, event.InRun(runID)); err != nil {
		e.logger.Warn("failed to store merge event", "group_id", groupID, "error", err)
	}
}

// plan returns the master and losers of g, checking the merge preconditions
func plan(g *types.DuplicateGroup) (int64, []int64, error) {
	if g.MasterID == nil {
		return 0, nil, ErrNoMaster
	}
	r := g.Record(*g.MasterID)
	if r == nil || r.IsDiscarded {
		return 0, nil, ErrMasterDiscarded
	}
	losers := g.Losers()
	if len(losers) == 0 {
		return 0, nil, ErrNoLosers
	}
	return *g.MasterID, losers, nil
}

func sameIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
