// Package orchestrator drives detection runs over the active dedup configs,
// either on a schedule or on demand, and carries out auto-merges and
// reviewer notifications once the groups are in place.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/steveyegge/dedup/internal/config"
	"github.com/steveyegge/dedup/internal/deduplication"
	"github.com/steveyegge/dedup/internal/merge"
	"github.com/steveyegge/dedup/internal/metrics"
	"github.com/steveyegge/dedup/internal/notify"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/telemetry"
)

// ErrRunInProgress is returned when a run is requested while another is active
var ErrRunInProgress = errors.New("a detection run is already in progress")

// Run triggers
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Config holds orchestrator configuration
type Config struct {
	Store   storage.Storage
	Adapter recordstore.Adapter
	Engine  deduplication.Config

	// Elector picks group masters. Default: FeatureElector over Engine.MasterFlagFields
	Elector deduplication.MasterElector

	// Notifier receives reviewer notifications. Default: a LogSink
	Notifier notify.Sink

	Metrics   *metrics.EngineMetrics // optional
	Telemetry *telemetry.Reporter    // optional
	Logger    *slog.Logger

	// Interval between scheduled runs
	// Default: 1 hour
	Interval time.Duration

	// RunTimeout bounds one scheduled run; zero means no limit
	// Default: 2 hours
	RunTimeout time.Duration

	// EventRetention configures the event cleanup loop; nil disables it
	EventRetention *config.EventRetentionConfig

	// Now returns the current time (tests override it)
	Now func() time.Time
}

// DefaultConfig returns an orchestrator configuration with default engine settings
func DefaultConfig() Config {
	return Config{
		Engine:     deduplication.DefaultConfig(),
		Interval:   time.Hour,
		RunTimeout: 2 * time.Hour,
	}
}

// Orchestrator runs detection for every active config
type Orchestrator struct {
	store     storage.Storage
	adapter   recordstore.Adapter
	evaluator *deduplication.Evaluator
	elector   deduplication.MasterElector
	notifier  notify.Sink
	merger    *merge.Executor
	metrics   *metrics.EngineMetrics
	telemetry *telemetry.Reporter
	logger    *slog.Logger
	engine    deduplication.Config
	retention *config.EventRetentionConfig
	now       func() time.Time

	interval   time.Duration
	runTimeout time.Duration

	// runMu is held for the duration of a run
	runMu sync.Mutex

	mu         sync.Mutex
	running    bool
	lastReport *RunReport
	cancel     context.CancelFunc

	stopCh             chan struct{}
	doneCh             chan struct{}
	eventCleanupStopCh chan struct{}
	eventCleanupDoneCh chan struct{}
}

// New creates an orchestrator
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("record store adapter is required")
	}
	if err := cfg.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Elector == nil {
		cfg.Elector = deduplication.NewFeatureElector(cfg.Engine.MasterFlagFields...)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewLogSink(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EventRetention != nil {
		if err := cfg.EventRetention.Validate(); err != nil {
			return nil, fmt.Errorf("invalid event retention config: %w", err)
		}
	}

	o := &Orchestrator{
		store:      cfg.Store,
		adapter:    cfg.Adapter,
		evaluator:  deduplication.NewEvaluator(cfg.Adapter),
		elector:    cfg.Elector,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		telemetry:  cfg.Telemetry,
		logger:     cfg.Logger.With("component", "orchestrator"),
		engine:     cfg.Engine,
		retention:  cfg.EventRetention,
		now:        cfg.Now,
		interval:   cfg.Interval,
		runTimeout: cfg.RunTimeout,
	}
	o.merger = merge.NewExecutor(cfg.Store, cfg.Adapter, cfg.Logger, cfg.Metrics).WithRetry(o.retryWithBackoff)
	return o, nil
}

// Merger returns the merge executor shared with operator-triggered merges,
// so that automatic and manual merges contend on the same record locks
func (o *Orchestrator) Merger() *merge.Executor {
	return o.merger
}

// LastReport returns the report of the most recent finished run, or nil
func (o *Orchestrator) LastReport() *RunReport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastReport
}

// IsRunning reports whether the scheduler is started
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches the scheduler loop and, when configured, the event cleanup loop.
// The first run starts immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator is already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.stopCh = make(chan struct{})
	o.doneCh = make(chan struct{})
	o.eventCleanupStopCh = make(chan struct{})
	o.eventCleanupDoneCh = make(chan struct{})
	o.running = true

	go o.scheduleLoop(loopCtx)
	go o.eventCleanupLoop(loopCtx)

	o.logger.Info("scheduler started", "interval", o.interval, "run_timeout", o.runTimeout)
	return nil
}

// Stop signals both loops, cancels an in-flight scheduled run and waits for
// the loops to exit or ctx to be done
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator is not running")
	}
	close(o.stopCh)
	close(o.eventCleanupStopCh)
	o.cancel()
	doneCh, eventCleanupDoneCh := o.doneCh, o.eventCleanupDoneCh
	o.mu.Unlock()

	// Wait for both loops concurrently so one slow loop does not eat the other's timeout
	loopDone, cleanupDone := false, false
	for !loopDone || !cleanupDone {
		select {
		case <-doneCh:
			loopDone = true
		case <-eventCleanupDoneCh:
			cleanupDone = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	o.running = false
	o.mu.Unlock()
	o.logger.Info("scheduler stopped")
	return nil
}

func (o *Orchestrator) scheduleLoop(ctx context.Context) {
	defer close(o.doneCh)

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.scheduledRun(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			select {
			case <-o.stopCh:
				return
			default:
			}
			o.scheduledRun(ctx)
		}
	}
}

func (o *Orchestrator) scheduledRun(ctx context.Context) {
	runCtx := ctx
	if o.runTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.runTimeout)
		defer cancel()
	}
	_, err := o.run(runCtx, TriggerScheduled, nil)
	switch {
	case errors.Is(err, ErrRunInProgress):
		o.logger.Info("scheduled run skipped, a run is already in progress")
	case err != nil:
		o.logger.Error("scheduled run failed", "error", err)
		o.telemetry.CaptureError(err, "orchestrator", map[string]string{"trigger": TriggerScheduled})
	}
}
