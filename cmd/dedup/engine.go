package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/steveyegge/dedup/internal/admin"
	"github.com/steveyegge/dedup/internal/config"
	"github.com/steveyegge/dedup/internal/logging"
	"github.com/steveyegge/dedup/internal/metrics"
	"github.com/steveyegge/dedup/internal/notify"
	"github.com/steveyegge/dedup/internal/orchestrator"
	"github.com/steveyegge/dedup/internal/recordstore"
	"github.com/steveyegge/dedup/internal/recordstore/gormstore"
	"github.com/steveyegge/dedup/internal/recordstore/memory"
	"github.com/steveyegge/dedup/internal/storage"
	"github.com/steveyegge/dedup/internal/telemetry"
)

// slowQueryThreshold is the gorm query latency logged as a warning
const slowQueryThreshold = 500 * time.Millisecond

// engine holds everything a command needs, wired from the settings
type engine struct {
	settings *config.Settings
	logger   *slog.Logger
	store    storage.Storage
	records  recordstore.Adapter
	metrics  *metrics.EngineMetrics
	reporter *telemetry.Reporter
	orch     *orchestrator.Orchestrator
	service  *admin.Service

	closers []io.Closer
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		settings.Database.Path = dbPath
	}
	return settings, nil
}

// openEngine opens the group store and the record store and wires the
// orchestrator and the admin service over them
func openEngine(settings *config.Settings, release string, stderr io.Writer) (*engine, error) {
	logger, logCloser, err := logging.New(settings.Logging, stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	e := &engine{settings: settings, logger: logger, closers: []io.Closer{logCloser}}

	e.reporter, err = telemetry.New(settings.Telemetry, release)
	if err != nil {
		// Telemetry is optional; carry on without it
		logger.Warn("telemetry disabled", "error", err)
	}

	e.store, err = storage.NewStorage(context.Background(), &storage.Config{Path: settings.Database.Path})
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to open group store: %w", err)
	}
	e.closers = append(e.closers, e.store)

	records, closer, err := openRecordStore(settings.RecordStore, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	e.records = records
	if closer != nil {
		e.closers = append(e.closers, closer)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics, err = metrics.NewEngineMetrics(registry)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	notifier, err := buildNotifier(settings.Notifications, e.metrics, logger)
	if err != nil {
		_ = e.Close()
		return nil, err
	}

	cfg := orchestrator.DefaultConfig()
	cfg.Store = e.store
	cfg.Adapter = e.records
	cfg.Engine = settings.EngineConfig()
	cfg.Notifier = notifier
	cfg.Metrics = e.metrics
	cfg.Telemetry = e.reporter
	cfg.Logger = logger
	cfg.Interval = settings.Engine.Interval
	cfg.RunTimeout = settings.Engine.RunTimeout
	retention := settings.Events
	cfg.EventRetention = &retention

	e.orch, err = orchestrator.New(cfg)
	if err != nil {
		_ = e.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	e.service = admin.NewService(e.store, e.records, e.orch, logger)
	return e, nil
}

// openRecordStore returns the adapter over the host records. The closer is
// nil when there is nothing to release.
func openRecordStore(cfg config.RecordStoreSettings, logger *slog.Logger) (recordstore.Adapter, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using the in-memory record store; it holds no records until some are loaded")
		return memory.New(), nil, nil
	case config.DriverSQLite, config.DriverMySQL:
		registry, err := gormstore.LoadRegistry(cfg.Registry)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load record store registry: %w", err)
		}
		store, err := gormstore.Open(gormstore.Options{
			Driver:       cfg.Driver,
			DSN:          cfg.DSN,
			MaxOpenConns: cfg.MaxOpenConns,
			Logger:       logging.NewGormLogger(logger, slowQueryThreshold),
		}, registry, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}
	return nil, nil, fmt.Errorf("unknown record store driver %q", cfg.Driver)
}

// buildNotifier fans reviewer notifications out to every enabled sink
func buildNotifier(cfg config.NotificationSettings, m *metrics.EngineMetrics, logger *slog.Logger) (notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.Log {
		sinks = append(sinks, notify.NewLogSink(logger))
	}
	if cfg.Shoutrrr.Enabled {
		sink, err := notify.NewShoutrrrSink(cfg.Shoutrrr.Recipients, cfg.Shoutrrr.URLs, cfg.Shoutrrr.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to configure shoutrrr notifications: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Webhook.Enabled {
		sink, err := notify.NewWebhookSink(cfg.Webhook.URL, cfg.Webhook.Headers, cfg.Webhook.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to configure webhook notifications: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return notify.NewDispatcher(sinks, cfg.RatePerMinute, cfg.Burst, m, logger), nil
}

// Close releases everything in reverse order of opening
func (e *engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	e.reporter.Flush(2 * time.Second)
	return errors.Join(errs...)
}
