// Package metrics provides Prometheus metrics for detection runs, merges and notifications.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics contains all Prometheus metrics emitted by the engine.
// A nil *EngineMetrics is valid and records nothing.
type EngineMetrics struct {
	// Run metrics
	RunsTotal   *prometheus.CounterVec // Runs by trigger and status
	RunDuration prometheus.Histogram   // Whole-run latency
	RunActive   prometheus.Gauge       // 1 while a run is in progress

	// Per-config detection metrics
	GroupsTotal    *prometheus.CounterVec // Group outcomes by config and outcome
	ConfigFailures *prometheus.CounterVec // Abandoned config runs by config
	RecordsPruned  *prometheus.CounterVec // Records detached from groups by config
	StoreRetries   *prometheus.CounterVec // Transient record store retries by operation

	// Merge metrics
	MergesTotal   *prometheus.CounterVec   // Merges by config, mode and status
	MergeDuration *prometheus.HistogramVec // Merge latency by status

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec // Deliveries by sink and status

	registry *prometheus.Registry
}

// Group outcome labels
const (
	OutcomeCreated  = "created"
	OutcomeReplaced = "replaced"
	OutcomeSkipped  = "skipped"
	OutcomeDropped  = "dropped"
)

// NewEngineMetrics creates the engine metrics and registers them with registry.
func NewEngineMetrics(registry *prometheus.Registry) (*EngineMetrics, error) {
	m := &EngineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register engine metrics: %w", err)
	}
	return m, nil
}

// Registry returns the registry the metrics were registered with
func (m *EngineMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *EngineMetrics) initMetrics() {
	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_runs_total",
			Help: "Total number of detection runs by trigger and status",
		},
		[]string{"trigger", "status"}, // trigger: scheduled, manual; status: success, partial, cancelled
	)

	m.RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dedup_run_duration_seconds",
			Help:    "Time taken by a detection run across all configs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
	)

	m.RunActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dedup_run_active",
			Help: "Whether a detection run is in progress (1) or not (0)",
		},
	)

	m.GroupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_groups_total",
			Help: "Candidate groups by config and outcome",
		},
		[]string{"config", "outcome"}, // outcome: created, replaced, skipped, dropped
	)

	m.ConfigFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_config_failures_total",
			Help: "Config runs abandoned after an error",
		},
		[]string{"config"},
	)

	m.RecordsPruned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_records_pruned_total",
			Help: "Group members detached because they are no longer candidates",
		},
		[]string{"config"},
	)

	m.StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_store_retries_total",
			Help: "Retries of record store operations after transient failures",
		},
		[]string{"operation"},
	)

	m.MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_merges_total",
			Help: "Merge attempts by config, mode and status",
		},
		[]string{"config", "mode", "status"}, // mode: automatic, manual; status: success, conflict, error
	)

	m.MergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dedup_merge_duration_seconds",
			Help:    "Time taken to apply a merge in the record store",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"status"},
	)

	m.NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_notifications_total",
			Help: "Reviewer notifications by sink and status",
		},
		[]string{"sink", "status"},
	)
}

// RecordRun records a finished run
func (m *EngineMetrics) RecordRun(trigger, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger, status).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// SetRunActive flags whether a run is in progress
func (m *EngineMetrics) SetRunActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.RunActive.Set(1)
	} else {
		m.RunActive.Set(0)
	}
}

// AddGroups adds n group outcomes for a config
func (m *EngineMetrics) AddGroups(config, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GroupsTotal.WithLabelValues(config, outcome).Add(float64(n))
}

// RecordConfigFailure counts an abandoned config run
func (m *EngineMetrics) RecordConfigFailure(config string) {
	if m == nil {
		return
	}
	m.ConfigFailures.WithLabelValues(config).Inc()
}

// AddPruned counts records detached from groups
func (m *EngineMetrics) AddPruned(config string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsPruned.WithLabelValues(config).Add(float64(n))
}

// RecordStoreRetry counts a retried record store operation
func (m *EngineMetrics) RecordStoreRetry(operation string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(operation).Inc()
}

// RecordMerge records a merge attempt
func (m *EngineMetrics) RecordMerge(config string, automatic bool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	mode := "manual"
	if automatic {
		mode = "automatic"
	}
	m.MergesTotal.WithLabelValues(config, mode, status).Inc()
	m.MergeDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNotification records a delivery to one sink
func (m *EngineMetrics) RecordNotification(sink, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(sink, status).Inc()
}

// Describe implements the prometheus.Collector interface.
func (m *EngineMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.RunsTotal.Describe(ch)
	m.RunDuration.Describe(ch)
	m.RunActive.Describe(ch)
	m.GroupsTotal.Describe(ch)
	m.ConfigFailures.Describe(ch)
	m.RecordsPruned.Describe(ch)
	m.StoreRetries.Describe(ch)
	m.MergesTotal.Describe(ch)
	m.MergeDuration.Describe(ch)
	m.NotificationsTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *EngineMetrics) Collect(ch chan<- prometheus.Metric) {
	m.RunsTotal.Collect(ch)
	m.RunDuration.Collect(ch)
	m.RunActive.Collect(ch)
	m.GroupsTotal.Collect(ch)
	m.ConfigFailures.Collect(ch)
	m.RecordsPruned.Collect(ch)
	m.StoreRetries.Collect(ch)
	m.MergesTotal.Collect(ch)
	m.MergeDuration.Collect(ch)
	m.NotificationsTotal.Collect(ch)
}
