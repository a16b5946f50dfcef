package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetricsRecord(t *testing.T) {
	m, err := NewEngineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	m.AddGroups("contacts", OutcomeCreated, 3)
	m.AddGroups("contacts", OutcomeCreated, 0)
	m.AddGroups("contacts", OutcomeSkipped, 2)
	m.RecordMerge("contacts", true, "success", 10*time.Millisecond)
	m.RecordRun("manual", "success", time.Second)
	m.RecordNotification("log", "success")
	m.SetRunActive(true)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.GroupsTotal.WithLabelValues("contacts", OutcomeCreated)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GroupsTotal.WithLabelValues("contacts", OutcomeSkipped)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesTotal.WithLabelValues("contacts", "automatic", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("manual", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunActive))
}

func TestEngineMetricsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEngineMetrics(reg)
	require.NoError(t, err)
	_, err = NewEngineMetrics(reg)
	assert.Error(t, err)
}

func TestNilEngineMetricsIsNoop(t *testing.T) {
	var m *EngineMetrics
	assert.NotPanics(t, func() {
		m.AddGroups("x", OutcomeDropped, 1)
		m.RecordMerge("x", false, "error", time.Second)
		m.RecordRun("scheduled", "partial", time.Second)
		m.RecordStoreRetry("group_by_field")
		m.SetRunActive(false)
		m.AddPruned("x", 4)
		m.RecordConfigFailure("x")
		m.RecordNotification("webhook", "error")
	})
	assert.Nil(t, m.Registry())
}
