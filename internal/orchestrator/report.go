package orchestrator

import (
	"fmt"
	"time"
)

// Run statuses
const (
	StatusSuccess   = "success"
	StatusPartial   = "partial"
	StatusCancelled = "cancelled"
)

// RunReport summarizes one orchestrator run
type RunReport struct {
	RunID      string         `json:"run_id"`
	Trigger    string         `json:"trigger"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Configs    []ConfigReport `json:"configs"`
	Cancelled  bool           `json:"cancelled,omitempty"`
}

// ConfigReport is the outcome of one config within a run
type ConfigReport struct {
	ConfigID            int64         `json:"config_id"`
	Name                string        `json:"name"`
	Created             int           `json:"created"`
	Replaced            int           `json:"replaced"`
	Skipped             int           `json:"skipped"`
	Dropped             int           `json:"dropped"`
	Merged              int           `json:"merged"`
	MergeFailures       int           `json:"merge_failures"`
	Pruned              int           `json:"pruned"`
	InvariantViolations int           `json:"invariant_violations,omitempty"`
	Cancelled           bool          `json:"cancelled,omitempty"`
	Err                 error         `json:"-"`
	Error               string        `json:"error,omitempty"`
	Duration            time.Duration `json:"duration"`

	targetLabel string
}

// Status returns success when every config completed, cancelled when the run
// was interrupted, and partial when some config was abandoned
func (r *RunReport) Status() string {
	if r.Cancelled {
		return StatusCancelled
	}
	for _, c := range r.Configs {
		if c.Err != nil {
			return StatusPartial
		}
	}
	return StatusSuccess
}

// Duration returns the wall time of the run
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Totals sums the per-config counters
func (r *RunReport) Totals() ConfigReport {
	var t ConfigReport
	for _, c := range r.Configs {
		t.Created += c.Created
		t.Replaced += c.Replaced
		t.Skipped += c.Skipped
		t.Dropped += c.Dropped
		t.Merged += c.Merged
		t.MergeFailures += c.MergeFailures
		t.Pruned += c.Pruned
		t.InvariantViolations += c.InvariantViolations
	}
	return t
}

// Config returns the report for configID, or nil
func (r *RunReport) Config(configID int64) *ConfigReport {
	for i := range r.Configs {
		if r.Configs[i].ConfigID == configID {
			return &r.Configs[i]
		}
	}
	return nil
}

// Summary returns a one-line description of the config outcome
func (c *ConfigReport) Summary() string {
	s := fmt.Sprintf("created=%d replaced=%d skipped=%d dropped=%d merged=%d merge_failures=%d pruned=%d",
		c.Created, c.Replaced, c.Skipped, c.Dropped, c.Merged, c.MergeFailures, c.Pruned)
	if c.Err != nil {
		s += " error=" + c.Err.Error()
	}
	return s
}
