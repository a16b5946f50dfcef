package config

import (
	"fmt"
	"time"
)

// EventRetentionConfig holds configuration for audit event retention and cleanup
type EventRetentionConfig struct {
	// RetentionDays is the retention period for regular events (in days)
	// Events older than this are eligible for deletion
	// Default: 30, Range: 1-365
	RetentionDays int `mapstructure:"retention_days"`

	// RetentionCriticalDays is the retention period for error and critical events (in days)
	// Merge failures and invariant violations are kept longer for review
	// Must be >= RetentionDays
	// Default: 90, Range: 1-730
	RetentionCriticalDays int `mapstructure:"retention_critical_days"`

	// GlobalLimitEvents is the maximum total number of events to keep
	// Oldest non-critical events are deleted above 95% of this limit
	// Default: 100000, Range: 1000-1000000
	GlobalLimitEvents int `mapstructure:"global_limit_events"`

	// CleanupIntervalHours is how often to run cleanup (in hours)
	// Default: 24, Range: 1-168 (1 week)
	CleanupIntervalHours int `mapstructure:"cleanup_interval_hours"`

	// CleanupBatchSize is the number of events to delete per transaction
	// Default: 1000, Range: 100-10000
	CleanupBatchSize int `mapstructure:"cleanup_batch_size"`

	// CleanupEnabled controls whether the scheduler runs cleanup
	// Default: true
	CleanupEnabled bool `mapstructure:"cleanup_enabled"`

	// CleanupVacuum controls whether to run VACUUM after cleanup
	// VACUUM reclaims disk space but locks the database
	// Default: false
	CleanupVacuum bool `mapstructure:"cleanup_vacuum"`
}

// DefaultEventRetentionConfig returns the default event retention configuration
func DefaultEventRetentionConfig() EventRetentionConfig {
	return EventRetentionConfig{
		RetentionDays:         30,
		RetentionCriticalDays: 90,
		GlobalLimitEvents:     100000,
		CleanupIntervalHours:  24,
		CleanupBatchSize:      1000,
		CleanupEnabled:        true,
		CleanupVacuum:         false,
	}
}

// CleanupInterval returns CleanupIntervalHours as a duration
func (c EventRetentionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

// retentionBound is the accepted range of one retention setting
type retentionBound struct {
	key      string
	value    int
	min, max int
}

// Validate checks every setting against its range, then the cross-field rule
func (c EventRetentionConfig) Validate() error {
	bounds := []retentionBound{
		{"retention_days", c.RetentionDays, 1, 365},
		{"retention_critical_days", c.RetentionCriticalDays, 1, 730},
		{"global_limit_events", c.GlobalLimitEvents, 1000, 1000000},
		{"cleanup_interval_hours", c.CleanupIntervalHours, 1, 168},
		{"cleanup_batch_size", c.CleanupBatchSize, 100, 10000},
	}
	for _, b := range bounds {
		if b.value < b.min || b.value > b.max {
			return fmt.Errorf("%s must be between %d and %d (got %d)", b.key, b.min, b.max, b.value)
		}
	}

	if c.RetentionCriticalDays < c.RetentionDays {
		return fmt.Errorf("retention_critical_days (%d) must be >= retention_days (%d)",
			c.RetentionCriticalDays, c.RetentionDays)
	}
	return nil
}
