package deduplication

import (
	"fmt"
	"strings"
	"time"
)

// Config holds configuration for the deduplication engine
type Config struct {
	// CommitEvery is the number of groups created before the batch transaction
	// is committed. A crash loses at most this many groups of work.
	// Default: 1000
	CommitEvery int

	// Coalesce merges overlapping sets produced by different rules into one cluster.
	// When false, every rule's raw sets are considered on their own.
	// Default: true
	Coalesce bool

	// MaxRetries is the number of times a transient record store error is retried
	// before the config's run is abandoned
	// Default: 3 (total 4 attempts including the initial call)
	MaxRetries int

	// InitialBackoff is the delay before the first retry
	// Default: 500ms
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry
	// Default: 2.0
	BackoffMultiplier float64

	// MasterFlagFields are truthy-wins fields compared first during master election.
	// Fields not declared on the target type are ignored.
	// Default: [is_company]
	MasterFlagFields []string

	// MergeParallelism bounds concurrent auto-merges within one config
	// Default: 4
	MergeParallelism int

	// RememberDiscards skips candidate sets contained in a group an operator
	// discarded. When false, discarded groups come back on the next run.
	// Default: true
	RememberDiscards bool
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() Config {
	return Config{
		CommitEvery:       1000,
		Coalesce:          true,
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		MasterFlagFields:  []string{"is_company"},
		MergeParallelism:  4,
		RememberDiscards:  true,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.CommitEvery <= 0 {
		return fmt.Errorf("commit_every must be positive (got %d)", c.CommitEvery)
	}
	if c.CommitEvery > 100000 {
		return fmt.Errorf("commit_every too large (got %d, max 100000)", c.CommitEvery)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative (got %d)", c.MaxRetries)
	}
	if c.MaxRetries > 10 {
		return fmt.Errorf("max_retries too large (got %d, max 10)", c.MaxRetries)
	}
	if c.InitialBackoff <= 0 {
		return fmt.Errorf("initial_backoff must be positive (got %v)", c.InitialBackoff)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("max_backoff (%v) must be >= initial_backoff (%v)", c.MaxBackoff, c.InitialBackoff)
	}
	if c.BackoffMultiplier < 1.0 {
		return fmt.Errorf("backoff_multiplier must be >= 1.0 (got %.2f)", c.BackoffMultiplier)
	}
	for _, f := range c.MasterFlagFields {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("master_flag_fields cannot contain empty names")
		}
	}
	if c.MergeParallelism <= 0 {
		return fmt.Errorf("merge_parallelism must be positive (got %d)", c.MergeParallelism)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{CommitEvery: %d, Coalesce: %t, MaxRetries: %d, Backoff: %v..%v x%.1f, "+
			"MasterFlags: %v, MergeParallelism: %d, RememberDiscards: %t}",
		c.CommitEvery, c.Coalesce, c.MaxRetries, c.InitialBackoff, c.MaxBackoff,
		c.BackoffMultiplier, c.MasterFlagFields, c.MergeParallelism, c.RememberDiscards,
	)
}
