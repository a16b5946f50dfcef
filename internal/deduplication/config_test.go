package deduplication

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.CommitEvery != 1000 {
		t.Errorf("CommitEvery = %d, want 1000", cfg.CommitEvery)
	}
	if !cfg.Coalesce {
		t.Error("Coalesce should default to true")
	}
	if !cfg.RememberDiscards {
		t.Error("RememberDiscards should default to true")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"zero commit every", func(c *Config) { c.CommitEvery = 0 }, "commit_every must be positive"},
		{"huge commit every", func(c *Config) { c.CommitEvery = 1_000_000 }, "commit_every too large"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries cannot be negative"},
		{"too many retries", func(c *Config) { c.MaxRetries = 11 }, "max_retries too large"},
		{"zero backoff", func(c *Config) { c.InitialBackoff = 0 }, "initial_backoff"},
		{"max below initial", func(c *Config) { c.MaxBackoff = time.Millisecond }, "max_backoff"},
		{"shrinking backoff", func(c *Config) { c.BackoffMultiplier = 0.5 }, "backoff_multiplier"},
		{"blank flag field", func(c *Config) { c.MasterFlagFields = []string{" "} }, "master_flag_fields"},
		{"zero parallelism", func(c *Config) { c.MergeParallelism = 0 }, "merge_parallelism"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	for _, want := range []string{"CommitEvery: 1000", "Coalesce: true", "is_company"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
