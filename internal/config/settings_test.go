package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dedup.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaultSettingsAreValid(t *testing.T) {
	s := Default()
	if err := s.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if s.RecordStore.Driver != DriverMemory {
		t.Errorf("RecordStore.Driver = %q, want %q", s.RecordStore.Driver, DriverMemory)
	}
	if s.Engine.CommitEvery != 1000 {
		t.Errorf("Engine.CommitEvery = %d, want 1000", s.Engine.CommitEvery)
	}
	if !s.Engine.Coalesce {
		t.Error("Engine.Coalesce should default to true")
	}
	if !s.EngineConfig().RememberDiscards {
		t.Error("Engine.RememberDiscards should default to true")
	}
	if s.Events != DefaultEventRetentionConfig() {
		t.Errorf("Events = %v, want defaults", s.Events)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/groups.db
record_store:
  driver: sqlite
  dsn: file:/tmp/host.db
  registry: /etc/dedup/registry.yaml
engine:
  interval: 15m
  commit_every: 50
  coalesce: false
  remember_discards: false
  initial_backoff: 1s
  max_backoff: 10s
  master_flag_fields: [is_company, verified]
notifications:
  shoutrrr:
    enabled: true
    urls: ["telegram://token@telegram?chats=1"]
  webhook:
    enabled: true
    url: https://hooks.example.com/dedup
logging:
  format: json
events:
  retention_days: 7
`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Database.Path != "/tmp/groups.db" {
		t.Errorf("Database.Path = %q", s.Database.Path)
	}
	if s.RecordStore.Driver != DriverSQLite || s.RecordStore.DSN != "file:/tmp/host.db" {
		t.Errorf("RecordStore = %+v", s.RecordStore)
	}
	if s.Engine.Interval != 15*time.Minute {
		t.Errorf("Engine.Interval = %v, want 15m", s.Engine.Interval)
	}
	if s.Engine.Coalesce {
		t.Error("Engine.Coalesce should be false")
	}
	if s.EngineConfig().RememberDiscards {
		t.Error("Engine.RememberDiscards should be false")
	}

	engine := s.EngineConfig()
	if engine.CommitEvery != 50 || engine.InitialBackoff != time.Second || engine.MaxBackoff != 10*time.Second {
		t.Errorf("EngineConfig() = %v", engine)
	}
	if len(engine.MasterFlagFields) != 2 || engine.MasterFlagFields[1] != "verified" {
		t.Errorf("MasterFlagFields = %v", engine.MasterFlagFields)
	}
	if len(s.Notifications.Shoutrrr.URLs) != 1 {
		t.Errorf("Shoutrrr.URLs = %v", s.Notifications.Shoutrrr.URLs)
	}
	if s.Events.RetentionDays != 7 || s.Events.RetentionCriticalDays != 90 {
		t.Errorf("Events = %v", s.Events)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, "engine:\n  commit_every: 50\n")
	t.Setenv("DEDUP_ENGINE_COMMIT_EVERY", "25")
	t.Setenv("DEDUP_LOGGING_LEVEL", "debug")
	t.Setenv("DEDUP_HTTP_LISTEN", ":9999")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Engine.CommitEvery != 25 {
		t.Errorf("Engine.CommitEvery = %d, want 25 from environment", s.Engine.CommitEvery)
	}
	if s.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", s.Logging.Level)
	}
	if s.HTTP.Listen != ":9999" {
		t.Errorf("HTTP.Listen = %q, want :9999", s.HTTP.Listen)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		errMsg string
	}{
		{"unknown driver", "record_store:\n  driver: oracle\n", "record_store.driver"},
		{"sqlite without dsn", "record_store:\n  driver: sqlite\n  registry: r.yaml\n", "record_store.dsn is required"},
		{"interval too short", "engine:\n  interval: 10s\n", "engine.interval"},
		{"invalid engine", "engine:\n  commit_every: 0\n", "commit_every must be positive"},
		{"webhook without url", "notifications:\n  webhook:\n    enabled: true\n", "webhook.url"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"bad retention", "events:\n  retention_days: 0\n", "retention_days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %q, want it to contain %q", err.Error(), tt.errMsg)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing config file should fail")
	}
}
