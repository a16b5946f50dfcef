// Package config loads engine settings from a YAML file and DEDUP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/steveyegge/dedup/internal/deduplication"
)

// EnvPrefix prefixes every environment override, e.g. DEDUP_ENGINE_INTERVAL
const EnvPrefix = "DEDUP"

// Record store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Settings is the complete runtime configuration
type Settings struct {
	Database      DatabaseSettings     `mapstructure:"database"`
	RecordStore   RecordStoreSettings  `mapstructure:"record_store"`
	Engine        EngineSettings       `mapstructure:"engine"`
	Notifications NotificationSettings `mapstructure:"notifications"`
	HTTP          HTTPSettings         `mapstructure:"http"`
	Logging       LoggingSettings      `mapstructure:"logging"`
	Telemetry     TelemetrySettings    `mapstructure:"telemetry"`
	Events        EventRetentionConfig `mapstructure:"events"`
}

// DatabaseSettings locates the group store
type DatabaseSettings struct {
	Path string `mapstructure:"path"`
}

// RecordStoreSettings selects the adapter over the host records
type RecordStoreSettings struct {
	Driver       string `mapstructure:"driver"`   // memory, sqlite, mysql
	DSN          string `mapstructure:"dsn"`      // gorm DSN of the host database
	Registry     string `mapstructure:"registry"` // YAML description of the host tables
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// EngineSettings tune detection runs
type EngineSettings struct {
	Interval          time.Duration `mapstructure:"interval"`
	RunTimeout        time.Duration `mapstructure:"run_timeout"`
	CommitEvery       int           `mapstructure:"commit_every"`
	Coalesce          bool          `mapstructure:"coalesce"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MasterFlagFields  []string      `mapstructure:"master_flag_fields"`
	MergeParallelism  int           `mapstructure:"merge_parallelism"`
	RememberDiscards  bool          `mapstructure:"remember_discards"`
}

// NotificationSettings configure the reviewer notification sinks
type NotificationSettings struct {
	Log           bool             `mapstructure:"log"`
	RatePerMinute int              `mapstructure:"rate_per_minute"`
	Burst         int              `mapstructure:"burst"`
	Shoutrrr      ShoutrrrSettings `mapstructure:"shoutrrr"`
	Webhook       WebhookSettings  `mapstructure:"webhook"`
}

// ShoutrrrSettings map recipients to shoutrrr service URLs
type ShoutrrrSettings struct {
	Enabled    bool                `mapstructure:"enabled"`
	URLs       []string            `mapstructure:"urls"` // used for recipients without their own
	Recipients map[string][]string `mapstructure:"recipients"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// WebhookSettings configure the JSON webhook sink
type WebhookSettings struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// HTTPSettings configure the admin API server
type HTTPSettings struct {
	Listen string `mapstructure:"listen"`
}

// LoggingSettings configure the structured logger
type LoggingSettings struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text, json
	File       string `mapstructure:"file"`   // empty logs to stderr only
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TelemetrySettings configure error reporting
type TelemetrySettings struct {
	SentryDSN   string  `mapstructure:"sentry_dsn"`
	Environment string  `mapstructure:"environment"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// setDefaults registers every key, which also makes it visible to AutomaticEnv
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", ".dedup/dedup.db")

	v.SetDefault("record_store.driver", DriverMemory)
	v.SetDefault("record_store.dsn", "")
	v.SetDefault("record_store.registry", "")
	v.SetDefault("record_store.max_open_conns", 4)

	engine := deduplication.DefaultConfig()
	v.SetDefault("engine.interval", time.Hour)
	v.SetDefault("engine.run_timeout", 2*time.Hour)
	v.SetDefault("engine.commit_every", engine.CommitEvery)
	v.SetDefault("engine.coalesce", engine.Coalesce)
	v.SetDefault("engine.max_retries", engine.MaxRetries)
	v.SetDefault("engine.initial_backoff", engine.InitialBackoff)
	v.SetDefault("engine.max_backoff", engine.MaxBackoff)
	v.SetDefault("engine.backoff_multiplier", engine.BackoffMultiplier)
	v.SetDefault("engine.master_flag_fields", engine.MasterFlagFields)
	v.SetDefault("engine.merge_parallelism", engine.MergeParallelism)
	v.SetDefault("engine.remember_discards", engine.RememberDiscards)

	v.SetDefault("notifications.log", true)
	v.SetDefault("notifications.rate_per_minute", 60)
	v.SetDefault("notifications.burst", 10)
	v.SetDefault("notifications.shoutrrr.enabled", false)
	v.SetDefault("notifications.shoutrrr.urls", []string{})
	v.SetDefault("notifications.shoutrrr.recipients", map[string][]string{})
	v.SetDefault("notifications.shoutrrr.timeout", 10*time.Second)
	v.SetDefault("notifications.webhook.enabled", false)
	v.SetDefault("notifications.webhook.url", "")
	v.SetDefault("notifications.webhook.headers", map[string]string{})
	v.SetDefault("notifications.webhook.timeout", 10*time.Second)

	v.SetDefault("http.listen", "127.0.0.1:8089")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("telemetry.sentry_dsn", "")
	v.SetDefault("telemetry.environment", "production")
	v.SetDefault("telemetry.sample_rate", 1.0)

	events := DefaultEventRetentionConfig()
	v.SetDefault("events.retention_days", events.RetentionDays)
	v.SetDefault("events.retention_critical_days", events.RetentionCriticalDays)
	v.SetDefault("events.global_limit_events", events.GlobalLimitEvents)
	v.SetDefault("events.cleanup_interval_hours", events.CleanupIntervalHours)
	v.SetDefault("events.cleanup_batch_size", events.CleanupBatchSize)
	v.SetDefault("events.cleanup_enabled", events.CleanupEnabled)
	v.SetDefault("events.cleanup_vacuum", events.CleanupVacuum)
}

// Default returns the settings used when no file or environment override is given
func Default() *Settings {
	v := viper.New()
	setDefaults(v)
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		panic(fmt.Sprintf("invalid default settings: %v", err))
	}
	return s
}

// Load reads settings from path (optional) and DEDUP_* environment variables.
// An empty path looks for dedup.yaml in the working directory and .dedup/;
// a missing file is not an error in that case.
func Load(path string) (*Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("dedup")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(".dedup")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// EngineConfig maps the engine section onto the deduplication engine config
func (s *Settings) EngineConfig() deduplication.Config {
	return deduplication.Config{
		CommitEvery:       s.Engine.CommitEvery,
		Coalesce:          s.Engine.Coalesce,
		MaxRetries:        s.Engine.MaxRetries,
		InitialBackoff:    s.Engine.InitialBackoff,
		MaxBackoff:        s.Engine.MaxBackoff,
		BackoffMultiplier: s.Engine.BackoffMultiplier,
		MasterFlagFields:  s.Engine.MasterFlagFields,
		MergeParallelism:  s.Engine.MergeParallelism,
		RememberDiscards:  s.Engine.RememberDiscards,
	}
}

// Validate checks every section
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Database.Path) == "" {
		return fmt.Errorf("database.path is required")
	}

	switch s.RecordStore.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL:
		if s.RecordStore.DSN == "" {
			return fmt.Errorf("record_store.dsn is required for driver %q", s.RecordStore.Driver)
		}
		if s.RecordStore.Registry == "" {
			return fmt.Errorf("record_store.registry is required for driver %q", s.RecordStore.Driver)
		}
	default:
		return fmt.Errorf("record_store.driver must be one of memory, sqlite, mysql (got %q)", s.RecordStore.Driver)
	}

	if s.Engine.Interval < time.Minute {
		return fmt.Errorf("engine.interval must be at least 1m (got %v)", s.Engine.Interval)
	}
	if s.Engine.RunTimeout <= 0 {
		return fmt.Errorf("engine.run_timeout must be positive (got %v)", s.Engine.RunTimeout)
	}
	if err := s.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if s.Notifications.RatePerMinute < 0 {
		return fmt.Errorf("notifications.rate_per_minute cannot be negative (got %d)", s.Notifications.RatePerMinute)
	}
	if s.Notifications.Webhook.Enabled && s.Notifications.Webhook.URL == "" {
		return fmt.Errorf("notifications.webhook.url is required when the webhook is enabled")
	}

	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error (got %q)", s.Logging.Level)
	}
	if s.Logging.Format != "text" && s.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json (got %q)", s.Logging.Format)
	}

	if s.Telemetry.SampleRate < 0 || s.Telemetry.SampleRate > 1 {
		return fmt.Errorf("telemetry.sample_rate must be between 0 and 1 (got %.2f)", s.Telemetry.SampleRate)
	}

	if err := s.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	return nil
}
