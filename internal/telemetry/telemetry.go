// Package telemetry reports internal failures to Sentry. Without a DSN every
// call is a no-op.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/steveyegge/dedup/internal/config"
)

// Reporter sends errors and messages to a Sentry hub.
// A nil *Reporter is valid and reports nothing.
type Reporter struct {
	hub *sentry.Hub
}

// New creates a reporter from the telemetry settings. It returns nil, nil
// when no DSN is configured.
func New(cfg config.TelemetrySettings, release string) (*Reporter, error) {
	if cfg.SentryDSN == "" {
		return nil, nil
	}
	return NewWithOptions(sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          "dedup@" + release,
		SampleRate:       cfg.SampleRate,
		AttachStacktrace: true,
	})
}

// NewWithOptions creates a reporter with explicit client options, e.g. a custom transport
func NewWithOptions(opts sentry.ClientOptions) (*Reporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return &Reporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

// Enabled reports whether events are sent anywhere
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// CaptureError reports err tagged with the component and extra tags
func (r *Reporter) CaptureError(err error, component string, tags map[string]string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(sentry.LevelError)
		r.hub.CaptureException(err)
	})
}

// CaptureMessage reports a message at the given level
func (r *Reporter) CaptureMessage(message string, level sentry.Level, component string, tags map[string]string) {
	if !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		scope.SetLevel(level)
		r.hub.CaptureMessage(message)
	})
}

// Flush waits up to timeout for queued events to be sent
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}
