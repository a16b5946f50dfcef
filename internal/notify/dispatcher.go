package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/dedup/internal/metrics"
)

// Dispatcher fans a notification out to several sinks, one recipient at a
// time, pacing deliveries with a token bucket. A Dispatcher is itself a Sink.
type Dispatcher struct {
	sinks   []Sink
	limiter *rate.Limiter
	metrics *metrics.EngineMetrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher allowing perMinute deliveries per minute
// with the given burst. perMinute <= 0 disables pacing.
func NewDispatcher(sinks []Sink, perMinute, burst int, m *metrics.EngineMetrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		sinks:   sinks,
		limiter: rate.NewLimiter(limit, burst),
		metrics: m,
		logger:  logger.With("component", "notify"),
	}
}

func (d *Dispatcher) Name() string { return "dispatcher" }

// Sinks returns the configured sinks
func (d *Dispatcher) Sinks() []Sink {
	return d.sinks
}

// Notify delivers to every recipient through every sink. A recipient counts
// as failed only when no sink reached it.
func (d *Dispatcher) Notify(ctx context.Context, recipients []string, configName, targetLabel string, groupCount int) error {
	if len(d.sinks) == 0 || len(recipients) == 0 {
		return nil
	}

	var de DeliveryError
	for _, r := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notification rate limit wait: %w", err)
		}

		delivered := false
		var errs []error
		for _, sink := range d.sinks {
			err := sink.Notify(ctx, []string{r}, configName, targetLabel, groupCount)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				d.metrics.RecordNotification(sink.Name(), "error")
				d.logger.Warn("notification delivery failed",
					"sink", sink.Name(), "recipient", r, "config", configName, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
				continue
			}
			d.metrics.RecordNotification(sink.Name(), "success")
			delivered = true
		}
		if !delivered {
			de.Failed = append(de.Failed, r)
			de.Errs = append(de.Errs, errs...)
		}
	}
	if len(de.Failed) > 0 {
		return &de
	}
	return nil
}
