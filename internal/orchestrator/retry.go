package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/steveyegge/dedup/internal/recordstore"
)

// retryWithBackoff executes a record store operation with retry and
// exponential backoff. Only transient failures are retried.
func (o *Orchestrator) retryWithBackoff(ctx context.Context, operation string, fn func(context.Context) error) error {
	var lastErr error
	backoff := o.engine.InitialBackoff

	for attempt := 0; attempt <= o.engine.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				o.logger.Info("record store operation succeeded after retries",
					"operation", operation, "retries", attempt)
			}
			return nil
		}
		lastErr = err

		if !recordstore.IsTransient(err) {
			return err
		}
		if attempt == o.engine.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s failed: %w", operation, ctx.Err())
		}

		o.metrics.RecordStoreRetry(operation)
		o.logger.Warn("record store operation failed, retrying",
			"operation", operation,
			"attempt", attempt+1,
			"max_attempts", o.engine.MaxRetries+1,
			"backoff", backoff,
			"error", err)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
			backoff = time.Duration(float64(backoff) * o.engine.BackoffMultiplier)
			if backoff > o.engine.MaxBackoff {
				backoff = o.engine.MaxBackoff
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s failed: context canceled during backoff: %w", operation, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, o.engine.MaxRetries+1, lastErr)
}
