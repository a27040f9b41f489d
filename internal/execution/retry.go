package execution

import (
	"context"
	"time"

	"github.com/yanun0323/errors"

	"tradecore/internal/model"
)

// RetryPolicy is the exponential backoff applied to transient venue
// errors. Attempts = MaxRetries + 1.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// withRetry runs fn under the venue's rate limiter, retrying transient
// failures per the policy. The context cancels both waits and attempts.
func (e *Engine) withRetry(ctx context.Context, venue model.Venue, fn func(context.Context) error) error {
	e.mu.RLock()
	limiter := e.limiters[venue]
	e.mu.RUnlock()

	var lastErr error
	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "retry aborted")
			case <-time.After(e.cfg.Retry.backoff(attempt - 1)):
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return errors.Wrap(err, "rate limit wait")
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Wrap(lastErr, "attempt canceled")
		}
	}
	return errors.Wrapf(lastErr, "retries exhausted after %d attempts", e.cfg.Retry.MaxRetries+1)
}
