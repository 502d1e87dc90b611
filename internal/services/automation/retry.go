package automation

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/arbor"
)

// RetryPolicy retries flaky element interactions with a fixed delay
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// NewRetryPolicy creates the default policy: 3 attempts, 2s apart
func NewRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delay:       2 * time.Second,
	}
}

// Do runs fn until it succeeds, the attempts are used up or ctx ends.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, logger arbor.ILogger, action string, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !isRetryable(ctx, lastErr) {
			return lastErr
		}

		if attempt < attempts-1 {
			logger.Debug().
				Str("action", action).
				Int("attempt", attempt+1).
				Err(lastErr).
				Dur("delay", p.Delay).
				Msg("Retrying after delay")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
	}

	logger.Warn().
		Str("action", action).
		Int("max_attempts", attempts).
		Err(lastErr).
		Msg("All retry attempts exhausted")

	return lastErr
}

// isRetryable rejects errors another attempt cannot fix
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrBlocked) || errors.Is(err, ErrSessionDead) || errors.Is(err, ErrNoCredentials) {
		return false
	}
	return true
}
