package automation

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestRetryPolicy_SucceedsAfterFailures(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), arbor.NewLogger(), "click submit", func() error {
		calls++
		if calls < 3 {
			return errors.New("element is not clickable")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_ReturnsLastError(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}
	calls := 0

	err := policy.Do(context.Background(), arbor.NewLogger(), "fill title", func() error {
		calls++
		return fmt.Errorf("attempt %d failed", calls)
	})

	assert.EqualError(t, err, "attempt 2 failed")
	assert.Equal(t, 2, calls)
}

func TestRetryPolicy_StopsOnPermanentErrors(t *testing.T) {
	for _, permanent := range []error{ErrBlocked, ErrSessionDead, ErrNoCredentials, context.Canceled} {
		t.Run(permanent.Error(), func(t *testing.T) {
			policy := RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}
			calls := 0

			err := policy.Do(context.Background(), arbor.NewLogger(), "type into username", func() error {
				calls++
				return fmt.Errorf("wrapped: %w", permanent)
			})

			assert.ErrorIs(t, err, permanent)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetryPolicy_StopsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, Delay: time.Hour}
	calls := 0

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, arbor.NewLogger(), "click login", func() error {
		calls++
		return errors.New("not ready")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Do(context.Background(), arbor.NewLogger(), "noop", func() error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}
