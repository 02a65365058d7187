package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicyStopsAfterThreeAttempts(t *testing.T) {
	calls := 0
	attempts, err := zeroRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("still failing")
	})

	assert.EqualError(t, err, "still failing")
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicyReturnsOnFirstSuccess(t *testing.T) {
	calls := 0
	attempts, err := zeroRetry().Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryPolicyPermanentError(t *testing.T) {
	cause := errors.New("bad input")
	attempts, err := zeroRetry().Do(context.Background(), func(ctx context.Context) error {
		return Permanent(cause)
	})

	assert.Equal(t, 1, attempts)
	assert.Same(t, cause, err)
	assert.Nil(t, Permanent(nil))
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 2, Backoff: FixedBackoff(time.Hour)}

	calls := 0
	done := make(chan struct{})
	var attempts int
	var err error
	go func() {
		defer close(done)
		attempts, err = policy.Do(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("down")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("retry did not stop on cancellation")
	}

	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.EqualError(t, err, "down")
}

func TestRetryPolicyWaitsBetweenAttempts(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 2, Backoff: FixedBackoff(10 * time.Millisecond)}

	start := time.Now()
	attempts, _ := policy.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("down")
	})

	assert.Equal(t, 3, attempts)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, 2, p.MaxRetries)
	assert.Equal(t, time.Second, p.Backoff.Delay(1))
	assert.Equal(t, time.Second, p.Backoff.Delay(2))
}

func TestRetryPolicyNegativeRetries(t *testing.T) {
	attempts, err := RetryPolicy{MaxRetries: -1}.Do(context.Background(), func(ctx context.Context) error {
		return errors.New("once")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}
