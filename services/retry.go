package services

import (
	"context"
	"errors"
	"time"
)

// Backoff returns how long to wait before the given retry (1-based).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// FixedBackoff waits the same duration before every retry.
type FixedBackoff time.Duration

func (b FixedBackoff) Delay(int) time.Duration {
	return time.Duration(b)
}

// RetryPolicy runs an operation once plus up to MaxRetries more times.
type RetryPolicy struct {
	MaxRetries int
	Backoff    Backoff
}

// DefaultRetryPolicy retries twice with one second between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: FixedBackoff(time.Second)}
}

// Do calls fn until it succeeds or the retries are used up, stopping early
// when ctx is done or fn returns a Permanent error. It returns the number of
// attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxRetries := p.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	var err error
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if waitErr := p.wait(ctx, attempt); waitErr != nil {
				return attempts, err
			}
		}
		attempts++
		if err = fn(ctx); err == nil {
			return attempts, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return attempts, perm.err
		}
		if ctx.Err() != nil {
			return attempts, err
		}
	}
	return attempts, err
}

func (p RetryPolicy) wait(ctx context.Context, attempt int) error {
	var d time.Duration
	if p.Backoff != nil {
		d = p.Backoff.Delay(attempt)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// right away.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
