package util

import (
	"context"
	"errors"
	"time"
)

// RetryErrWithContext calls fn up to maxTries times until it returns nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}

	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// RetryWithContext calls fn up to maxTries times until it returns a result and nil error,
// or until ctx is done. If maxTries <= 0, it defaults to 1.
// Returns ctx.Err() if the context is canceled, otherwise returns the last error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Backoff configures RetryWithBackoff.
type Backoff struct {
	// Attempts is the total number of calls to fn, the first one included.
	// Values below 1 mean a single call.
	Attempts int
	// BaseDelay is the wait before the first retry. It doubles on each
	// further retry.
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// OnRetry is called before each wait.
	OnRetry func(retry int, delay time.Duration, err error)
}

// Delay returns the wait before the given retry (1-based):
// BaseDelay * 2^(retry-1), capped at MaxDelay.
func (b Backoff) Delay(retry int) time.Duration {
	delay := b.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// RetryWithBackoff runs fn, retrying with exponential backoff while the error
// is retryable and fewer than b.Attempts calls were made. It returns the number of
// retries performed together with the last error.
func RetryWithBackoff(ctx context.Context, b Backoff, fn func(context.Context) error) (int, error) {
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return retries, err
		}

		err := fn(ctx)
		if err == nil {
			return retries, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return retries, err
		}
		if b.Retryable != nil && !b.Retryable(err) {
			return retries, err
		}
		if retries+1 >= b.Attempts {
			return retries, err
		}

		retries++
		delay := b.Delay(retries)
		if b.OnRetry != nil {
			b.OnRetry(retries, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return retries, ctx.Err()
		case <-timer.C:
		}
	}
}
