package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single wait; zero means uncapped.
	MaxDelay time.Duration
	Logger   *Logger

	// Retryable decides whether an error warrants another attempt.
	// A nil Retryable retries every error.
	Retryable func(error) bool
}

// RetryAfterError lets an error dictate the wait before the next attempt,
// e.g. from a Retry-After response header.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

// Do executes fn with exponential back-off retry logic. It stops early when
// fn returns a non-retryable error or ctx is done.
func (r *RetryConfig) Do(ctx context.Context, operationName string, fn func(ctx context.Context) error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := r.BaseDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%s: %w (last error: %v)", operationName, err, lastErr)
			}
			return fmt.Errorf("%s: %w", operationName, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if r.Retryable != nil && !r.Retryable(lastErr) {
			return lastErr
		}

		if attempt < attempts {
			wait := delay
			var ra RetryAfterError
			if errors.As(lastErr, &ra) && ra.RetryAfter() > 0 {
				wait = ra.RetryAfter()
			}
			if r.MaxDelay > 0 && wait > r.MaxDelay {
				wait = r.MaxDelay
			}
			if r.Logger != nil {
				r.Logger.Warn("[retry] %s failed (attempt %d/%d): %v, retrying in %v",
					operationName, attempt, attempts, lastErr, wait)
			}
			if err := Sleep(ctx, wait); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", operationName, err, lastErr)
			}
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, lastErr)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
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
