// Package resilience wraps calls to dependent services with retry/backoff,
// a circuit breaker, and process-wide operation metrics used for health
// classification. The calendar integration routes every call through it.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// RetryConfig tunes the backoff schedule for a retried operation.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultRetryConfig matches the tuning used for calendar calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		BackoffFactor: 2.0,
		MaxDelay:      10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2.0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// delay returns the sleep before attempt n+1, with attempt counted from zero:
// min(InitialDelay * BackoffFactor^attempt, MaxDelay).
func (c RetryConfig) delay(attempt int) time.Duration {
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt)))
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// ExhaustedError reports that every attempt failed. Unwrap yields the last
// underlying cause.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Retry invokes op up to cfg.MaxAttempts times, sleeping between attempts
// per the backoff schedule. It reports the number of retries taken (attempts
// beyond the first), which feeds the metrics tracker. Context cancellation
// aborts immediately and is never retried; the context error is returned
// as-is so callers can distinguish it with errors.Is.
func Retry(ctx context.Context, cfg RetryConfig, op func(ctx context.Context) error) (int, error) {
	_, retries, err := RetryValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return retries, err
}

// RetryValue is Retry for operations that produce a value.
func RetryValue[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, int, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, err
		}

		v, err := op(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, attempt, err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return zero, attempt, ctx.Err()
		case <-time.After(cfg.delay(attempt)):
		}
	}
	return zero, cfg.MaxAttempts - 1, &ExhaustedError{Attempts: cfg.MaxAttempts, Err: lastErr}
}
