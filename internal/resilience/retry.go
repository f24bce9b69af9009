// Package resilience provides the building blocks wrapped around every
// unreliable external call: retry with exponential backoff, a timeout race,
// and a fallback fetch against the Internet Archive. These are composable
// pieces, not policy; callers decide which wrappers apply per call.
package resilience

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig controls the backoff schedule.
type RetryConfig struct {
	MaxAttempts  int           // total attempts, including the first
	InitialDelay time.Duration // delay after the first failure
	Multiplier   float64       // backoff factor per attempt
	MaxDelay     time.Duration // backoff ceiling
	// RetryIf, when set, limits which errors are retried. Errors it
	// rejects propagate immediately. Precondition violations must never
	// be retried; pass a filter that excludes them.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     10 * time.Second,
	}
}

// Retry invokes fn up to MaxAttempts times, sleeping
// InitialDelay * Multiplier^attempt (capped at MaxDelay) between failures.
// The final failure is wrapped with the attempt count. Cancellation is
// observed between attempts so a cancelled session stops retrying promptly.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	multiplier := cfg.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				return zero, err
			}
			delay = time.Duration(float64(delay) * multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
