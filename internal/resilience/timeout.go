package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout marks a deadline loss. Timeouts are transient for retry
// purposes but callers count them separately for diagnostics.
var ErrTimeout = errors.New("operation timed out")

// IsTimeout reports whether err is a deadline loss.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// WithTimeout races fn against a deadline. The child context is cancelled
// when the deadline passes so a cooperative fn can abandon its work; either
// way the caller is never blocked past the deadline. A late result from an
// abandoned fn is discarded.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so an abandoned fn can still send and exit.
	done := make(chan outcome, 1)
	go func() {
		value, err := fn(ctx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		// A cooperative fn may surface the child deadline itself; normalize
		// so callers see one timeout error either way.
		if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, fmt.Errorf("%w after %s", ErrTimeout, d)
		}
		return zero, ctx.Err()
	}
}
