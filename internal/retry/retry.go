package retry

import (
	"context"
	"errors"
	"time"
)

// Backoff returns the delay to wait after the given failed attempt (1-based)
type Backoff func(attempt int) time.Duration

// Constant waits the same delay after every attempt
func Constant(delay time.Duration) Backoff {
	return func(int) time.Duration {
		return delay
	}
}

// Linear waits attempt*step after each failed attempt: step, 2*step, 3*step...
func Linear(step time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return time.Duration(attempt) * step
	}
}

// Do calls fn until it succeeds or attempts calls have been made. Between
// failed attempt n and attempt n+1 it waits backoff(n). The error of the
// last attempt is returned when every attempt fails. If ctx is cancelled
// while waiting, the context error is joined with the last attempt error.
func Do(ctx context.Context, attempts int, backoff Backoff, fn func(ctx context.Context, attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := Sleep(ctx, backoff(attempt-1)); err != nil {
				return errors.Join(err, lastErr)
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
	}

	return lastErr
}

// Poll checks cond once and then up to retries more times, waiting
// backoff(n) before retry n. It reports whether cond was observed true.
// A cancelled ctx ends polling early with false.
func Poll(ctx context.Context, retries int, backoff Backoff, cond func() bool) bool {
	if cond() {
		return true
	}

	for retry := 1; retry <= retries; retry++ {
		if err := Sleep(ctx, backoff(retry)); err != nil {
			return false
		}
		if cond() {
			return true
		}
	}

	return false
}

// Sleep blocks for d or until ctx is done, whichever comes first
func Sleep(ctx context.Context, d time.Duration) error {
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
