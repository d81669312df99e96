// internal/retry/retry.go
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy bounds how often and how patiently a unit of work is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is three attempts starting at one second.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// Delay returns the wait after the given failed attempt: BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Func is a fallible unit of work. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Hook observes a failed attempt before the backoff wait. delay is zero on the final attempt.
type Hook func(attempt int, err error, delay time.Duration)

// Do runs fn until it succeeds or the policy is exhausted. The returned error wraps the last failure.
// A cancelled ctx interrupts the backoff wait, never an attempt in progress.
func Do(ctx context.Context, p Policy, fn Func, onFailure Hook) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		var delay time.Duration
		if attempt < attempts {
			delay = p.Delay(attempt)
		}
		if onFailure != nil {
			onFailure(attempt, err, delay)
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, delay); err != nil {
			return fmt.Errorf("retry interrupted after attempt %d: %w", attempt, lastErr)
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
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
