// internal/retry/retry_test.go
package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 5 * time.Second}

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4), "capped at MaxDelay")
	assert.Equal(t, 5*time.Second, p.Delay(30))
	assert.Equal(t, time.Duration(0), p.Delay(0))

	uncapped := Policy{BaseDelay: 100 * time.Millisecond}
	assert.Equal(t, 800*time.Millisecond, uncapped.Delay(4))
}

func TestDo(t *testing.T) {
	fast := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("returns immediately on success", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
			calls++
			return nil
		}, nil)

		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("succeeds on a later attempt", func(t *testing.T) {
		var seen []int
		var delays []time.Duration
		err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
			seen = append(seen, attempt)
			if attempt < 2 {
				return errors.New("transient")
			}
			return nil
		}, func(attempt int, err error, delay time.Duration) {
			delays = append(delays, delay)
		})

		require.NoError(t, err)
		assert.Equal(t, []int{1, 2}, seen)
		assert.Equal(t, []time.Duration{time.Millisecond}, delays)
	})

	t.Run("wraps the last error after exhausting attempts", func(t *testing.T) {
		boom := errors.New("boom")
		var hooks []int
		var lastDelay time.Duration
		calls := 0
		err := Do(context.Background(), fast, func(ctx context.Context, attempt int) error {
			calls++
			return boom
		}, func(attempt int, err error, delay time.Duration) {
			hooks = append(hooks, attempt)
			lastDelay = delay
		})

		require.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
		assert.Equal(t, []int{1, 2, 3}, hooks)
		assert.Zero(t, lastDelay, "no wait after the final attempt")
	})

	t.Run("cancellation interrupts the backoff wait", func(t *testing.T) {
		slow := Policy{MaxAttempts: 3, BaseDelay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0

		done := make(chan error, 1)
		go func() {
			done <- Do(ctx, slow, func(ctx context.Context, attempt int) error {
				calls++
				return errors.New("fail")
			}, nil)
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			require.Error(t, err)
			assert.Equal(t, 1, calls)
		case <-time.After(time.Second):
			t.Fatal("Do did not return after cancellation")
		}
	})

	t.Run("treats a non-positive attempt count as one", func(t *testing.T) {
		calls := 0
		err := Do(context.Background(), Policy{}, func(ctx context.Context, attempt int) error {
			calls++
			return errors.New("fail")
		}, nil)

		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})
}
