package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "net" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

func TestShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialPolicy()
	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(errors.New("boom"), 0))
	require.False(t, p.ShouldRetry(errors.New("boom"), 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.True(t, p.ShouldRetry(timeoutErr{timeout: true}, 1))
	require.False(t, p.ShouldRetry(timeoutErr{timeout: false}, 1))

	unbounded := &ExponentialPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}
	require.True(t, unbounded.ShouldRetry(errors.New("boom"), 1000))
}

func TestBackoffStaysWithinCap(t *testing.T) {
	t.Parallel()

	p := &ExponentialPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	for attempt := range 10 {
		d := p.Backoff(attempt)
		full := min(100*time.Millisecond<<attempt, time.Second)
		require.GreaterOrEqual(t, d, full/2, "attempt %d", attempt)
		require.LessOrEqual(t, d, full, "attempt %d", attempt)
	}
}

func TestSleepHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestFixed(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Fixed(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("not yet")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	calls = 0
	boom := errors.New("broker down")
	err = Fixed(context.Background(), 4, time.Millisecond, func(context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 4, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = Fixed(ctx, 5, time.Hour, func(context.Context) error { return boom })
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, err, boom)
}
