package crawler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, 10*time.Millisecond)
	boom := errors.New("boom")

	require.False(t, p.ShouldRetry(nil, 1))
	require.True(t, p.ShouldRetry(boom, 1))
	require.True(t, p.ShouldRetry(boom, 2))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 1))
	require.False(t, p.ShouldRetry(context.DeadlineExceeded, 1))
}

func TestExponentialRetryPolicyBackoffBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(10, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt < 10; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Second)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), NewExponentialRetryPolicy(3, time.Millisecond, time.Millisecond),
		func(context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRetryGivesUp(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), NewExponentialRetryPolicy(2, time.Millisecond, time.Millisecond),
		func(context.Context) error {
			calls++
			return errors.New("down")
		})
	require.EqualError(t, err, "down")
	require.Equal(t, 2, calls)
}

func TestRetryNilPolicyRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	err := Retry(context.Background(), nil, func(context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRenderErrorTimeout(t *testing.T) {
	t.Parallel()

	err := error(&RenderError{URL: "https://wecandoo.fr/ateliers", Op: "wait", Err: context.DeadlineExceeded})
	require.True(t, IsRenderTimeout(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "https://wecandoo.fr/ateliers")

	require.False(t, IsRenderTimeout(&RenderError{Op: "navigate", Err: errors.New("net::ERR")}))
	require.False(t, IsRenderTimeout(errors.New("plain")))
}

func TestRunStatusIsTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []RunStatus{RunStatusSuccess, RunStatusFailed, RunStatusTimeout} {
		require.True(t, s.IsTerminal(), s)
	}
	for _, s := range []RunStatus{RunStatusPending, RunStatusStarted, RunStatusProgress} {
		require.False(t, s.IsTerminal(), s)
	}
	require.False(t, RunStatus("bogus").Valid())
}
