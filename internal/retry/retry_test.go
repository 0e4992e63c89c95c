package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/apperr"
)

func noSleep(p Policy) (Policy, *[]time.Duration) {
	var slept []time.Duration
	return p.WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}), &slept
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	p, slept := noSleep(Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})

	calls := 0
	got, err := Do(context.Background(), p, func(context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", apperr.Transient("llm", apperr.ReasonRateLimited, errors.New("429"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, *slept)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	p, slept := noSleep(DefaultPolicy())

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, apperr.Validation("llm", apperr.ReasonProviderRejected, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	p, _ := noSleep(Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		return 0, apperr.Transient("llm", apperr.ReasonUnavailable, nil)
	})
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestDo_RetryAfterHint(t *testing.T) {
	p, slept := noSleep(Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Minute})

	calls := 0
	_, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			e := apperr.Transient("llm", apperr.ReasonRateLimited, nil)
			e.RetryAfter = 7 * time.Second
			return 0, e
		}
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *slept)
}

func TestDo_CancelledWhileSleeping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, p, func(context.Context) (int, error) {
			return 0, apperr.Transient("llm", apperr.ReasonTimeout, nil)
		})
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestDelay_Capped(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	p.Jitter = true
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, p.Delay(10), 5*time.Second)
	}
}
