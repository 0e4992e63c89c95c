// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/joescharf/flock/internal/apperr"
)

// Policy configures retry behavior.
type Policy struct {
	MaxAttempts int // total attempts including the first
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// Retryable decides whether err is retried. Defaults to apperr.IsRetryable.
	Retryable func(err error) bool
	// OnRetry is called before sleeping for the next attempt.
	OnRetry func(err error, attempt int, delay time.Duration)

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the default policy for external calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// Delay returns the backoff before attempt n+1 (n is 0-indexed).
func (p Policy) Delay(n int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := math.Min(float64(p.BaseDelay)*math.Pow(mult, float64(n)), float64(p.MaxDelay))
	if p.Jitter {
		// [0.5, 1.5)
		d *= 0.5 + rand.Float64()
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// WithSleep returns a copy of p that sleeps with fn. Used in tests.
func (p Policy) WithSleep(fn func(ctx context.Context, d time.Duration) error) Policy {
	p.sleep = fn
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	retryable := p.Retryable
	if retryable == nil {
		retryable = apperr.IsRetryable
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	attempts := max(p.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var result T
		result, err = fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !retryable(err) || attempt == attempts-1 {
			return zero, err
		}

		delay := p.Delay(attempt)
		if hint := apperr.RetryAfterOf(err); hint > 0 {
			if p.MaxDelay > 0 && hint > p.MaxDelay {
				return zero, err
			}
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt+1, delay)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
