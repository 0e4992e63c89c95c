package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/retry"
)

var meter = otel.Meter("github.com/joescharf/flock/internal/llm")

// Retrying retries transient failures of the wrapped Completer with
// bounded exponential backoff. An invalid response is retried at most once.
type Retrying struct {
	inner   Completer
	policy  retry.Policy
	logger  *slog.Logger
	retries metric.Int64Counter

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// NewRetrying wraps inner with policy.
func NewRetrying(inner Completer, policy retry.Policy, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := meter.Int64Counter("flock.llm.retries", metric.WithDescription("completion attempts retried"))
	return &Retrying{inner: inner, policy: policy, logger: logger, retries: counter}
}

// Complete calls the wrapped Completer until it succeeds or the failure is
// fatal or the attempts are exhausted. Tool calls without an id get one.
func (r *Retrying) Complete(ctx context.Context, req Request) (*Completion, error) {
	invalid := 0
	p := r.policy
	p.Retryable = func(err error) bool {
		if !apperr.IsRetryable(err) {
			return false
		}
		if apperr.ReasonOf(err) == apperr.ReasonInvalidResponse {
			invalid++
			return invalid <= 1
		}
		return true
	}
	p.OnRetry = func(err error, attempt int, delay time.Duration) {
		reason := apperr.ReasonOf(err)
		r.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
		r.logger.Warn("completion failed, retrying", "attempt", attempt, "reason", reason, "delay", delay, "error", err)
		if r.OnRetry != nil {
			r.OnRetry(err, attempt, delay)
		}
	}

	attempt := req
	streamed := false
	if req.OnText != nil {
		attempt.OnText = func(delta string) {
			streamed = true
			req.OnText(delta)
		}
	}
	c, err := retry.Do(ctx, p, func(ctx context.Context) (*Completion, error) {
		streamed = false
		c, err := r.inner.Complete(ctx, attempt)
		if err != nil && streamed && req.OnDiscard != nil {
			req.OnDiscard()
		}
		return c, err
	})
	if err != nil {
		return nil, err
	}
	for i := range c.ToolCalls {
		if c.ToolCalls[i].ID == "" {
			c.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
	return c, nil
}
