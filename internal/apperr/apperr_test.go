package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"plain", errors.New("boom"), KindInternal},
		{"transient", Transient("llm", ReasonRateLimited, errors.New("429")), KindTransient},
		{"wrapped resource", fmt.Errorf("exec: %w", Resource("sandbox", ReasonSandboxGone, nil)), KindResource},
		{"context canceled", context.Canceled, KindCancellation},
		{"canceled inside transient", Transient("llm", ReasonTimeout, context.Canceled), KindCancellation},
		{"deadline", context.DeadlineExceeded, KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Transient("op", ReasonRateLimited, nil)))
	assert.False(t, IsRetryable(Validation("op", ReasonInvalidArguments, "bad %s", "arg")))
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
}

func TestErrorMessage(t *testing.T) {
	err := Resource("sandbox.exec", ReasonSandboxGone, errors.New("no such container"))
	assert.Equal(t, "sandbox.exec: ResourceError(sandbox_gone): no such container", err.Error())
	assert.Equal(t, ReasonSandboxGone, ReasonOf(fmt.Errorf("wrap: %w", err)))
}

func TestRetryAfterOf(t *testing.T) {
	err := Transient("llm", ReasonRateLimited, nil)
	err.RetryAfter = 3 * time.Second
	assert.Equal(t, 3*time.Second, RetryAfterOf(fmt.Errorf("x: %w", err)))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}
