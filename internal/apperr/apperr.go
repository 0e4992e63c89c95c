// Package apperr defines the error taxonomy shared by the runtime.
//
// Every failure that crosses a component boundary carries a Kind. The Kind
// decides how far the error may travel: validation and automation failures
// stay inside their component, transient failures are retried, and resource
// failures end the owning session.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for propagation decisions.
type Kind int

const (
	// KindInternal is the zero value: a programming or unexpected error.
	KindInternal Kind = iota
	KindTransient
	KindValidation
	KindResource
	KindAutomation
	KindCancellation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TransientExternal"
	case KindValidation:
		return "ValidationError"
	case KindResource:
		return "ResourceError"
	case KindAutomation:
		return "AutomationError"
	case KindCancellation:
		return "UserCancellation"
	default:
		return "InternalError"
	}
}

// Machine-readable reasons.
const (
	ReasonRateLimited         = "rate_limited"
	ReasonTimeout             = "timeout"
	ReasonUnavailable         = "unavailable"
	ReasonInvalidResponse     = "invalid_response"
	ReasonInvalidArguments    = "invalid_arguments"
	ReasonUnknownTool         = "unknown_tool"
	ReasonToolFailed          = "tool_failed"
	ReasonSandboxGone         = "sandbox_gone"
	ReasonBuildFailed         = "build_failed"
	ReasonResourceUnavailable = "resource_unavailable"
	ReasonCapacityExceeded    = "capacity_exceeded"
	ReasonLintFailed          = "lint_failed"
	ReasonCommitFailed        = "commit_failed"
	ReasonPushFailed          = "push_failed"
	ReasonPullRequestFailed   = "pull_request_failed"
	ReasonProviderRejected    = "provider_rejected"
	ReasonCancelled           = "cancelled"
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error

	// RetryAfter is a server-provided hint for transient errors.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += "(" + e.Reason + ")"
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op, reason string, err error) *Error {
	return &Error{Kind: kind, Op: op, Reason: reason, Err: err}
}

// Transient wraps err as a TransientExternal error.
func Transient(op, reason string, err error) *Error {
	return New(KindTransient, op, reason, err)
}

// Validation builds a ValidationError with a formatted message.
func Validation(op, reason, format string, a ...any) *Error {
	return New(KindValidation, op, reason, fmt.Errorf(format, a...))
}

// Resource wraps err as a ResourceError.
func Resource(op, reason string, err error) *Error {
	return New(KindResource, op, reason, err)
}

// Automation wraps err as an AutomationError.
func Automation(op, reason string, err error) *Error {
	return New(KindAutomation, op, reason, err)
}

// KindOf returns the Kind of err. Context cancellation is always
// KindCancellation, even when wrapped in another kind.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindInternal
}

// ReasonOf returns the machine-readable reason of err, or "".
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCancelled
	}
	return ""
}

// Is reports whether err has the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err may be retried with backoff.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
