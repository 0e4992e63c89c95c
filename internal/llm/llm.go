// Package llm is the completion capability used by the agent loop.
package llm

import (
	"context"

	"github.com/joescharf/flock/internal/models"
)

// Sampling holds per-request generation settings.
type Sampling struct {
	Model       string
	MaxTokens   int64
	Temperature float64
}

// Request is one completion request: a system prompt, the conversation so
// far and the tools the model may call.
type Request struct {
	System   string
	Messages []models.Message
	Tools    []models.ToolSchema
	Sampling Sampling

	// OnText, when set, asks for a streamed completion and receives each
	// text delta as it arrives. OnDiscard is called when text already
	// streamed is abandoned because the attempt failed.
	OnText    func(delta string)
	OnDiscard func()
}

// Completion is either assistant text, a batch of tool calls, or both.
type Completion struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
}

// HasToolCalls reports whether the model asked for tools.
func (c *Completion) HasToolCalls() bool { return len(c.ToolCalls) > 0 }

// Completer produces completions. Implementations classify failures with
// apperr kinds: rate limits and timeouts are transient, malformed
// responses are transient with reason invalid_response.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (*Completion, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req Request) (*Completion, error) {
	return f(ctx, req)
}
