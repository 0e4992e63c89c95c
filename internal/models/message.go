package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Message is one entry of a conversation. Assistant messages may carry
// tool calls; tool messages carry the matching results.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall is a structured request from the model to run a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the observation produced for exactly one ToolCall.
type ToolResult struct {
	CallID       string        `json:"call_id"`
	Name         string        `json:"name"`
	OK           bool          `json:"ok"`
	Output       string        `json:"output"`
	Reason       string        `json:"reason,omitempty"`
	ChangedPaths []string      `json:"changed_paths,omitempty"`
	Duration     time.Duration `json:"duration"`

	// Err carries the underlying fault so the loop can escalate resource
	// failures. It is never serialized.
	Err error `json:"-"`
}

// AutomationResult is the outcome of one post-turn automation run.
type AutomationResult struct {
	SessionID          string      `json:"session_id"`
	Skipped            bool        `json:"skipped"`
	LintApplied        bool        `json:"lint_applied"`
	CommitSHA          string      `json:"commit_sha,omitempty"`
	Pushed             bool        `json:"pushed"`
	PullRequestURL     string      `json:"pull_request_url,omitempty"`
	PullRequestCreated bool        `json:"pull_request_created"`
	PullRequestUpdated bool        `json:"pull_request_updated"`
	Errors             []StepError `json:"errors,omitempty"`
}

// StepError records a failed automation step.
type StepError struct {
	Step   string `json:"step"`
	Reason string `json:"reason"`
	Detail string `json:"detail"`
}

// OK reports whether every attempted step succeeded.
func (r AutomationResult) OK() bool { return len(r.Errors) == 0 }

// ToolSchema describes a tool to the model.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
