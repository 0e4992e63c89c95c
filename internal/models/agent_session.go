package models

import "time"

// AgentState is where a session currently is in its completion loop.
type AgentState string

const (
	StateIdle               AgentState = "idle"
	StateAwaitingCompletion AgentState = "awaiting_completion"
	StateExecutingTools     AgentState = "executing_tools"
	StateAwaitingUserInput  AgentState = "awaiting_user_input"
	StateStopped            AgentState = "stopped"
	StateCompleted          AgentState = "completed"
)

// IsTerminal reports whether no further transitions are possible.
func (s AgentState) IsTerminal() bool {
	return s == StateStopped || s == StateCompleted
}

// AcceptsInput reports whether a user message may start a new turn.
func (s AgentState) AcceptsInput() bool {
	return s == StateIdle || s == StateAwaitingUserInput
}

// SessionSummary is the listing view of a live session.
type SessionSummary struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Branch         string     `json:"branch"`
	WorktreePath   string     `json:"worktree_path"`
	SandboxID      string     `json:"sandbox_id,omitempty"`
	State          AgentState `json:"state"`
	Busy           bool       `json:"busy"`
	Messages       int        `json:"messages"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SessionRecord is the journaled view of a session, live or finished.
type SessionRecord struct {
	ID             string
	Title          string
	Branch         string
	WorktreePath   string
	State          AgentState
	PullRequestURL string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	EndedAt        *time.Time
}
