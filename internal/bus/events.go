package bus

import (
	"time"

	"github.com/joescharf/flock/internal/models"
)

// EventKind identifies the type of an event.
type EventKind string

const (
	EventSessionCreated   EventKind = "session_created"
	EventStateChanged     EventKind = "state_changed"
	EventMessageAppended  EventKind = "message_appended"
	EventToolInvoked      EventKind = "tool_invoked"
	EventToolCompleted    EventKind = "tool_completed"
	EventAutomationResult EventKind = "automation_result"
	EventActivity         EventKind = "activity"
	EventError            EventKind = "error"
)

// Streaming events. A chunk carries assistant text in Text as the model
// produces it; the final text still arrives as MessageAppended. Discarded
// drops the chunks streamed since the last appended message.
const (
	EventCompletionChunk     EventKind = "completion_chunk"
	EventCompletionDiscarded EventKind = "completion_discarded"
)

// Event is published by sessions and consumed by control surfaces.
// Only the payload field matching Kind is set.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`

	State      models.AgentState        `json:"state,omitempty"`
	Message    *models.Message          `json:"message,omitempty"`
	Tool       *ToolNotice              `json:"tool,omitempty"`
	Automation *models.AutomationResult `json:"automation,omitempty"`
	Error      *ErrorInfo               `json:"error,omitempty"`
	Session    *models.SessionSummary   `json:"session,omitempty"`
	Text       string                   `json:"text,omitempty"`
}

// ToolNotice describes a tool invocation or its completion.
type ToolNotice struct {
	CallID string             `json:"call_id"`
	Name   string             `json:"name"`
	Result *models.ToolResult `json:"result,omitempty"`
}

// ErrorInfo is the payload of an EventError.
type ErrorInfo struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail"`
}

// CommandKind identifies a control surface command.
type CommandKind string

const (
	CommandUserMessage CommandKind = "user_message"
	CommandStopSession CommandKind = "stop_session"
	CommandNewSession  CommandKind = "new_session"
	CommandRetry       CommandKind = "retry"
)

// Command flows from a control surface to the session manager.
type Command struct {
	Kind      CommandKind `json:"kind"`
	SessionID string      `json:"session_id,omitempty"`
	Title     string      `json:"title,omitempty"`
	Text      string      `json:"text,omitempty"`
}
