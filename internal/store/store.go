package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/flock/internal/models"
)

// ErrNotFound is returned when a journaled session does not exist.
var ErrNotFound = errors.New("not found")

// StateChange is one journaled state transition.
type StateChange struct {
	State models.AgentState
	At    time.Time
}

// Store is the session journal. Live session state is owned by the
// session manager; the journal keeps what survives a restart.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, rec *models.SessionRecord) error
	GetSession(ctx context.Context, id string) (*models.SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]*models.SessionRecord, error)
	UpdateSessionState(ctx context.Context, id string, state models.AgentState) error
	SetPullRequestURL(ctx context.Context, id, url string) error
	SetLastError(ctx context.Context, id, msg string) error
	ReconcileSessions(ctx context.Context) (int, error)

	// Transcript
	AppendMessage(ctx context.Context, sessionID string, msg models.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]models.Message, error)
	ListStateChanges(ctx context.Context, sessionID string) ([]StateChange, error)

	// Automation
	RecordAutomation(ctx context.Context, res models.AutomationResult) error
	ListAutomation(ctx context.Context, sessionID string) ([]models.AutomationResult, error)

	Migrate(ctx context.Context) error
	Close() error
}
