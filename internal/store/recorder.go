package store

import (
	"context"
	"log/slog"

	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/models"
)

// Recorder persists bus events into the journal.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder writing to s.
func NewRecorder(s Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: s, logger: logger}
}

// Run records events from sub until ctx is done or the subscription is
// closed. Journal failures are logged and never stop the loop.
func (r *Recorder) Run(ctx context.Context, sub *bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := r.Record(ctx, ev); err != nil {
				r.logger.Warn("journal write failed", "kind", ev.Kind, "session_id", ev.SessionID, "error", err)
			}
		}
	}
}

// Record writes a single event. Kinds the journal does not keep are ignored.
func (r *Recorder) Record(ctx context.Context, ev bus.Event) error {
	switch ev.Kind {
	case bus.EventSessionCreated:
		rec := &models.SessionRecord{ID: ev.SessionID, CreatedAt: ev.Time}
		if s := ev.Session; s != nil {
			rec.Title = s.Title
			rec.Branch = s.Branch
			rec.WorktreePath = s.WorktreePath
			rec.State = s.State
			if !s.CreatedAt.IsZero() {
				rec.CreatedAt = s.CreatedAt
			}
		}
		return r.store.CreateSession(ctx, rec)
	case bus.EventStateChanged:
		return r.store.UpdateSessionState(ctx, ev.SessionID, ev.State)
	case bus.EventMessageAppended:
		if ev.Message == nil {
			return nil
		}
		return r.store.AppendMessage(ctx, ev.SessionID, *ev.Message)
	case bus.EventAutomationResult:
		if ev.Automation == nil {
			return nil
		}
		res := *ev.Automation
		res.SessionID = ev.SessionID
		if err := r.store.RecordAutomation(ctx, res); err != nil {
			return err
		}
		if res.PullRequestURL != "" {
			return r.store.SetPullRequestURL(ctx, ev.SessionID, res.PullRequestURL)
		}
	case bus.EventError:
		if ev.Error == nil {
			return nil
		}
		return r.store.SetLastError(ctx, ev.SessionID, ev.Error.Detail)
	}
	return nil
}
