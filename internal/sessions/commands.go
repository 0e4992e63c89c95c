package sessions

import (
	"context"
	"errors"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/bus"
)

// Handle executes one control surface command. Failures are returned and
// also published as Error events so that surfaces without a reply channel
// still see them.
func (m *Manager) Handle(ctx context.Context, cmd bus.Command) error {
	var err error
	switch cmd.Kind {
	case bus.CommandNewSession:
		_, err = m.Create(ctx, Options{Title: cmd.Title, Task: cmd.Text})
	case bus.CommandUserMessage:
		err = m.Send(ctx, cmd.SessionID, cmd.Text)
	case bus.CommandRetry:
		err = m.Retry(ctx, cmd.SessionID)
	case bus.CommandStopSession:
		err = m.Stop(ctx, cmd.SessionID)
	default:
		err = apperr.Validation("sessions.handle", apperr.ReasonInvalidArguments, "unknown command %q", cmd.Kind)
	}
	if err != nil {
		m.logger.Warn("command failed", "kind", cmd.Kind, "session_id", cmd.SessionID, "error", err)
		m.publish(bus.Event{Kind: bus.EventError, SessionID: cmd.SessionID, Error: ErrorInfo(err)})
	}
	return err
}

// Serve handles commands until ctx is done or cmds is closed.
func (m *Manager) Serve(ctx context.Context, cmds <-chan bus.Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			_ = m.Handle(ctx, cmd)
		}
	}
}

var sentinelReasons = []struct {
	err    error
	kind   apperr.Kind
	reason string
}{
	{ErrCapacity, apperr.KindResource, apperr.ReasonCapacityExceeded},
	{ErrUnknownSession, apperr.KindValidation, "unknown_session"},
	{ErrSessionBusy, apperr.KindValidation, "session_busy"},
	{ErrSessionClosed, apperr.KindValidation, "session_closed"},
	{ErrShutdown, apperr.KindResource, "shutdown"},
}

// ErrorInfo maps a manager error to its event payload.
func ErrorInfo(err error) *bus.ErrorInfo {
	for _, s := range sentinelReasons {
		if errors.Is(err, s.err) {
			return &bus.ErrorInfo{Kind: s.kind.String(), Reason: s.reason, Detail: err.Error()}
		}
	}
	return &bus.ErrorInfo{Kind: apperr.KindOf(err).String(), Reason: apperr.ReasonOf(err), Detail: err.Error()}
}
