package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/store"
)

// journalEnv opens the journal configured by testEnv.
func journalEnv(t *testing.T) store.Store {
	t.Helper()
	testEnv(t)
	s, err := getStore()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Close()
		dataStore = nil
	})
	return s
}

func TestSessionsList_Empty(t *testing.T) {
	journalEnv(t)

	require.NoError(t, sessionsListRun(context.Background()))
	assert.Contains(t, stdout(), "No sessions recorded yet")
}

func TestSessionsList(t *testing.T) {
	s := journalEnv(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.SessionRecord{ID: "S1", Title: "fix parser", Branch: "flock/fix-parser-aaaa1111"}))

	require.NoError(t, sessionsListRun(ctx))
	assert.Contains(t, stdout(), "fix parser")
	assert.Contains(t, stdout(), "flock/fix-parser-aaaa1111")
}

func TestSessionsShow(t *testing.T) {
	s := journalEnv(t)
	ctx := context.Background()
	require.NoError(t, s.CreateSession(ctx, &models.SessionRecord{ID: "S1", Title: "fix parser", Branch: "flock/fix"}))
	require.NoError(t, s.UpdateSessionState(ctx, "S1", models.StateAwaitingCompletion))
	require.NoError(t, s.AppendMessage(ctx, "S1", models.Message{ID: "m1", Role: models.RoleUser, Content: "fix the parser"}))
	require.NoError(t, s.AppendMessage(ctx, "S1", models.Message{
		ID: "m2", Role: models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "read_file", Arguments: json.RawMessage(`{"path":"p.go"}`)}},
	}))
	require.NoError(t, s.AppendMessage(ctx, "S1", models.Message{
		ID: "m3", Role: models.RoleTool,
		ToolResults: []models.ToolResult{{CallID: "c1", Name: "read_file", OK: true, Output: "package p"}},
	}))
	require.NoError(t, s.UpdateSessionState(ctx, "S1", models.StateIdle))
	require.NoError(t, s.RecordAutomation(ctx, models.AutomationResult{
		SessionID: "S1", CommitSHA: "0123abcd0123abcd0123abcd0123abcd0123abcd",
	}))

	require.NoError(t, sessionsShowRun(ctx, "S1"))
	out := stdout()
	assert.Contains(t, out, "fix parser")
	assert.Contains(t, out, "state: idle (2 transitions)")
	assert.Contains(t, out, "you: fix the parser")
	assert.Contains(t, out, "read_file")
	assert.Contains(t, out, "committed 0123abcd")
}

func TestSessionsShow_NotFound(t *testing.T) {
	journalEnv(t)

	err := sessionsShowRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}
