package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sessions"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockSessions implements Sessions for testing.
type mockSessions struct {
	sessions map[string]*models.SessionSummary
	history  map[string][]models.Message
	order    []string

	created []sessions.Options
	sent    []string
	waited  []string
	stopped []string

	createErr error
	sendErr   error
	waitErr   error
}

func newMockSessions() *mockSessions {
	return &mockSessions{sessions: map[string]*models.SessionSummary{}, history: map[string][]models.Message{}}
}

func (m *mockSessions) add(id string, state models.AgentState) *models.SessionSummary {
	sum := &models.SessionSummary{ID: id, Title: id, Branch: "flock/" + id, State: state}
	m.sessions[id] = sum
	m.order = append(m.order, id)
	return sum
}

func (m *mockSessions) Create(_ context.Context, opts sessions.Options) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created = append(m.created, opts)
	id := fmt.Sprintf("s%d", len(m.created))
	m.add(id, models.StateIdle)
	if opts.Task != "" {
		m.history[id] = []models.Message{
			{Role: models.RoleUser, Content: opts.Task},
			{Role: models.RoleAssistant, Content: "on it"},
		}
	}
	return id, nil
}

func (m *mockSessions) Send(_ context.Context, id, text string) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", sessions.ErrUnknownSession, id)
	}
	m.sent = append(m.sent, id+":"+text)
	m.history[id] = append(m.history[id],
		models.Message{Role: models.RoleUser, Content: text},
		models.Message{Role: models.RoleAssistant, Content: "reply to " + text},
	)
	return nil
}

func (m *mockSessions) Stop(_ context.Context, id string) error {
	sum, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", sessions.ErrUnknownSession, id)
	}
	m.stopped = append(m.stopped, id)
	sum.State = models.StateStopped
	return nil
}

func (m *mockSessions) Wait(_ context.Context, id string) error {
	m.waited = append(m.waited, id)
	return m.waitErr
}

func (m *mockSessions) List() []models.SessionSummary {
	out := make([]models.SessionSummary, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.sessions[id])
	}
	return out
}

func (m *mockSessions) Get(id string) (models.SessionSummary, error) {
	sum, ok := m.sessions[id]
	if !ok {
		return models.SessionSummary{}, fmt.Errorf("%w: %s", sessions.ErrUnknownSession, id)
	}
	return *sum, nil
}

func (m *mockSessions) History(id string) ([]models.Message, error) {
	if _, ok := m.sessions[id]; !ok {
		return nil, fmt.Errorf("%w: %s", sessions.ErrUnknownSession, id)
	}
	return m.history[id], nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*Server, *mockSessions) {
	t.Helper()
	ms := newMockSessions()
	srv := NewServer(ms, "test")
	srv.WaitTimeout = time.Second
	return srv, ms
}

func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "")
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestNewServer(t *testing.T) {
	srv, _ := newTestServer(t)
	require.NotNil(t, srv.MCPServer(), "MCPServer() should return non-nil")
}

func TestHandleCreateSession(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreateSession(ctx, callToolReq("flock_create_session", map[string]any{"title": "fix login"}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var sum models.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &sum))
	assert.Equal(t, "s1", sum.ID)
	require.Len(t, ms.created, 1)
	assert.Equal(t, "fix login", ms.created[0].Title)
	assert.Empty(t, ms.waited)
}

func TestHandleCreateSession_WaitReturnsReply(t *testing.T) {
	srv, ms := newTestServer(t)

	result, err := srv.handleCreateSession(context.Background(), callToolReq("flock_create_session", map[string]any{
		"task": "add tests",
		"wait": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	var out turnOut
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	assert.Equal(t, "on it", out.Reply)
	assert.Equal(t, []string{"s1"}, ms.waited)
}

func TestHandleCreateSession_Errors(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleCreateSession(ctx, callToolReq("flock_create_session", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	ms.createErr = sessions.ErrCapacity
	result, err = srv.handleCreateSession(ctx, callToolReq("flock_create_session", map[string]any{"title": "x"}))
	require.NoError(t, err, "handler should not return Go error; should wrap in result")
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "session limit reached")
}

func TestHandleSendMessage(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()
	ms.add("a", models.StateIdle)

	result, err := srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"session_id": "a", "text": "hello"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "Message accepted by session a", resultText(t, result))
	assert.Equal(t, []string{"a:hello"}, ms.sent)

	result, err = srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"session_id": "a", "text": "again", "wait": true}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var out turnOut
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	assert.Equal(t, "reply to again", out.Reply)
}

func TestHandleSendMessage_Errors(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()
	ms.add("a", models.StateIdle)

	result, err := srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"text": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"session_id": "nope", "text": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "unknown session")

	ms.sendErr = sessions.ErrSessionBusy
	result, err = srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"session_id": "a", "text": "hi"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "session is busy")

	ms.sendErr = nil
	ms.waitErr = context.DeadlineExceeded
	result, err = srv.handleSendMessage(ctx, callToolReq("flock_send_message", map[string]any{"session_id": "a", "text": "hi", "wait": true}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleStopSession(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()
	ms.add("a", models.StateAwaitingCompletion)

	result, err := srv.handleStopSession(ctx, callToolReq("flock_stop_session", map[string]any{"session_id": "a"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var sum models.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &sum))
	assert.Equal(t, models.StateStopped, sum.State)
	assert.Equal(t, []string{"a"}, ms.stopped)

	result, err = srv.handleStopSession(ctx, callToolReq("flock_stop_session", map[string]any{"session_id": "b"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListSessions(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListSessions(ctx, callToolReq("flock_list_sessions", nil))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	ms.add("a", models.StateIdle)
	ms.add("b", models.StateStopped)

	result, err = srv.handleListSessions(ctx, callToolReq("flock_list_sessions", nil))
	require.NoError(t, err)
	var all []models.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &all))
	assert.Len(t, all, 2)

	result, err = srv.handleListSessions(ctx, callToolReq("flock_list_sessions", map[string]any{"state": "stopped"}))
	require.NoError(t, err)
	var stopped []models.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &stopped))
	require.Len(t, stopped, 1)
	assert.Equal(t, "b", stopped[0].ID)
}

func TestHandleSessionHistory(t *testing.T) {
	srv, ms := newTestServer(t)
	ctx := context.Background()
	ms.add("a", models.StateIdle)
	ms.history["a"] = []models.Message{
		{Role: models.RoleUser, Content: "one"},
		{Role: models.RoleAssistant, Content: "two"},
		{Role: models.RoleUser, Content: "three"},
	}

	result, err := srv.handleSessionHistory(ctx, callToolReq("flock_session_history", map[string]any{"session_id": "a", "last": float64(2)}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)

	ms.add("empty", models.StateIdle)
	result, err = srv.handleSessionHistory(ctx, callToolReq("flock_session_history", map[string]any{"session_id": "empty"}))
	require.NoError(t, err)
	assert.Equal(t, "[]", resultText(t, result))

	result, err = srv.handleSessionHistory(ctx, callToolReq("flock_session_history", map[string]any{"session_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
