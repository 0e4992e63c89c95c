//go:build !windows

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/llm"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
	"github.com/joescharf/flock/internal/sessions"
	"github.com/joescharf/flock/internal/store"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	} {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0o644))
	require.NoError(t, exec.Command("git", "-C", dir, "add", ".").Run())
	require.NoError(t, exec.Command("git", "-C", dir, "commit", "-m", "init").Run())
	return dir
}

func reply(text string) llm.Completer {
	return llm.CompleterFunc(func(context.Context, llm.Request) (*llm.Completion, error) {
		return &llm.Completion{Text: text}, nil
	})
}

func hang() llm.Completer {
	return llm.CompleterFunc(func(ctx context.Context, _ llm.Request) (*llm.Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

type testAPI struct {
	manager *sessions.Manager
	store   *store.SQLiteStore
	router  http.Handler
	server  *Server
}

func setupTestServer(t *testing.T, completer llm.Completer, maxConcurrent int) testAPI {
	t.Helper()
	repo := initTestRepo(t)
	m := sessions.New(sessions.Config{
		RepoRoot:      repo,
		WorktreesDir:  filepath.Join(t.TempDir(), "worktrees"),
		BaseBranch:    "main",
		MaxConcurrent: maxConcurrent,
	}, sessions.Deps{
		LLM:      completer,
		Executor: sandbox.NewLocalExecutor(sandbox.LocalConfig{}, nil),
		Bus:      bus.New(256, bus.DropOldest),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })

	srv := NewServer(m, s, nil)
	return testAPI{manager: m, store: s, router: srv.Router(), server: srv}
}

func (a testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a testAPI) create(t *testing.T, body string) models.SessionSummary {
	t.Helper()
	w := a.do(t, "POST", "/api/v1/sessions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sum models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	return sum
}

func (a testAPI) wait(t *testing.T, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.manager.Wait(ctx, id))
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestListSessions_Empty(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)

	w := a.do(t, "GET", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSessionLifecycle_API(t *testing.T) {
	a := setupTestServer(t, reply("all done"), 2)

	created := a.create(t, `{"title":"docs","task":"update the readme"}`)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "docs", created.Title)
	a.wait(t, created.ID)

	w := a.do(t, "GET", "/api/v1/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var got models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StateIdle, got.State)
	assert.Equal(t, 2, got.Messages)

	w = a.do(t, "GET", "/api/v1/sessions/"+created.ID+"/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "update the readme", msgs[0].Content)
	assert.Equal(t, "all done", msgs[1].Content)

	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/messages", `{"text":"and the license"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)
	a.wait(t, created.ID)

	w = a.do(t, "GET", "/api/v1/sessions", "")
	var list []models.SessionSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, 4, list[0].Messages)

	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, models.StateStopped, got.State)

	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/messages", `{"text":"more"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session_closed", decodeError(t, w).Reason)

	w = a.do(t, "DELETE", "/api/v1/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = a.do(t, "GET", "/api/v1/sessions/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSession_Validation(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)

	w := a.do(t, "POST", "/api/v1/sessions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "ValidationError", decodeError(t, w).Kind)

	w = a.do(t, "POST", "/api/v1/sessions", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateSession_Capacity(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 1)

	a.create(t, `{"title":"one"}`)
	w := a.do(t, "POST", "/api/v1/sessions", `{"title":"two"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "capacity_exceeded", body.Reason)
	assert.Equal(t, "ResourceError", body.Kind)
}

func TestSendMessage_Errors(t *testing.T) {
	a := setupTestServer(t, hang(), 2)

	w := a.do(t, "POST", "/api/v1/sessions/missing/messages", `{"text":"hi"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "unknown_session", decodeError(t, w).Reason)

	created := a.create(t, `{"title":"slow","task":"think"}`)
	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/messages", `{"text":"again"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "session_busy", decodeError(t, w).Reason)

	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/stop", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRetrySession_API(t *testing.T) {
	a := setupTestServer(t, reply("all done"), 2)

	w := a.do(t, "POST", "/api/v1/sessions/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	idle := a.create(t, `{"title":"empty"}`)
	w = a.do(t, "POST", "/api/v1/sessions/"+idle.ID+"/retry", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	created := a.create(t, `{"title":"docs","task":"update the readme"}`)
	a.wait(t, created.ID)
	w = a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/retry", "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	a.wait(t, created.ID)

	w = a.do(t, "GET", "/api/v1/sessions/"+created.ID+"/messages", "")
	var msgs []models.Message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "update the readme", msgs[0].Content)
}

func TestSessionDiff(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)
	created := a.create(t, `{"title":"diff"}`)

	require.NoError(t, os.WriteFile(filepath.Join(created.WorktreePath, "README.md"), []byte("# changed\n"), 0o644))
	w := a.do(t, "GET", "/api/v1/sessions/"+created.ID+"/diff", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "+# changed")
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/x-diff"))
}

func TestJournal(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)
	ctx := context.Background()
	require.NoError(t, a.store.CreateSession(ctx, &models.SessionRecord{ID: "j1", Title: "old"}))
	require.NoError(t, a.store.AppendMessage(ctx, "j1", models.Message{Role: models.RoleUser, Content: "hi"}))

	w := a.do(t, "GET", "/api/v1/journal", "")
	require.Equal(t, http.StatusOK, w.Code)
	var recs []models.SessionRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "old", recs[0].Title)

	w = a.do(t, "GET", "/api/v1/journal/j1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entry struct {
		Messages []models.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	require.Len(t, entry.Messages, 1)

	w = a.do(t, "GET", "/api/v1/journal/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)
	w := a.do(t, "OPTIONS", "/api/v1/sessions", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestEventStream(t *testing.T) {
	a := setupTestServer(t, reply("streamed"), 2)
	created := a.create(t, `{"title":"stream"}`)

	ts := httptest.NewServer(a.router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?session=" + created.ID

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	w := a.do(t, "POST", "/api/v1/sessions/"+created.ID+"/messages", `{"text":"go"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var kinds []bus.EventKind
	for {
		var ev bus.Event
		require.NoError(t, conn.ReadJSON(&ev))
		assert.Equal(t, created.ID, ev.SessionID)
		kinds = append(kinds, ev.Kind)
		if ev.Kind == bus.EventStateChanged && ev.State == models.StateIdle {
			break
		}
	}
	assert.Contains(t, kinds, bus.EventMessageAppended)
	assert.Contains(t, kinds, bus.EventStateChanged)
}

func TestEventStream_UnknownSession(t *testing.T) {
	a := setupTestServer(t, reply("ok"), 2)
	ts := httptest.NewServer(a.router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?session=missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestEventStream_Commands(t *testing.T) {
	a := setupTestServer(t, reply("via socket"), 2)
	created := a.create(t, `{"title":"socket"}`)

	ts := httptest.NewServer(a.router)
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?session=" + created.ID

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(bus.Command{Kind: "bogus"}))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, bus.EventError, ev.Kind)
	assert.Equal(t, created.ID, ev.SessionID)
	assert.Equal(t, apperr.KindValidation.String(), ev.Error.Kind)

	require.NoError(t, conn.WriteJSON(bus.Command{Kind: bus.CommandUserMessage, Text: "go"}))
	var reply string
	for {
		var ev bus.Event
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Kind == bus.EventMessageAppended && ev.Message.Role == models.RoleAssistant {
			reply = ev.Message.Content
		}
		if ev.Kind == bus.EventStateChanged && ev.State == models.StateIdle {
			break
		}
	}
	assert.Equal(t, "via socket", reply)
}
