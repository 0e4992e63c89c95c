package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/retry"
)

type fakeAPI struct {
	mu     sync.Mutex
	bodies []map[string]any
	status int
	header http.Header
	reply  string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	status, reply := f.status, f.reply
	for k, v := range f.header {
		w.Header()[k] = v
	}
	f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reply)
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "test", Model: "claude-test", MaxTokens: 1024, Temperature: 0.2},
		option.WithBaseURL(srv.URL))
}

func messageJSON(content string) string {
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",` +
		`"content":` + content + `,"stop_reason":"end_turn","stop_sequence":null,` +
		`"usage":{"input_tokens":1,"output_tokens":1}}`
}

func TestClient_TextCompletion(t *testing.T) {
	api := &fakeAPI{reply: messageJSON(`[{"type":"text","text":"tests pass"}]`)}
	c := newTestClient(t, api)

	got, err := c.Complete(context.Background(), Request{
		System:   "You are a coding agent.",
		Messages: []models.Message{{Role: models.RoleUser, Content: "run the tests"}},
		Tools: []models.ToolSchema{{
			Name:        "run_command",
			Description: "Run a shell command",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []any{"command"},
			},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, "tests pass", got.Text)
	assert.False(t, got.HasToolCalls())
	assert.Equal(t, "end_turn", got.StopReason)

	require.Len(t, api.bodies, 1)
	body := api.bodies[0]
	assert.Equal(t, "claude-test", body["model"])
	assert.EqualValues(t, 1024, body["max_tokens"])
	tools := body["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "run_command", tool["name"])
	assert.Equal(t, []any{"command"}, tool["input_schema"].(map[string]any)["required"])
}

func TestClient_ToolCalls(t *testing.T) {
	api := &fakeAPI{reply: messageJSON(`[{"type":"text","text":"Running."},` +
		`{"type":"tool_use","id":"toolu_1","name":"run_command","input":{"command":"test"}}]`)}
	c := newTestClient(t, api)

	got, err := c.Complete(context.Background(), Request{Messages: []models.Message{{Role: models.RoleUser, Content: "go"}}})
	require.NoError(t, err)
	require.Len(t, got.ToolCalls, 1)
	assert.Equal(t, "toolu_1", got.ToolCalls[0].ID)
	assert.Equal(t, "run_command", got.ToolCalls[0].Name)
	assert.JSONEq(t, `{"command":"test"}`, string(got.ToolCalls[0].Arguments))
	assert.Equal(t, "Running.", got.Text)
}

func TestClient_EmptyCompletionIsInvalid(t *testing.T) {
	api := &fakeAPI{reply: messageJSON(`[]`)}
	c := newTestClient(t, api)

	_, err := c.Complete(context.Background(), Request{Messages: []models.Message{{Role: models.RoleUser, Content: "go"}}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransient, apperr.KindOf(err))
	assert.Equal(t, apperr.ReasonInvalidResponse, apperr.ReasonOf(err))
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		kind       apperr.Kind
		reason     string
		hint       time.Duration
	}{
		{"rate limited", 429, "2", apperr.KindTransient, apperr.ReasonRateLimited, 2 * time.Second},
		{"overloaded", 529, "", apperr.KindTransient, apperr.ReasonRateLimited, 0},
		{"server error", 500, "", apperr.KindTransient, apperr.ReasonUnavailable, 0},
		{"bad request", 400, "", apperr.KindInternal, apperr.ReasonProviderRejected, 0},
		{"unauthorized", 401, "", apperr.KindInternal, apperr.ReasonProviderRejected, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{status: tt.status, reply: `{"type":"error","error":{"type":"api_error","message":"nope"}}`}
			if tt.retryAfter != "" {
				api.header = http.Header{"Retry-After": []string{tt.retryAfter}}
			}
			c := newTestClient(t, api)

			_, err := c.Complete(context.Background(), Request{Messages: []models.Message{{Role: models.RoleUser, Content: "go"}}})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, tt.reason, apperr.ReasonOf(err))
			assert.Equal(t, tt.hint, apperr.RetryAfterOf(err))
			assert.Len(t, api.bodies, 1, "the SDK must not retry on its own")
		})
	}
}

func TestClient_Cancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)
	c := NewClient(Config{APIKey: "test", Model: "m"}, option.WithBaseURL(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Complete(ctx, Request{Messages: []models.Message{{Role: models.RoleUser, Content: "go"}}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, apperr.KindCancellation, apperr.KindOf(err))
}

const textStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"All tests "}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"pass."}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":4}}

event: message_stop
data: {"type":"message_stop"}

`

func TestClient_StreamsTextDeltas(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, textStream)
	}))
	defer srv.Close()
	c := NewClient(Config{APIKey: "test", Model: "claude-test"}, option.WithBaseURL(srv.URL))

	var deltas []string
	got, err := c.Complete(context.Background(), Request{
		Messages: []models.Message{{Role: models.RoleUser, Content: "run the tests"}},
		OnText:   func(d string) { deltas = append(deltas, d) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"All tests ", "pass."}, deltas)
	assert.Equal(t, "All tests pass.", got.Text)
	assert.Equal(t, "end_turn", got.StopReason)
	assert.Equal(t, true, body["stream"])
}

func TestConvertMessages(t *testing.T) {
	history := []models.Message{
		{Role: models.RoleSystem, Content: "Project: demo"},
		{Role: models.RoleUser, Content: "Additional information"},
		{Role: models.RoleUser, Content: "fix the bug"},
		{Role: models.RoleAssistant, Content: "Looking.", ToolCalls: []models.ToolCall{
			{ID: "a", Name: "read_file", Arguments: json.RawMessage(`{"path":"x.go"}`)},
			{ID: "b", Name: "write_file", Arguments: json.RawMessage(`{bad`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{CallID: "a", OK: true, Output: "package x"},
			{CallID: "b", OK: false, Output: "invalid arguments"},
		}},
		{Role: models.RoleAssistant, Content: "Done."},
	}

	system, msgs, err := convertMessages("base prompt", history)
	require.NoError(t, err)
	assert.Equal(t, "base prompt\n\nProject: demo", system)
	require.Len(t, msgs, 4)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Len(t, msgs[0].Content, 2, "consecutive user messages merge")
	assert.Equal(t, "assistant", string(msgs[1].Role))
	assert.Len(t, msgs[1].Content, 3)
	assert.Equal(t, "user", string(msgs[2].Role))
	assert.Len(t, msgs[2].Content, 2)
	assert.Equal(t, "assistant", string(msgs[3].Role))

	_, _, err = convertMessages("sys", nil)
	assert.Error(t, err)
}

func TestRetrying_RateLimitedThenSuccess(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(ctx context.Context, req Request) (*Completion, error) {
		calls++
		if calls <= 3 {
			return nil, apperr.Transient(op, apperr.ReasonRateLimited, errors.New("429"))
		}
		return &Completion{ToolCalls: []models.ToolCall{{Name: "run_command"}}}, nil
	})
	var slept []time.Duration
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}.
		WithSleep(func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		})
	var notified int
	r := NewRetrying(inner, policy, nil)
	r.OnRetry = func(error, int, time.Duration) { notified++ }

	got, err := r.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, slept)
	assert.Equal(t, 3, notified)
	require.Len(t, got.ToolCalls, 1)
	assert.NotEmpty(t, got.ToolCalls[0].ID, "missing ids are filled in")
}

func TestRetrying_DiscardsTextOfFailedAttempts(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(ctx context.Context, req Request) (*Completion, error) {
		calls++
		if calls == 1 {
			req.OnText("Half an ans")
			return nil, apperr.Transient(op, apperr.ReasonUnavailable, errors.New("connection reset"))
		}
		if calls == 2 {
			return nil, apperr.Transient(op, apperr.ReasonRateLimited, errors.New("429"))
		}
		req.OnText("Full answer.")
		return &Completion{Text: "Full answer."}, nil
	})
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.
		WithSleep(func(context.Context, time.Duration) error { return nil })

	var events []string
	got, err := NewRetrying(inner, policy, nil).Complete(context.Background(), Request{
		OnText:    func(d string) { events = append(events, "text:"+d) },
		OnDiscard: func() { events = append(events, "discard") },
	})
	require.NoError(t, err)
	assert.Equal(t, "Full answer.", got.Text)
	assert.Equal(t, []string{"text:Half an ans", "discard", "text:Full answer."}, events,
		"an attempt that streamed nothing does not discard")
}

func TestRetrying_InvalidResponseRetriedOnce(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(ctx context.Context, req Request) (*Completion, error) {
		calls++
		return nil, invalidResponse("garbage")
	})
	policy := retry.Policy{MaxAttempts: 5, BaseDelay: time.Millisecond}.
		WithSleep(func(context.Context, time.Duration) error { return nil })

	_, err := NewRetrying(inner, policy, nil).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, apperr.ReasonInvalidResponse, apperr.ReasonOf(err))
}

func TestRetrying_FatalNotRetried(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(ctx context.Context, req Request) (*Completion, error) {
		calls++
		return nil, apperr.New(apperr.KindInternal, op, apperr.ReasonProviderRejected, errors.New("400"))
	})
	_, err := NewRetrying(inner, retry.DefaultPolicy(), nil).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrying_Exhausted(t *testing.T) {
	calls := 0
	inner := CompleterFunc(func(ctx context.Context, req Request) (*Completion, error) {
		calls++
		return nil, apperr.Transient(op, apperr.ReasonTimeout, context.DeadlineExceeded)
	})
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}.
		WithSleep(func(context.Context, time.Duration) error { return nil })

	_, err := NewRetrying(inner, policy, nil).Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, apperr.IsRetryable(err))
}
