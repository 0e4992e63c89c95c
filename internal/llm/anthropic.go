package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/models"
)

var tracer = otel.Tracer("github.com/joescharf/flock/internal/llm")

const op = "llm.complete"

// Config configures the Anthropic client.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	// Timeout bounds a single request. Zero leaves it to the caller's context.
	Timeout time.Duration
}

// Client wraps the Anthropic Messages API with tool use.
type Client struct {
	api      *anthropic.Client
	sampling Sampling
	timeout  time.Duration
}

// NewClient creates a client. Retries are handled by Retrying, so the
// SDK's own retry loop is disabled.
func NewClient(cfg Config, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		base = append(base, option.WithAPIKey(cfg.APIKey))
	}
	client := anthropic.NewClient(append(base, opts...)...)
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	return &Client{
		api:      &client,
		sampling: Sampling{Model: cfg.Model, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature},
		timeout:  cfg.Timeout,
	}
}

// Complete sends the conversation and tool schemas to the model.
func (c *Client) Complete(ctx context.Context, req Request) (*Completion, error) {
	ctx, span := tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("llm.model", string(params.Model)),
		attribute.Int("llm.messages", len(params.Messages)),
		attribute.Int("llm.tools", len(params.Tools)),
	)

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var msg *anthropic.Message
	if req.OnText != nil {
		span.SetAttributes(attribute.Bool("llm.stream", true))
		msg, err = c.stream(callCtx, params, req.OnText)
	} else {
		msg, err = c.api.Messages.New(callCtx, params)
	}
	if err != nil {
		err = classify(ctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return parseMessage(msg)
}

// stream reads a streamed message, handing text deltas to onText, and
// returns the accumulated message.
func (c *Client) stream(ctx context.Context, params anthropic.MessageNewParams, onText func(string)) (*anthropic.Message, error) {
	stream := c.api.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return nil, invalidResponse("stream: " + err.Error())
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				onText(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *Client) params(req Request) (anthropic.MessageNewParams, error) {
	s := req.Sampling
	if s.Model == "" {
		s.Model = c.sampling.Model
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = c.sampling.MaxTokens
	}
	if s.Temperature == 0 {
		s.Temperature = c.sampling.Temperature
	}
	if s.Model == "" {
		return anthropic.MessageNewParams{}, apperr.Validation(op, apperr.ReasonProviderRejected, "no model configured")
	}

	system, messages, err := convertMessages(req.System, req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(s.Model),
		MaxTokens:   s.MaxTokens,
		Messages:    messages,
		Temperature: anthropic.Float(s.Temperature),
		Tools:       convertTools(req.Tools),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return params, nil
}

// convertTools maps tool schemas to Anthropic tool definitions.
func convertTools(schemas []models.ToolSchema) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		input := anthropic.ToolInputSchemaParam{Properties: s.InputSchema["properties"]}
		if req, ok := s.InputSchema["required"]; ok {
			input.Required = toStrings(req)
		}
		tp := anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: input,
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return tools
}

func toStrings(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// convertMessages maps history to the alternating user/assistant form the
// API expects. System messages are folded into the system prompt, tool
// results become user tool_result blocks, and consecutive messages of the
// same role are merged.
func convertMessages(system string, history []models.Message) (string, []anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	systemParts := []string{}
	if system != "" {
		systemParts = append(systemParts, system)
	}

	push := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, m := range history {
		switch m.Role {
		case models.RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}
		case models.RoleUser:
			if m.Content != "" {
				push(anthropic.MessageParamRoleUser, []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)})
			}
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						// Invalid arguments were already answered with a
						// failure; send them back as a string.
						input = map[string]any{"raw": string(tc.Arguments)}
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks)
		case models.RoleTool:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolResults))
			for _, r := range m.ToolResults {
				content := r.Output
				if content == "" {
					content = "(no output)"
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, content, !r.OK))
			}
			push(anthropic.MessageParamRoleUser, blocks)
		default:
			return "", nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return "", nil, apperr.Validation(op, apperr.ReasonProviderRejected, "conversation is empty")
	}
	return strings.Join(systemParts, "\n\n"), out, nil
}

// parseMessage converts an API response to a Completion. A tool_use block
// without a name or with non-object input is an invalid response.
func parseMessage(msg *anthropic.Message) (*Completion, error) {
	c := &Completion{StopReason: string(msg.StopReason)}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				text = append(text, block.Text)
			}
		case "tool_use":
			if block.Name == "" {
				return nil, invalidResponse("tool_use block without a name")
			}
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			var obj map[string]any
			if err := json.Unmarshal(args, &obj); err != nil {
				return nil, invalidResponse(fmt.Sprintf("tool_use %s input is not a JSON object: %v", block.Name, err))
			}
			c.ToolCalls = append(c.ToolCalls, models.ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	c.Text = strings.Join(text, "\n")
	if c.Text == "" && len(c.ToolCalls) == 0 {
		return nil, invalidResponse(fmt.Sprintf("empty completion (stop reason %q)", c.StopReason))
	}
	return c, nil
}

func invalidResponse(detail string) error {
	return apperr.Transient(op, apperr.ReasonInvalidResponse, errors.New(detail))
}

// classify maps SDK and transport errors onto the error taxonomy. ctx is
// the caller's context, used to tell cancellation from request timeouts.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests || code == 529:
			e := apperr.Transient(op, apperr.ReasonRateLimited, err)
			e.RetryAfter = retryAfter(apiErr.Response)
			return e
		case code == http.StatusRequestTimeout:
			return apperr.Transient(op, apperr.ReasonTimeout, err)
		case code >= 500:
			e := apperr.Transient(op, apperr.ReasonUnavailable, err)
			e.RetryAfter = retryAfter(apiErr.Response)
			return e
		default:
			return apperr.New(apperr.KindInternal, op, apperr.ReasonProviderRejected, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Transient(op, apperr.ReasonTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Transient(op, apperr.ReasonUnavailable, err)
	}
	return apperr.New(apperr.KindInternal, op, "", err)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
