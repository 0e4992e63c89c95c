// Package tools defines the capabilities an agent can invoke and dispatches
// batches of tool calls against a session sandbox.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/index"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
)

// Tool registry errors.
var (
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrToolNameEmpty         = errors.New("tool name cannot be empty")
	ErrToolRunNil            = errors.New("tool run function cannot be nil")
)

// Commands are the project commands some tools run.
type Commands struct {
	Test     string
	Coverage string
	LintFix  string
}

// Env is what a tool runs against: one session's sandbox and collaborators.
type Env struct {
	Exec      sandbox.Executor
	Sandbox   *sandbox.Handle
	Retriever index.Retriever
	StartRef  string
	Commands  Commands
	MaxOutput int

	// OnStart and OnFinish observe dispatch progress. Both may be nil and
	// may be called concurrently.
	OnStart  func(call models.ToolCall)
	OnFinish func(result models.ToolResult)
}

// Output is what a tool hands back to the dispatcher.
type Output struct {
	Text         string
	ChangedPaths []string
}

// Tool is a named capability with a JSON schema.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema

	// Mutating tools may change files; Exclusive tools conflict with every
	// other call in a batch; Pure tools touch no files at all.
	Mutating  bool
	Exclusive bool
	Pure      bool
	Timeout   time.Duration

	decode      func(raw json.RawMessage) (any, error)
	paths       func(args any) []string
	callTimeout func(args any) time.Duration
	run         func(ctx context.Context, env *Env, args any) (Output, error)
}

// Option configures a Tool.
type Option func(*Tool)

// Mutating marks a tool as changing files.
func Mutating() Option { return func(t *Tool) { t.Mutating = true } }

// Exclusive serializes a tool against every other call in a batch.
func Exclusive() Option { return func(t *Tool) { t.Exclusive = true; t.Mutating = true } }

// Pure marks a tool that neither reads nor writes sandbox files.
func Pure() Option { return func(t *Tool) { t.Pure = true } }

// WithTimeout overrides the dispatcher's default per-call timeout.
func WithTimeout(d time.Duration) Option { return func(t *Tool) { t.Timeout = d } }

// WithCallTimeout lets a call's arguments ask for more time than the
// dispatcher default. Zero keeps the default.
func WithCallTimeout[A any](fn func(args A) time.Duration) Option {
	return func(t *Tool) {
		t.callTimeout = func(v any) time.Duration { return fn(v.(A)) }
	}
}

// WithPaths declares which paths a call touches, derived from its
// arguments. Tools without it touch an unknown set of paths.
func WithPaths[A any](fn func(args A) []string) Option {
	return func(t *Tool) {
		t.paths = func(v any) []string { return fn(v.(A)) }
	}
}

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

var reflector = &jsonschema.Reflector{
	DoNotReference:            true,
	ExpandedStruct:            true,
	AllowAdditionalProperties: false,
}

// New builds a tool whose arguments decode into A. The JSON schema is
// reflected from A's json and jsonschema tags and decoded arguments are
// checked against A's validate tags.
func New[A any](name, description string, run func(ctx context.Context, env *Env, args A) (Output, error), opts ...Option) *Tool {
	t := &Tool{
		Name:        name,
		Description: description,
		Schema:      reflector.Reflect(new(A)),
		decode: func(raw json.RawMessage) (any, error) {
			var args A
			trimmed := bytes.TrimSpace(raw)
			if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
				trimmed = []byte("{}")
			}
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&args); err != nil {
				return nil, err
			}
			if err := validate.Struct(args); err != nil {
				return nil, describeValidation(err)
			}
			return args, nil
		},
	}
	if run != nil {
		t.run = func(ctx context.Context, env *Env, v any) (Output, error) { return run(ctx, env, v.(A)) }
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Validate checks the tool definition itself.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.run == nil {
		return fmt.Errorf("%s: %w", t.Name, ErrToolRunNil)
	}
	return nil
}

// Decode validates raw arguments. Failures are ValidationErrors with
// reason invalid_arguments.
func (t *Tool) Decode(raw json.RawMessage) (any, error) {
	args, err := t.decode(raw)
	if err != nil {
		return nil, apperr.Validation("tools."+t.Name, apperr.ReasonInvalidArguments, "invalid arguments for %s: %v", t.Name, err)
	}
	return args, nil
}

// Paths returns the paths a decoded call touches; nil means unknown.
func (t *Tool) Paths(args any) []string {
	if t.paths == nil {
		return nil
	}
	return t.paths(args)
}

// CallTimeout returns the timeout a decoded call asks for, or zero.
func (t *Tool) CallTimeout(args any) time.Duration {
	if t.callTimeout == nil {
		return 0
	}
	return t.callTimeout(args)
}

// Run invokes the tool with decoded arguments.
func (t *Tool) Run(ctx context.Context, env *Env, args any) (Output, error) {
	return t.run(ctx, env, args)
}

// InputSchema returns the argument schema as a plain JSON object.
func (t *Tool) InputSchema() map[string]any {
	out := map[string]any{"type": "object", "properties": map[string]any{}}
	if t.Schema == nil {
		return out
	}
	data, err := json.Marshal(t.Schema)
	if err != nil {
		return out
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return out
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	m["type"] = "object"
	return m
}

// ToolSchema describes the tool to the model.
func (t *Tool) ToolSchema() models.ToolSchema {
	return models.ToolSchema{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema()}
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max", "lte":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "gtefield":
			msgs = append(msgs, fmt.Sprintf("%s must not be less than %s", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
