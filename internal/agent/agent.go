// Package agent runs the completion loop of one session: ask the model,
// execute the tool calls it returns, feed the observations back, and stop
// when it answers, asks a question, finishes the task or hits the
// iteration bound.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/llm"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
	"github.com/joescharf/flock/internal/tools"
)

var tracer = otel.Tracer("github.com/joescharf/flock/internal/agent")

var (
	// ErrBusy is returned when a turn is already running.
	ErrBusy = errors.New("agent is busy")
	// ErrClosed is returned when the agent reached a terminal state.
	ErrClosed = errors.New("agent is closed")
	// ErrNothingToRetry is returned by Retry before the first user message.
	ErrNothingToRetry = errors.New("no user message to retry")
)

// DefaultMaxIterations bounds the completions of one turn.
const DefaultMaxIterations = 50

// Publisher receives the agent's events.
type Publisher interface {
	Publish(ev bus.Event) error
}

// AfterTurnFunc runs once after a turn that changed files.
type AfterTurnFunc func(ctx context.Context, changed []string, history []models.Message) models.AutomationResult

// Config holds loop settings.
type Config struct {
	System        string
	MaxIterations int
	EndlessMode   bool
	Sampling      llm.Sampling
	// ContextSnippets is the number of retriever snippets added before the
	// first completion. Zero disables the initial context.
	ContextSnippets int
	// ProjectOverview adds a depth-2 listing of the project before the
	// first completion.
	ProjectOverview bool
	// Stream publishes assistant text as it is generated.
	Stream bool
	// SummaryEvery summarizes earlier turns once this many completions ran
	// since the last summary. Zero disables it.
	SummaryEvery int
}

// Options are the collaborators of an Agent.
type Options struct {
	SessionID  string
	LLM        llm.Completer
	Dispatcher *tools.Dispatcher
	Env        *tools.Env
	Publisher  Publisher
	AfterTurn  AfterTurnFunc
	Logger     *slog.Logger
	Config     Config
}

// TurnResult summarizes one turn.
type TurnResult struct {
	State        models.AgentState
	Iterations   int
	LimitReached bool
	Cancelled    bool
	Text         string
	ChangedPaths []string
	Automation   *models.AutomationResult
}

// Agent owns a session's conversation and state.
type Agent struct {
	id         string
	llm        llm.Completer
	dispatcher *tools.Dispatcher
	env        *tools.Env
	pub        Publisher
	afterTurn  AfterTurnFunc
	logger     *slog.Logger
	cfg        Config

	mu            sync.Mutex
	state         models.AgentState
	history       []models.Message
	running       bool
	cancel        context.CancelFunc
	stopRequested bool
	primed        bool
	lastErr       error
	lastInput     string // id of the last user message
	completions   int
	summarizedAt  int
}

// New creates an Agent in the Idle state.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Config.MaxIterations <= 0 {
		opts.Config.MaxIterations = DefaultMaxIterations
	}
	if opts.Env == nil {
		opts.Env = &tools.Env{}
	}
	a := &Agent{
		id:         opts.SessionID,
		llm:        opts.LLM,
		dispatcher: opts.Dispatcher,
		env:        opts.Env,
		pub:        opts.Publisher,
		afterTurn:  opts.AfterTurn,
		logger:     opts.Logger.With("session_id", opts.SessionID),
		cfg:        opts.Config,
		state:      models.StateIdle,
	}
	a.env.OnStart = func(call models.ToolCall) {
		a.publish(bus.Event{Kind: bus.EventToolInvoked, Tool: &bus.ToolNotice{CallID: call.ID, Name: call.Name}})
	}
	a.env.OnFinish = func(res models.ToolResult) {
		a.publish(bus.Event{Kind: bus.EventToolCompleted, Tool: &bus.ToolNotice{CallID: res.CallID, Name: res.Name, Result: &res}})
	}
	return a
}

// ID returns the session id.
func (a *Agent) ID() string { return a.id }

// State returns the current state.
func (a *Agent) State() models.AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Busy reports whether a turn is running.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// LastError returns the fatal error that stopped the agent, if any.
func (a *Agent) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// History returns a copy of the conversation.
func (a *Agent) History() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.history)
}

// Len returns the number of messages in the conversation.
func (a *Agent) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.history)
}

// Stop cancels a running turn, or moves an idle agent to Stopped.
func (a *Agent) Stop() {
	a.mu.Lock()
	if a.state.IsTerminal() {
		a.mu.Unlock()
		return
	}
	if a.running {
		a.stopRequested = true
		cancel := a.cancel
		a.mu.Unlock()
		cancel()
		return
	}
	from := a.state
	a.state = models.StateStopped
	a.mu.Unlock()
	a.logger.Debug("state changed", "from", from, "to", models.StateStopped)
	a.publish(bus.Event{Kind: bus.EventStateChanged, State: models.StateStopped})
}

// Run runs one turn for userText. Only one turn runs at a time; a second
// call returns ErrBusy. Cancelling ctx or calling Stop ends the turn in
// Stopped and is not an error. Fatal failures end the turn in Stopped and
// are returned.
func (a *Agent) Run(ctx context.Context, userText string) (*TurnResult, error) {
	return a.begin(ctx, nil, func(ctx context.Context) (*TurnResult, error) {
		return a.turn(ctx, userText)
	})
}

// Retry drops everything after the last user message, that message
// included, and runs it again as a new turn. Files changed by the dropped
// turn stay as they are.
func (a *Agent) Retry(ctx context.Context) (*TurnResult, error) {
	var text string
	rewind := func() error {
		i := indexOf(a.history, a.lastInput)
		if i < 0 {
			return ErrNothingToRetry
		}
		text = a.history[i].Content
		a.history = a.history[:i]
		return nil
	}
	return a.begin(ctx, rewind, func(ctx context.Context) (*TurnResult, error) {
		a.activity("retrying the last message")
		return a.turn(ctx, text)
	})
}

// CanRetry reports whether Retry has a user message to run again.
func (a *Agent) CanRetry() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return indexOf(a.history, a.lastInput) >= 0
}

// begin claims the agent for one turn. prepare, when set, runs with the
// lock held once the claim is certain to succeed.
func (a *Agent) begin(ctx context.Context, prepare func() error, run func(context.Context) (*TurnResult, error)) (*TurnResult, error) {
	a.mu.Lock()
	switch {
	case a.running:
		a.mu.Unlock()
		return nil, ErrBusy
	case a.state.IsTerminal():
		a.mu.Unlock()
		return nil, ErrClosed
	case !a.state.AcceptsInput():
		a.mu.Unlock()
		return nil, ErrBusy
	}
	if prepare != nil {
		if err := prepare(); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancel = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.cancel = nil
		a.mu.Unlock()
	}()

	ctx, span := tracer.Start(ctx, "agent.turn")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", a.id))

	res, err := run(ctx)
	span.SetAttributes(
		attribute.String("agent.state", string(res.State)),
		attribute.Int("agent.iterations", res.Iterations),
	)
	return res, err
}

func (a *Agent) turn(ctx context.Context, userText string) (*TurnResult, error) {
	res := &TurnResult{}
	changed := map[string]bool{}

	if err := a.prime(ctx, userText); err != nil {
		return a.fail(ctx, res, err)
	}
	if err := a.summarize(ctx); err != nil {
		return a.fail(ctx, res, err)
	}
	input := newMessage(models.RoleUser, userText)
	a.mu.Lock()
	a.lastInput = input.ID
	a.mu.Unlock()
	a.append(input)

	for {
		if err := a.transition(models.StateAwaitingCompletion); err != nil {
			return a.fail(ctx, res, err)
		}
		a.activity("running completion")
		res.Iterations++

		req := llm.Request{
			System:   a.cfg.System,
			Messages: a.History(),
			Tools:    a.dispatcher.Registry().Schemas(),
			Sampling: a.cfg.Sampling,
		}
		discard := a.streamTo(&req)
		completion, err := a.llm.Complete(ctx, req)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			// Partial text never reaches the history.
			discard()
			return a.fail(ctx, res, err)
		}
		a.mu.Lock()
		a.completions++
		a.mu.Unlock()

		if !completion.HasToolCalls() {
			a.append(newMessage(models.RoleAssistant, completion.Text))
			res.Text = completion.Text
			next := models.StateIdle
			if !a.cfg.EndlessMode && IsQuestion(completion.Text) {
				next = models.StateAwaitingUserInput
			}
			if err := a.transition(next); err != nil {
				return a.fail(ctx, res, err)
			}
			break
		}

		if err := a.transition(models.StateExecutingTools); err != nil {
			return a.fail(ctx, res, err)
		}
		results := a.dispatcher.Dispatch(ctx, a.env, completion.ToolCalls)
		if ctx.Err() != nil {
			return a.fail(ctx, res, ctx.Err())
		}
		for _, r := range results {
			if apperr.Is(r.Err, apperr.KindResource) {
				return a.fail(ctx, res, r.Err)
			}
		}

		call := newMessage(models.RoleAssistant, completion.Text)
		call.ToolCalls = completion.ToolCalls
		observation := newMessage(models.RoleTool, "")
		observation.ToolResults = results
		a.append(call, observation)
		res.Text = completion.Text

		completed := false
		for _, r := range results {
			for _, p := range r.ChangedPaths {
				changed[p] = true
			}
			if r.Name == tools.CompleteTaskName && r.OK {
				completed = true
			}
		}

		if completed {
			if err := a.transition(models.StateCompleted); err != nil {
				return a.fail(ctx, res, err)
			}
			break
		}
		if !a.cfg.EndlessMode && res.Iterations >= a.cfg.MaxIterations {
			res.LimitReached = true
			a.activity(fmt.Sprintf("iteration limit of %d reached", a.cfg.MaxIterations))
			if err := a.transition(models.StateIdle); err != nil {
				return a.fail(ctx, res, err)
			}
			break
		}
	}

	res.ChangedPaths = sortedKeys(changed)
	if len(res.ChangedPaths) > 0 && a.afterTurn != nil {
		a.activity("running automation")
		auto := a.afterTurn(ctx, res.ChangedPaths, a.History())
		res.Automation = &auto
		a.publish(bus.Event{Kind: bus.EventAutomationResult, Automation: &auto})
	}

	a.mu.Lock()
	stop := a.stopRequested && !a.state.IsTerminal()
	a.mu.Unlock()
	if stop {
		_ = a.transition(models.StateStopped)
		res.Cancelled = true
	}
	res.State = a.State()
	return res, nil
}

// streamTo wires req to publish streamed text when streaming is on. The
// returned func publishes a discard if anything was streamed since the
// last discard.
func (a *Agent) streamTo(req *llm.Request) (discard func()) {
	if !a.cfg.Stream {
		return func() {}
	}
	var mu sync.Mutex
	pending := false
	req.OnText = func(delta string) {
		mu.Lock()
		pending = true
		mu.Unlock()
		a.publish(bus.Event{Kind: bus.EventCompletionChunk, Text: delta})
	}
	req.OnDiscard = func() {
		mu.Lock()
		was := pending
		pending = false
		mu.Unlock()
		if was {
			a.publish(bus.Event{Kind: bus.EventCompletionDiscarded})
		}
	}
	return req.OnDiscard
}

// prime adds the initial context before the first user message of the
// session. Only sandbox loss is fatal here.
func (a *Agent) prime(ctx context.Context, userText string) error {
	a.mu.Lock()
	primed := a.primed
	a.primed = true
	a.mu.Unlock()
	if primed {
		return nil
	}

	var msgs []models.Message
	if a.cfg.ContextSnippets > 0 && a.env.Retriever != nil {
		snippets, err := a.env.Retriever.Query(ctx, userText, a.cfg.ContextSnippets)
		switch {
		case err != nil:
			a.logger.Warn("initial context query failed", "error", err)
		case len(snippets) > 0:
			var b strings.Builder
			b.WriteString("Additional information that might be relevant to the task:\n\n")
			for _, s := range snippets {
				fmt.Fprintf(&b, "%s:%d\n```\n%s\n```\n\n", s.Path, s.Line, s.Content)
			}
			msgs = append(msgs, newMessage(models.RoleUser, strings.TrimRight(b.String(), "\n")))
		}
	}
	if a.cfg.ProjectOverview && a.env.Exec != nil && a.env.Sandbox != nil {
		out, err := a.env.Exec.Exec(ctx, a.env.Sandbox, sandbox.Command{
			Shell: `find . -maxdepth 2 -not -path './.git' -not -path './.git/*' | sed 's|^\./||' | sort`,
		})
		switch {
		case apperr.Is(err, apperr.KindResource):
			return err
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Warn("project overview failed", "error", err)
		case out.ExitCode == 0:
			msgs = append(msgs, newMessage(models.RoleUser,
				"The following is a depth 2 overview of the project's directory structure:\n```\n"+strings.TrimSpace(out.Stdout)+"\n```"))
		}
	}
	a.append(msgs...)
	return nil
}

// fail ends the turn in Stopped. Cancellation is reported through
// TurnResult.Cancelled; everything else is published as an error event and
// returned.
func (a *Agent) fail(ctx context.Context, res *TurnResult, err error) (*TurnResult, error) {
	cancelled := errors.Is(err, context.Canceled) || ctx.Err() != nil
	if !a.State().IsTerminal() {
		_ = a.transition(models.StateStopped)
	}
	res.State = a.State()
	if cancelled {
		a.logger.Info("turn cancelled")
		res.Cancelled = true
		return res, nil
	}

	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
	a.logger.Error("turn failed", "error", err, "kind", apperr.KindOf(err).String())
	a.publish(bus.Event{Kind: bus.EventError, Error: &bus.ErrorInfo{
		Kind:   apperr.KindOf(err).String(),
		Reason: apperr.ReasonOf(err),
		Detail: err.Error(),
	}})
	return res, err
}

func (a *Agent) transition(to models.AgentState) error {
	a.mu.Lock()
	from := a.state
	if err := checkTransition(from, to); err != nil {
		a.mu.Unlock()
		return err
	}
	a.state = to
	a.mu.Unlock()
	a.logger.Debug("state changed", "from", from, "to", to)
	a.publish(bus.Event{Kind: bus.EventStateChanged, State: to})
	return nil
}

// append commits messages to the history as one step.
func (a *Agent) append(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	a.mu.Lock()
	a.history = append(a.history, msgs...)
	a.mu.Unlock()
	for i := range msgs {
		m := msgs[i]
		a.publish(bus.Event{Kind: bus.EventMessageAppended, Message: &m})
	}
}

func (a *Agent) activity(text string) {
	a.publish(bus.Event{Kind: bus.EventActivity, Text: text})
}

func (a *Agent) publish(ev bus.Event) {
	if a.pub == nil {
		return
	}
	ev.SessionID = a.id
	if err := a.pub.Publish(ev); err != nil {
		a.logger.Debug("event not delivered", "kind", ev.Kind, "error", err)
	}
}

func indexOf(history []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ID == id {
			return i
		}
	}
	return -1
}

func newMessage(role models.Role, content string) models.Message {
	return models.Message{ID: ulid.Make().String(), Role: role, Content: content, CreatedAt: time.Now().UTC()}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
