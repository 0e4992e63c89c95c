// Package sessions runs concurrent agent sessions, each with its own
// worktree, branch, sandbox and conversation, under a concurrency ceiling.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/joescharf/flock/internal/agent"
	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/automation"
	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/git"
	"github.com/joescharf/flock/internal/index"
	"github.com/joescharf/flock/internal/llm"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
	"github.com/joescharf/flock/internal/tools"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionBusy    = errors.New("session is busy")
	ErrSessionClosed  = errors.New("session is closed")
	ErrCapacity       = errors.New("session limit reached")
	ErrShutdown       = errors.New("session manager is shut down")
)

// Ceiling policies.
const (
	PolicyReject = "reject"
	PolicyBlock  = "block"
)

var tracer = otel.Tracer("github.com/joescharf/flock/internal/sessions")

const destroyTimeout = time.Minute

// SandboxConfig is the per-session sandbox template.
type SandboxConfig struct {
	Image        string
	Dockerfile   string
	BuildContext string
	Limits       sandbox.Limits
	// MountWorktree bind-mounts the worktree and the repository's git
	// directory at identical paths, the shared part read-only. Container
	// drivers need it.
	MountWorktree bool
}

// Config configures a Manager.
type Config struct {
	RepoRoot      string
	WorktreesDir  string
	BranchPrefix  string
	BaseBranch    string
	MaxConcurrent int
	CeilingPolicy string
	BlockTimeout  time.Duration

	GitUserName  string
	GitUserEmail string

	Sandbox    SandboxConfig
	Agent      agent.Config
	Tools      tools.BuiltinOptions
	Dispatcher tools.DispatcherConfig
}

// Deps are the collaborators shared by every session.
type Deps struct {
	LLM      llm.Completer
	Executor sandbox.Executor
	Git      git.Client
	// Automation may be nil to disable the post-turn pipeline.
	Automation *automation.Pipeline
	Bus        *bus.Bus
	Logger     *slog.Logger
}

// Options describes a new session.
type Options struct {
	Title string
	// Task, when set, is sent as the first message.
	Task string
}

type session struct {
	id       string
	title    string
	branch   string
	worktree string
	startRef string
	created  time.Time
	handle   *sandbox.Handle
	agent    *agent.Agent

	mu       sync.Mutex
	turn     chan struct{}
	closing  bool
	released bool
	prURL    string
}

// Manager owns the live sessions.
type Manager struct {
	cfg        Config
	llm        llm.Completer
	tracker    *sandbox.Tracker
	git        git.Client
	pipeline   *automation.Pipeline
	bus        *bus.Bus
	logger     *slog.Logger
	dispatcher *tools.Dispatcher
	slots      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	shutdown bool

	active metric.Int64UpDownCounter
}

// New creates a Manager. The executor is wrapped in a Tracker so every
// sandbox created is destroyed exactly once.
func New(cfg Config, deps Deps) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CeilingPolicy == "" {
		cfg.CeilingPolicy = PolicyReject
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "flock/"
	}
	if cfg.WorktreesDir == "" && cfg.RepoRoot != "" {
		cfg.WorktreesDir = filepath.Clean(cfg.RepoRoot) + ".worktrees"
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = bus.New(0, bus.DropOldest)
	}
	if deps.Git == nil {
		deps.Git = git.NewClient()
	}
	reg := tools.NewBuiltinRegistry(cfg.Tools)
	ctx, cancel := context.WithCancel(context.Background())
	active, _ := otel.Meter("github.com/joescharf/flock/internal/sessions").
		Int64UpDownCounter("flock.sessions.active", metric.WithDescription("sessions holding a concurrency slot"))
	return &Manager{
		cfg:        cfg,
		llm:        deps.LLM,
		tracker:    sandbox.NewTracker(deps.Executor),
		git:        deps.Git,
		pipeline:   deps.Automation,
		bus:        deps.Bus,
		logger:     deps.Logger,
		dispatcher: tools.NewDispatcher(reg, cfg.Dispatcher, deps.Logger),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*session),
		active:     active,
	}
}

// Bus returns the event bus sessions publish to.
func (m *Manager) Bus() *bus.Bus { return m.bus }

// Tracker returns the sandbox tracker.
func (m *Manager) Tracker() *sandbox.Tracker { return m.tracker }

func (m *Manager) acquire(ctx context.Context) error {
	if m.cfg.CeilingPolicy != PolicyBlock {
		if !m.slots.TryAcquire(1) {
			return ErrCapacity
		}
		return nil
	}
	wait := ctx
	if m.cfg.BlockTimeout > 0 {
		var cancel context.CancelFunc
		wait, cancel = context.WithTimeout(ctx, m.cfg.BlockTimeout)
		defer cancel()
	}
	if err := m.slots.Acquire(wait, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrCapacity
	}
	return nil
}

// Create starts a session: a slot, a branch and worktree, a sandbox and an
// agent. Any failure unwinds what was already acquired.
func (m *Manager) Create(ctx context.Context, opts Options) (string, error) {
	ctx, span := tracer.Start(ctx, "sessions.create")
	defer span.End()

	m.mu.Lock()
	closed := m.shutdown
	m.mu.Unlock()
	if closed {
		return "", ErrShutdown
	}

	if err := m.acquire(ctx); err != nil {
		return "", err
	}
	m.active.Add(ctx, 1)
	release := func() {
		m.slots.Release(1)
		m.active.Add(context.Background(), -1)
	}

	id := ulid.Make().String()
	span.SetAttributes(attribute.String("session.id", id))
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = firstLine(opts.Task)
	}
	branch := git.BranchName(m.cfg.BranchPrefix, title, id)
	worktree := filepath.Join(m.cfg.WorktreesDir, strings.ReplaceAll(branch, "/", "-"))
	logger := m.logger.With("session_id", id, "branch", branch)

	if err := m.git.WorktreeAdd(ctx, m.cfg.RepoRoot, worktree, branch, m.cfg.BaseBranch); err != nil {
		release()
		return "", fmt.Errorf("create worktree: %w", err)
	}
	unwindWorktree := func() {
		if err := m.git.WorktreeRemove(context.Background(), m.cfg.RepoRoot, worktree); err != nil {
			logger.Warn("worktree cleanup failed", "path", worktree, "error", err)
		}
	}

	startRef, err := m.git.Head(ctx, worktree)
	if err != nil {
		unwindWorktree()
		release()
		return "", fmt.Errorf("resolve start ref: %w", err)
	}

	spec, err := m.sandboxSpec(ctx, id, worktree)
	if err != nil {
		unwindWorktree()
		release()
		return "", err
	}
	handle, err := m.tracker.Create(ctx, spec)
	if err != nil {
		unwindWorktree()
		release()
		return "", fmt.Errorf("create sandbox: %w", err)
	}

	s := &session{
		id:       id,
		title:    title,
		branch:   branch,
		worktree: worktree,
		startRef: startRef,
		created:  time.Now().UTC(),
		handle:   handle,
	}
	s.agent = agent.New(agent.Options{
		SessionID:  id,
		LLM:        m.llm,
		Dispatcher: m.dispatcher,
		Env: &tools.Env{
			Exec:      m.tracker,
			Sandbox:   handle,
			Retriever: index.NewKeywordRetriever(worktree),
			StartRef:  startRef,
			Commands:  m.cfg.Tools.Commands,
			MaxOutput: m.cfg.Dispatcher.MaxOutput,
		},
		Publisher: m.bus,
		AfterTurn: m.afterTurn(s),
		Logger:    m.logger,
		Config:    m.cfg.Agent,
	})

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		_ = m.tracker.Destroy(context.Background(), handle)
		unwindWorktree()
		release()
		return "", ErrShutdown
	}
	m.sessions[id] = s
	m.mu.Unlock()

	logger.Info("session created", "worktree", worktree, "sandbox", handle.Name)
	summary := m.summary(s)
	m.publish(bus.Event{Kind: bus.EventSessionCreated, SessionID: id, Session: &summary})

	if opts.Task != "" {
		if err := m.Send(ctx, id, opts.Task); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (m *Manager) sandboxSpec(ctx context.Context, id, worktree string) (sandbox.Spec, error) {
	sc := m.cfg.Sandbox
	spec := sandbox.Spec{
		SessionID:    id,
		Image:        sc.Image,
		Dockerfile:   sc.Dockerfile,
		BuildContext: sc.BuildContext,
		Workdir:      worktree,
		Limits:       sc.Limits,
		Env:          map[string]string{},
	}
	if m.cfg.GitUserName != "" {
		spec.Env["GIT_AUTHOR_NAME"] = m.cfg.GitUserName
		spec.Env["GIT_COMMITTER_NAME"] = m.cfg.GitUserName
	}
	if m.cfg.GitUserEmail != "" {
		spec.Env["GIT_AUTHOR_EMAIL"] = m.cfg.GitUserEmail
		spec.Env["GIT_COMMITTER_EMAIL"] = m.cfg.GitUserEmail
	}
	if sc.MountWorktree {
		common, err := m.git.CommonDir(ctx, worktree)
		if err != nil {
			return spec, fmt.Errorf("resolve git dir: %w", err)
		}
		own, err := m.git.GitDir(ctx, worktree)
		if err != nil {
			return spec, fmt.Errorf("resolve git dir: %w", err)
		}
		// Shared refs and objects are read-only; only this worktree's index
		// and HEAD are writable. Commits happen on the host.
		spec.Mounts = []sandbox.Mount{
			{Source: worktree, Target: worktree},
			{Source: common, Target: common, ReadOnly: true},
			{Source: own, Target: own},
		}
	}
	return spec, nil
}

func (m *Manager) afterTurn(s *session) agent.AfterTurnFunc {
	return func(ctx context.Context, changed []string, history []models.Message) models.AutomationResult {
		if m.pipeline == nil {
			return models.AutomationResult{SessionID: s.id, Skipped: true}
		}
		res := m.pipeline.Run(ctx, automation.Input{
			SessionID:    s.id,
			Title:        s.title,
			Branch:       s.branch,
			Worktree:     s.worktree,
			Handle:       s.handle,
			ChangedPaths: changed,
			History:      history,
		})
		if res.PullRequestURL != "" {
			s.mu.Lock()
			s.prURL = res.PullRequestURL
			s.mu.Unlock()
		}
		return res
	}
}

func (m *Manager) get(id string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return s, nil
}

// Send starts a turn for text. The turn runs on its own goroutine; Send
// returns once it is accepted.
func (m *Manager) Send(_ context.Context, id, text string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return apperr.Validation("sessions.send", apperr.ReasonInvalidArguments, "message is empty")
	}

	return m.startTurn(s, func(ctx context.Context) (*agent.TurnResult, error) {
		return s.agent.Run(ctx, text)
	})
}

// Retry runs the session's last user message again in place of the turn
// it started.
func (m *Manager) Retry(_ context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if !s.agent.CanRetry() {
		return apperr.Validation("sessions.retry", apperr.ReasonInvalidArguments, "session %s has no message to retry", id)
	}
	return m.startTurn(s, s.agent.Retry)
}

func (m *Manager) startTurn(s *session, run func(context.Context) (*agent.TurnResult, error)) error {
	s.mu.Lock()
	switch {
	case s.closing || s.agent.State().IsTerminal():
		s.mu.Unlock()
		return ErrSessionClosed
	case s.turn != nil:
		s.mu.Unlock()
		return ErrSessionBusy
	}
	done := make(chan struct{})
	s.turn = done
	s.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTurn(s, run, done)
	}()
	return nil
}

func (m *Manager) runTurn(s *session, run func(context.Context) (*agent.TurnResult, error), done chan struct{}) {
	logger := m.logger.With("session_id", s.id)
	res, err := run(m.ctx)
	switch {
	case errors.Is(err, agent.ErrClosed), errors.Is(err, agent.ErrBusy), errors.Is(err, agent.ErrNothingToRetry):
		logger.Debug("turn rejected", "error", err)
	case err != nil:
		logger.Warn("turn ended with error", "error", err)
	case res != nil:
		logger.Debug("turn finished", "state", res.State, "iterations", res.Iterations)
	}

	s.mu.Lock()
	s.turn = nil
	s.mu.Unlock()
	close(done)

	if s.agent.State().IsTerminal() {
		m.finish(context.Background(), s)
	}
}

// finish destroys the sandbox and releases the slot once per session.
func (m *Manager) finish(ctx context.Context, s *session) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()

	// The caller may already be cancelled; the sandbox must still go.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), destroyTimeout)
	defer cancel()
	if err := m.tracker.Destroy(dctx, s.handle); err != nil && !errors.Is(err, sandbox.ErrHandleDestroyed) {
		m.logger.Warn("sandbox destroy failed", "session_id", s.id, "error", err)
	}
	m.slots.Release(1)
	m.active.Add(context.Background(), -1)
	m.logger.Info("session finished", "session_id", s.id, "state", s.agent.State())
}

// Stop cancels the active turn, waits for it and moves the session to
// Stopped. The worktree and branch are kept.
func (m *Manager) Stop(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.closing = true
	done := s.turn
	s.mu.Unlock()

	s.agent.Stop()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// A turn that finished between the check and Stop leaves the agent in
	// a resting state; Stop again to make it terminal.
	s.agent.Stop()
	m.finish(ctx, s)
	return nil
}

// Wait blocks until no turn is in flight for the session.
func (m *Manager) Wait(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	done := s.turn
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) summary(s *session) models.SessionSummary {
	s.mu.Lock()
	pr := s.prURL
	busy := s.turn != nil
	s.mu.Unlock()
	sum := models.SessionSummary{
		ID:             s.id,
		Title:          s.title,
		Branch:         s.branch,
		WorktreePath:   s.worktree,
		SandboxID:      s.handle.ID,
		State:          s.agent.State(),
		Busy:           busy || s.agent.Busy(),
		Messages:       s.agent.Len(),
		PullRequestURL: pr,
		CreatedAt:      s.created,
	}
	if err := s.agent.LastError(); err != nil {
		sum.LastError = err.Error()
	}
	return sum
}

// List returns all sessions ordered by creation time.
func (m *Manager) List() []models.SessionSummary {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]models.SessionSummary, len(all))
	for i, s := range all {
		out[i] = m.summary(s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Get returns one session.
func (m *Manager) Get(id string) (models.SessionSummary, error) {
	s, err := m.get(id)
	if err != nil {
		return models.SessionSummary{}, err
	}
	return m.summary(s), nil
}

// History returns a copy of the session conversation.
func (m *Manager) History(id string) ([]models.Message, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return s.agent.History(), nil
}

// Diff returns the worktree diff against the ref the session started from.
func (m *Manager) Diff(ctx context.Context, id string) (string, error) {
	s, err := m.get(id)
	if err != nil {
		return "", err
	}
	return m.git.Diff(ctx, s.worktree, s.startRef)
}

// Exec runs a shell command in the session sandbox.
func (m *Manager) Exec(ctx context.Context, id, command string) (*sandbox.ExecResult, error) {
	s, err := m.get(id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return nil, ErrSessionClosed
	}
	return m.tracker.Exec(ctx, s.handle, sandbox.Command{Shell: command})
}

// Remove stops the session, removes its worktree and forgets it. The branch
// is kept.
func (m *Manager) Remove(ctx context.Context, id string) error {
	s, err := m.get(id)
	if err != nil {
		return err
	}
	if err := m.Stop(ctx, id); err != nil {
		return err
	}
	if err := m.git.WorktreeRemove(ctx, m.cfg.RepoRoot, s.worktree); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Shutdown stops every session and destroys any sandbox still alive.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Stop(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", id, err))
		}
	}
	m.cancel()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if err := m.tracker.DestroyAll(context.Background()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (m *Manager) publish(ev bus.Event) {
	if err := m.bus.Publish(ev); err != nil {
		m.logger.Debug("event not delivered", "kind", ev.Kind, "error", err)
	}
}

const maxTitleRunes = 60

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > maxTitleRunes {
		s = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	return s
}
