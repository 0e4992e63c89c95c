package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/joescharf/flock/internal/agent"
	"github.com/joescharf/flock/internal/automation"
	"github.com/joescharf/flock/internal/bus"
	"github.com/joescharf/flock/internal/config"
	"github.com/joescharf/flock/internal/git"
	"github.com/joescharf/flock/internal/llm"
	"github.com/joescharf/flock/internal/project"
	"github.com/joescharf/flock/internal/retry"
	"github.com/joescharf/flock/internal/sandbox"
	"github.com/joescharf/flock/internal/sessions"
	"github.com/joescharf/flock/internal/store"
	"github.com/joescharf/flock/internal/tools"
)

// runtime is a fully wired flock process: the session manager, its bus
// and the journal recording it.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	manager *sessions.Manager
	journal store.Store

	sub *bus.Subscription
	wg  sync.WaitGroup
}

// newRuntime wires every collaborator from cfg. Sessions recorded by a
// previous process that never finished are marked stopped.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtime, error) {
	dir, err := repoRoot()
	if err != nil {
		return nil, err
	}
	gitc := &git.RealClient{UserName: cfg.Git.UserName, UserEmail: cfg.Git.UserEmail}
	repo, err := gitc.RepoRoot(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("%s is not inside a git repository: %w", dir, err)
	}
	prof := project.Detect(repo)
	if cfg.Commands.Detect {
		prof.Fill(&cfg.Agent.ProjectName, &cfg.Commands.Test, &cfg.Commands.Coverage, &cfg.Commands.LintFix)
	} else if cfg.Agent.ProjectName == "" {
		cfg.Agent.ProjectName = prof.Name
	}
	logger.Debug("repository", "root", repo, "language", prof.Language, "project", cfg.Agent.ProjectName,
		"test", cfg.Commands.Test, "lint_fix", cfg.Commands.LintFix)

	completer, err := newLLMClient(cfg, logger)
	if err != nil {
		return nil, err
	}

	policy, err := bus.ParsePolicy(cfg.Bus.Policy)
	if err != nil {
		return nil, err
	}
	b := bus.New(cfg.Bus.Buffer, policy)

	journal, err := getStore()
	if err != nil {
		return nil, err
	}
	if n, err := journal.ReconcileSessions(ctx); err != nil {
		logger.Warn("reconcile journal failed", "error", err)
	} else if n > 0 {
		logger.Info("marked orphaned sessions stopped", "count", n)
	}

	executor, mount := newExecutor(cfg, logger)

	var gh git.GitHubClient
	if cfg.GitHub.PullRequests {
		gh = git.NewGitHubClient()
	}
	pipeline := automation.New(automation.Config{
		LintFix:      cfg.Commands.LintFix,
		AutoCommit:   cfg.Git.AutoCommit,
		AutoPush:     cfg.Git.AutoPush,
		PullRequests: cfg.GitHub.PullRequests,
		BaseBranch:   cfg.Git.MainBranch,
	}, gitc, gh, executor, logger)

	m := sessions.New(sessions.Config{
		RepoRoot:      repo,
		WorktreesDir:  cfg.Git.WorktreesDir,
		BranchPrefix:  cfg.Git.BranchPrefix,
		BaseBranch:    cfg.Git.MainBranch,
		MaxConcurrent: cfg.Sessions.MaxConcurrent,
		CeilingPolicy: cfg.Sessions.CeilingPolicy,
		BlockTimeout:  cfg.Sessions.BlockTimeout,
		GitUserName:   cfg.Git.UserName,
		GitUserEmail:  cfg.Git.UserEmail,
		Sandbox: sessions.SandboxConfig{
			Image:        cfg.Sandbox.Image,
			Dockerfile:   cfg.Sandbox.Dockerfile,
			BuildContext: cfg.Sandbox.BuildContext,
			Limits: sandbox.Limits{
				Memory:  cfg.Sandbox.Memory,
				CPUs:    cfg.Sandbox.CPUs,
				Network: cfg.Sandbox.Network,
			},
			MountWorktree: mount,
		},
		Agent: agent.Config{
			System: agent.SystemPrompt(agent.PromptOptions{
				ProjectName:       cfg.Agent.ProjectName,
				EditMode:          cfg.Agent.EditMode,
				EndlessMode:       cfg.Agent.EndlessMode,
				CustomConstraints: cfg.Agent.CustomConstraints,
			}),
			MaxIterations:   cfg.Agent.MaxIterations,
			EndlessMode:     cfg.Agent.EndlessMode,
			ContextSnippets: 5,
			ProjectOverview: true,
			Stream:          cfg.Agent.Stream,
			SummaryEvery:    cfg.Agent.SummaryEvery,
		},
		Tools: tools.BuiltinOptions{
			EditMode: cfg.Agent.EditMode,
			Commands: tools.Commands{
				Test:     cfg.Commands.Test,
				Coverage: cfg.Commands.Coverage,
				LintFix:  cfg.Commands.LintFix,
			},
			Disabled:    cfg.Tools.Disabled,
			HasStartRef: true,
		},
		Dispatcher: tools.DispatcherConfig{
			MaxParallel:    cfg.Tools.MaxParallel,
			DefaultTimeout: cfg.Tools.Timeout,
			MaxOutput:      cfg.Sandbox.MaxOutputBytes,
		},
	}, sessions.Deps{
		LLM:        completer,
		Executor:   executor,
		Git:        gitc,
		Automation: pipeline,
		Bus:        b,
		Logger:     logger,
	})

	rt := &runtime{cfg: cfg, logger: logger, bus: b, manager: m, journal: journal}
	rt.sub = b.Subscribe(bus.WithBuffer(4 * cfg.Bus.Buffer))
	rec := store.NewRecorder(journal, logger)
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rec.Run(context.Background(), rt.sub)
	}()
	return rt, nil
}

// Close stops every session, flushes the journal and closes it.
func (rt *runtime) Close(ctx context.Context) error {
	err := rt.manager.Shutdown(ctx)
	rt.sub.Unsubscribe()
	rt.wg.Wait()
	if dropped := rt.sub.Dropped(); dropped > 0 {
		rt.logger.Warn("journal missed events", "dropped", dropped)
	}
	rt.bus.Close()
	dataStore = nil
	return errors.Join(err, rt.journal.Close())
}

// newLLMClient builds the retrying Anthropic client.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Completer, error) {
	if cfg.Anthropic.APIKey == "" {
		return nil, errors.New("no Anthropic API key: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	client := llm.NewClient(llm.Config{
		APIKey:      cfg.Anthropic.APIKey,
		Model:       cfg.Anthropic.Model,
		MaxTokens:   cfg.Anthropic.MaxTokens,
		Temperature: cfg.Anthropic.Temperature,
	})
	return llm.NewRetrying(client, retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  2,
		Jitter:      true,
	}, logger), nil
}

// newExecutor returns the configured sandbox driver and whether it needs
// the worktree mounted in.
func newExecutor(cfg *config.Config, logger *slog.Logger) (sandbox.Executor, bool) {
	if cfg.Sandbox.Driver == config.DriverLocal {
		logger.Warn("local sandbox driver runs agent commands on this host without isolation")
		return sandbox.NewLocalExecutor(sandbox.LocalConfig{
			ExecTimeout:    cfg.Sandbox.ExecTimeout,
			MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		}, logger), false
	}
	host := cfg.Sandbox.DockerHost
	if host == "" {
		host = os.Getenv("DOCKER_HOST")
	}
	return sandbox.NewDockerExecutor(sandbox.DockerConfig{
		Host:           host,
		Memory:         cfg.Sandbox.Memory,
		CPUs:           cfg.Sandbox.CPUs,
		Network:        cfg.Sandbox.Network,
		ExecTimeout:    cfg.Sandbox.ExecTimeout,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
	}, nil, logger), true
}
