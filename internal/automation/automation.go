// Package automation runs the post-turn pipeline: lint/fix, commit, push
// and create or update the pull request. Every step may fail on its own;
// failures are recorded in the result and never abort the session.
package automation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/git"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
)

var tracer = otel.Tracer("github.com/joescharf/flock/internal/automation")

// Step names used in StepError.
const (
	StepLint        = "lint"
	StepCommit      = "commit"
	StepPush        = "push"
	StepPullRequest = "pull_request"
)

// Config selects the steps to run.
type Config struct {
	LintFix      string
	AutoCommit   bool
	AutoPush     bool
	PullRequests bool
	Remote       string
	BaseBranch   string
	// BodyTemplate overrides the pull request body template.
	BodyTemplate string
	// MaxMessageChars truncates each message rendered into the body.
	MaxMessageChars int
}

// Input describes the turn that just finished.
type Input struct {
	SessionID    string
	Title        string
	Branch       string
	Worktree     string
	Handle       *sandbox.Handle
	ChangedPaths []string
	History      []models.Message
}

// Pipeline runs the automation steps for sessions.
type Pipeline struct {
	cfg     Config
	git     git.Client
	gh      git.GitHubClient
	exec    sandbox.Executor
	logger  *slog.Logger
	tmpl    *template.Template
	tmplErr error
}

// New creates a Pipeline. gh and exec may be nil to disable pull requests
// and lint/fix.
func New(cfg Config, gitc git.Client, gh git.GitHubClient, exec sandbox.Executor, logger *slog.Logger) *Pipeline {
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{cfg: cfg, git: gitc, gh: gh, exec: exec, logger: logger}
	src := cfg.BodyTemplate
	if src == "" {
		src = defaultBodyTemplate
	}
	p.tmpl, p.tmplErr = template.New("body").Funcs(template.FuncMap{
		"truncate": truncate,
		"calls":    callNames,
	}).Parse(src)
	return p
}

// Run executes the pipeline for one turn. With no changed paths it is a
// no-op. Running it again without new changes creates nothing new.
func (p *Pipeline) Run(ctx context.Context, in Input) models.AutomationResult {
	ctx, span := tracer.Start(ctx, "automation.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.Int("automation.changed_paths", len(in.ChangedPaths)),
	)

	res := models.AutomationResult{SessionID: in.SessionID}
	if len(in.ChangedPaths) == 0 {
		res.Skipped = true
		return res
	}
	logger := p.logger.With("session_id", in.SessionID, "branch", in.Branch)

	p.lint(ctx, in, &res)

	if p.cfg.AutoCommit {
		sha, err := p.git.Commit(ctx, in.Worktree, commitMessage(in))
		switch {
		case errors.Is(err, git.ErrNothingToCommit):
			logger.Debug("nothing to commit")
		case err != nil:
			p.fail(&res, StepCommit, apperr.ReasonCommitFailed, err)
		default:
			res.CommitSHA = sha
			logger.Info("committed", "sha", sha)
		}
	}

	if !p.cfg.AutoPush {
		return res
	}
	pushed, err := p.push(ctx, in)
	if err != nil {
		p.fail(&res, StepPush, apperr.ReasonPushFailed, err)
		return res
	}
	res.Pushed = pushed

	if p.cfg.PullRequests && p.gh != nil {
		if err := p.pullRequest(ctx, in, &res); err != nil {
			p.fail(&res, StepPullRequest, apperr.ReasonPullRequestFailed, err)
		}
	}
	return res
}

func (p *Pipeline) lint(ctx context.Context, in Input, res *models.AutomationResult) {
	if p.cfg.LintFix == "" || p.exec == nil || in.Handle == nil {
		return
	}
	out, err := p.exec.Exec(ctx, in.Handle, sandbox.Command{Shell: p.cfg.LintFix})
	switch {
	case err != nil:
		p.fail(res, StepLint, apperr.ReasonLintFailed, err)
	case out.TimedOut:
		p.fail(res, StepLint, apperr.ReasonLintFailed, fmt.Errorf("lint/fix timed out after %s", out.Duration))
	case out.ExitCode != 0:
		p.fail(res, StepLint, apperr.ReasonLintFailed,
			fmt.Errorf("lint/fix exited with %d: %s", out.ExitCode, sandbox.Truncate(strings.TrimSpace(out.Combined()), 2000)))
	default:
		res.LintApplied = true
	}
}

// push pushes the branch when the local head differs from the remote head.
func (p *Pipeline) push(ctx context.Context, in Input) (bool, error) {
	local, err := p.git.Head(ctx, in.Worktree)
	if err != nil {
		return false, err
	}
	remote, err := p.git.RemoteHead(ctx, in.Worktree, p.cfg.Remote, in.Branch)
	if err != nil {
		return false, err
	}
	if remote == local {
		return false, nil
	}
	if err := p.git.Push(ctx, in.Worktree, p.cfg.Remote, in.Branch); err != nil {
		return false, err
	}
	return true, nil
}

// pullRequest creates the pull request on first push and refreshes its
// body when this run pushed new commits.
func (p *Pipeline) pullRequest(ctx context.Context, in Input, res *models.AutomationResult) error {
	existing, err := p.gh.FindPullRequest(ctx, in.Worktree, in.Branch)
	if err != nil {
		return err
	}
	title := prTitle(in)
	if existing == nil {
		pr, err := p.gh.CreatePullRequest(ctx, in.Worktree, git.PullRequestOptions{
			Title: title,
			Body:  p.Body(in, res.CommitSHA),
			Head:  in.Branch,
			Base:  p.cfg.BaseBranch,
		})
		if err != nil {
			return err
		}
		res.PullRequestURL = pr.URL
		res.PullRequestCreated = true
		return nil
	}
	res.PullRequestURL = existing.URL
	if !res.Pushed {
		return nil
	}
	if err := p.gh.EditPullRequest(ctx, in.Worktree, existing.Number, title, p.Body(in, res.CommitSHA)); err != nil {
		return err
	}
	res.PullRequestUpdated = true
	return nil
}

func (p *Pipeline) fail(res *models.AutomationResult, step, reason string, err error) {
	e := apperr.Automation("automation."+step, reason, err)
	p.logger.Warn("automation step failed", "session_id", res.SessionID, "step", step, "error", err)
	res.Errors = append(res.Errors, models.StepError{Step: step, Reason: reason, Detail: e.Error()})
}

func prTitle(in Input) string {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = in.Branch
	}
	return "flock: " + title
}

func commitMessage(in Input) string {
	var b strings.Builder
	b.WriteString(prTitle(in))
	b.WriteString("\n\nChanged files:\n")
	for _, p := range in.ChangedPaths {
		b.WriteString("- " + p + "\n")
	}
	return b.String()
}

type bodyData struct {
	Title        string
	Branch       string
	Base         string
	Commit       string
	ChangedPaths []string
	History      []models.Message
	MaxChars     int
}

// Body renders the pull request body. A template failure degrades to a
// minimal body.
func (p *Pipeline) Body(in Input, commit string) string {
	if p.tmplErr == nil {
		var buf bytes.Buffer
		err := p.tmpl.Execute(&buf, bodyData{
			Title:        in.Title,
			Branch:       in.Branch,
			Base:         p.cfg.BaseBranch,
			Commit:       commit,
			ChangedPaths: in.ChangedPaths,
			History:      in.History,
			MaxChars:     p.cfg.MaxMessageChars,
		})
		if err == nil {
			return buf.String()
		}
		p.logger.Warn("pull request body template failed", "session_id", in.SessionID, "error", err)
	} else {
		p.logger.Warn("pull request body template invalid", "error", p.tmplErr)
	}
	return minimalBody(in)
}

func minimalBody(in Input) string {
	return fmt.Sprintf("Automated changes by flock for: %s\n\nBranch: %s\n", in.Title, in.Branch)
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func callNames(calls []models.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

const defaultBodyTemplate = `## {{.Title}}

Automated changes on ` + "`{{.Branch}}`" + `{{if .Base}} into ` + "`{{.Base}}`" + `{{end}}.
{{- if .Commit}}

Latest commit: {{.Commit}}
{{- end}}

### Changed files
{{range .ChangedPaths}}
- ` + "`{{.}}`" + `
{{- end}}

<details>
<summary>Conversation</summary>
{{range .History}}
{{- if eq .Role "tool"}}
**tool**: {{len .ToolResults}} result(s)
{{- else if .ToolCalls}}
**{{.Role}}**: {{truncate .Content $.MaxChars}} (called {{calls .ToolCalls}})
{{- else}}
**{{.Role}}**: {{truncate .Content $.MaxChars}}
{{- end}}
{{end}}
</details>
`
