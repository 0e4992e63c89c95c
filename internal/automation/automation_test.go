//go:build !windows

package automation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/git"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
)

type fakeForge struct {
	mu      sync.Mutex
	prs     map[string]*git.PullRequest
	creates int
	edits   int
	next    int
	err     error
}

func newFakeForge() *fakeForge { return &fakeForge{prs: map[string]*git.PullRequest{}, next: 1} }

func (f *fakeForge) FindPullRequest(_ context.Context, _, head string) (*git.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.prs[head], nil
}

func (f *fakeForge) CreatePullRequest(_ context.Context, _ string, opts git.PullRequestOptions) (*git.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	pr := &git.PullRequest{Number: f.next, Title: opts.Title, Branch: opts.Head, Body: opts.Body, URL: "https://example.com/pull/1"}
	f.next++
	f.prs[opts.Head] = pr
	return pr, nil
}

func (f *fakeForge) EditPullRequest(_ context.Context, _ string, number int, title, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits++
	for _, pr := range f.prs {
		if pr.Number == number {
			pr.Title, pr.Body = title, body
		}
	}
	return nil
}

type fixture struct {
	repo     string
	worktree string
	branch   string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := t.TempDir()
	remote := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("git", "init", "--bare", remote)
	run("git", "-C", repo, "init", "-b", "main")
	run("git", "-C", repo, "config", "user.email", "test@test.com")
	run("git", "-C", repo, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main\n"), 0o644))
	run("git", "-C", repo, "add", ".")
	run("git", "-C", repo, "commit", "-m", "init")
	run("git", "-C", repo, "remote", "add", "origin", remote)
	run("git", "-C", repo, "push", "origin", "main")

	wt := filepath.Join(t.TempDir(), "wt")
	branch := "flock/task-abc"
	require.NoError(t, git.NewClient().WorktreeAdd(context.Background(), repo, wt, branch, "main"))
	return fixture{repo: repo, worktree: wt, branch: branch}
}

func (f fixture) write(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.worktree, name), []byte(content), 0o644))
}

func (f fixture) input(paths ...string) Input {
	return Input{
		SessionID:    "s1",
		Title:        "add feature",
		Branch:       f.branch,
		Worktree:     f.worktree,
		ChangedPaths: paths,
		History: []models.Message{
			{Role: models.RoleUser, Content: "please add a feature"},
			{Role: models.RoleAssistant, Content: "writing", ToolCalls: []models.ToolCall{{Name: "write_file"}}},
			{Role: models.RoleTool, ToolResults: []models.ToolResult{{OK: true}}},
			{Role: models.RoleAssistant, Content: "done"},
		},
	}
}

func fullConfig() Config {
	return Config{AutoCommit: true, AutoPush: true, PullRequests: true, BaseBranch: "main"}
}

func TestPipeline_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	forge := newFakeForge()
	gc := &git.RealClient{UserName: "flock", UserEmail: "flock@example.com"}
	p := New(fullConfig(), gc, forge, nil, nil)

	f.write(t, "feature.go", "package main\n\nfunc feature() {}\n")
	first := p.Run(ctx, f.input("feature.go"))
	require.True(t, first.OK(), "%+v", first.Errors)
	assert.Len(t, first.CommitSHA, 40)
	assert.True(t, first.Pushed)
	assert.True(t, first.PullRequestCreated)
	assert.Equal(t, "https://example.com/pull/1", first.PullRequestURL)
	assert.Equal(t, 1, forge.creates)

	remoteHead, err := gc.RemoteHead(ctx, f.worktree, "origin", f.branch)
	require.NoError(t, err)
	assert.Equal(t, first.CommitSHA, remoteHead)

	second := p.Run(ctx, f.input("feature.go"))
	require.True(t, second.OK(), "%+v", second.Errors)
	assert.Empty(t, second.CommitSHA)
	assert.False(t, second.Pushed)
	assert.False(t, second.PullRequestCreated)
	assert.False(t, second.PullRequestUpdated)
	assert.Equal(t, first.PullRequestURL, second.PullRequestURL)
	assert.Equal(t, 1, forge.creates)
	assert.Zero(t, forge.edits)

	count, err := exec.Command("git", "-C", f.worktree, "rev-list", "--count", "HEAD").Output()
	require.NoError(t, err)
	assert.Equal(t, "2\n", string(count))

	f.write(t, "feature.go", "package main\n\nfunc feature() { println() }\n")
	third := p.Run(ctx, f.input("feature.go"))
	require.True(t, third.OK(), "%+v", third.Errors)
	assert.True(t, third.Pushed)
	assert.True(t, third.PullRequestUpdated)
	assert.Equal(t, 1, forge.creates)
	assert.Equal(t, 1, forge.edits)
}

func TestPipeline_SkippedWithoutChanges(t *testing.T) {
	p := New(fullConfig(), git.NewClient(), newFakeForge(), nil, nil)
	res := p.Run(context.Background(), Input{SessionID: "s1"})
	assert.True(t, res.Skipped)
	assert.True(t, res.OK())
}

func TestPipeline_LintFailureIsReported(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ex := sandbox.NewLocalExecutor(sandbox.LocalConfig{}, nil)
	h, err := ex.Create(ctx, sandbox.Spec{SessionID: "s1", Workdir: f.worktree})
	require.NoError(t, err)
	defer ex.Destroy(ctx, h)

	cfg := Config{AutoCommit: true, LintFix: "echo lint broke >&2; exit 2"}
	p := New(cfg, &git.RealClient{UserName: "flock", UserEmail: "f@example.com"}, nil, ex, nil)

	f.write(t, "x.go", "package main\n")
	in := f.input("x.go")
	in.Handle = h
	res := p.Run(ctx, in)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepLint, res.Errors[0].Step)
	assert.Equal(t, apperr.ReasonLintFailed, res.Errors[0].Reason)
	assert.Contains(t, res.Errors[0].Detail, "lint broke")
	assert.False(t, res.LintApplied)
	assert.NotEmpty(t, res.CommitSHA, "a lint failure does not block the commit")
}

func TestPipeline_LintFixApplied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ex := sandbox.NewLocalExecutor(sandbox.LocalConfig{}, nil)
	h, err := ex.Create(ctx, sandbox.Spec{SessionID: "s1", Workdir: f.worktree})
	require.NoError(t, err)
	defer ex.Destroy(ctx, h)

	p := New(Config{AutoCommit: true, LintFix: "echo '// formatted' >> x.go"},
		&git.RealClient{UserName: "flock", UserEmail: "f@example.com"}, nil, ex, nil)
	f.write(t, "x.go", "package main\n")
	in := f.input("x.go")
	in.Handle = h
	res := p.Run(ctx, in)
	require.True(t, res.OK(), "%+v", res.Errors)
	assert.True(t, res.LintApplied)

	show, err := exec.Command("git", "-C", f.worktree, "show", "HEAD:x.go").Output()
	require.NoError(t, err)
	assert.Equal(t, "package main\n// formatted\n", string(show))
}

func TestPipeline_PushFailureSkipsPullRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, exec.Command("git", "-C", f.repo, "remote", "set-url", "origin", filepath.Join(t.TempDir(), "missing")).Run())
	forge := newFakeForge()
	p := New(fullConfig(), &git.RealClient{UserName: "flock", UserEmail: "f@example.com"}, forge, nil, nil)

	f.write(t, "y.go", "package main\n")
	res := p.Run(ctx, f.input("y.go"))
	require.Len(t, res.Errors, 1)
	assert.Equal(t, StepPush, res.Errors[0].Step)
	assert.Equal(t, apperr.ReasonPushFailed, res.Errors[0].Reason)
	assert.NotEmpty(t, res.CommitSHA, "the commit is kept for manual recovery")
	assert.Zero(t, forge.creates)
}

func TestPipeline_Body(t *testing.T) {
	f := fixture{branch: "flock/x"}
	p := New(Config{BaseBranch: "main", MaxMessageChars: 8}, nil, nil, nil, nil)

	body := p.Body(f.input("a.go", "b.go"), "abc123")
	assert.Contains(t, body, "## add feature")
	assert.Contains(t, body, "`flock/x` into `main`")
	assert.Contains(t, body, "Latest commit: abc123")
	assert.Contains(t, body, "- `a.go`")
	assert.Contains(t, body, "- `b.go`")
	assert.Contains(t, body, "**user**: please a…")
	assert.Contains(t, body, "(called write_file)")
	assert.Contains(t, body, "**tool**: 1 result(s)")
}

func TestPipeline_BodyFallsBackOnTemplateFailure(t *testing.T) {
	f := fixture{branch: "flock/x"}

	p := New(Config{BodyTemplate: "{{.Missing.Field}}"}, nil, nil, nil, nil)
	assert.Equal(t, "Automated changes by flock for: add feature\n\nBranch: flock/x\n", p.Body(f.input("a.go"), ""))

	p = New(Config{BodyTemplate: "{{if}}"}, nil, nil, nil, nil)
	assert.Contains(t, p.Body(f.input("a.go"), ""), "Automated changes by flock")
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	got := truncate("  héllo wörld  ", 7)
	assert.Equal(t, "héllo w…", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "日本", truncate("日本", 2))
	assert.Equal(t, "日…", truncate("日本語", 1))
	assert.Equal(t, "abc", truncate("abc", 0))
}
