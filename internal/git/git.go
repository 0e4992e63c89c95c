package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the git operations the runtime needs. Every method takes
// the path of the repository or worktree it operates on.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CommonDir(ctx context.Context, path string) (string, error)
	GitDir(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	Head(ctx context.Context, path string) (string, error)
	IsDirty(ctx context.Context, path string) (bool, error)
	ChangedFiles(ctx context.Context, path string) ([]string, error)
	Diff(ctx context.Context, path, base string) (string, error)
	AddAll(ctx context.Context, path string) error
	Commit(ctx context.Context, path, message string) (string, error)
	Push(ctx context.Context, path, remote, branch string) error
	RemoteHead(ctx context.Context, path, remote, branch string) (string, error)
	RemoteURL(ctx context.Context, path string) (string, error)
	WorktreeAdd(ctx context.Context, repo, path, branch, base string) error
	WorktreeRemove(ctx context.Context, repo, path string) error
	WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error)
}

// RealClient implements Client using real git commands.
type RealClient struct {
	// UserName and UserEmail, when set, are the commit identity.
	UserName  string
	UserEmail string
}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

// ErrNothingToCommit is returned by Commit when the worktree is clean.
var ErrNothingToCommit = errors.New("nothing to commit")

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

// CommonDir returns the absolute path of the repository's shared .git
// directory, which linked worktrees point into.
func (c *RealClient) CommonDir(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "rev-parse", "--git-common-dir")
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(path, out)
	}
	return filepath.Clean(out), nil
}

// GitDir returns the absolute path of the worktree's own git directory. For
// a linked worktree it is the worktrees/<name> entry under CommonDir.
func (c *RealClient) GitDir(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return "", err
	}
	return filepath.Clean(out), nil
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

func (c *RealClient) Head(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "HEAD")
}

func (c *RealClient) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles lists paths with uncommitted changes, untracked included.
func (c *RealClient) ChangedFiles(ctx context.Context, path string) ([]string, error) {
	out, err := gitCmd(ctx, path, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		p := line[3:]
		if _, dst, ok := strings.Cut(p, " -> "); ok {
			p = dst
		}
		files = append(files, strings.Trim(p, `"`))
	}
	return files, nil
}

// Diff returns the diff of the working tree, untracked files excluded,
// against base. An empty base diffs against HEAD.
func (c *RealClient) Diff(ctx context.Context, path, base string) (string, error) {
	if base == "" {
		base = "HEAD"
	}
	return gitCmd(ctx, path, "diff", base)
}

func (c *RealClient) AddAll(ctx context.Context, path string) error {
	_, err := gitCmd(ctx, path, "add", "--all")
	return err
}

// Commit stages everything and commits it, returning the new HEAD.
func (c *RealClient) Commit(ctx context.Context, path, message string) (string, error) {
	if err := c.AddAll(ctx, path); err != nil {
		return "", err
	}
	if _, err := gitCmd(ctx, path, "diff", "--cached", "--quiet"); err == nil {
		return "", ErrNothingToCommit
	} else if ctx.Err() != nil {
		return "", ctx.Err()
	}
	var args []string
	if c.UserName != "" {
		args = append(args, "-c", "user.name="+c.UserName)
	}
	if c.UserEmail != "" {
		args = append(args, "-c", "user.email="+c.UserEmail)
	}
	args = append(args, "commit", "--no-verify", "-m", message)
	if _, err := gitCmd(ctx, path, args...); err != nil {
		return "", err
	}
	return c.Head(ctx, path)
}

func (c *RealClient) Push(ctx context.Context, path, remote, branch string) error {
	_, err := gitCmd(ctx, path, "push", "--set-upstream", remote, "HEAD:refs/heads/"+branch)
	return err
}

// RemoteHead returns the commit the remote branch points at, or "" when
// the branch does not exist on the remote.
func (c *RealClient) RemoteHead(ctx context.Context, path, remote, branch string) (string, error) {
	out, err := gitCmd(ctx, path, "ls-remote", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	sha, _, _ := strings.Cut(out, "\t")
	return sha, nil
}

func (c *RealClient) RemoteURL(ctx context.Context, path string) (string, error) {
	out, err := gitCmd(ctx, path, "remote", "get-url", "origin")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", nil // no remote is not an error
	}
	return out, nil
}

// WorktreeAdd creates a worktree at path on a new branch started from base.
func (c *RealClient) WorktreeAdd(ctx context.Context, repo, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := gitCmd(ctx, repo, args...)
	return err
}

// WorktreeRemove force-removes a worktree. The branch is kept.
func (c *RealClient) WorktreeRemove(ctx context.Context, repo, path string) error {
	if _, err := gitCmd(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	_, err := gitCmd(ctx, repo, "worktree", "prune")
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, repo string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}

// ExtractOwnerRepo parses a GitHub remote URL and returns owner/repo.
func ExtractOwnerRepo(remoteURL string) (owner, repo string, err error) {
	// Handle SSH: git@github.com:owner/repo.git
	if strings.HasPrefix(remoteURL, "git@") {
		parts := strings.SplitN(remoteURL, ":", 2)
		if len(parts) != 2 {
			return "", "", fmt.Errorf("cannot parse SSH remote: %s", remoteURL)
		}
		path := strings.TrimSuffix(parts[1], ".git")
		segments := strings.SplitN(path, "/", 2)
		if len(segments) != 2 {
			return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
		}
		return segments[0], segments[1], nil
	}

	// Handle HTTPS: https://github.com/owner/repo.git
	trimmed := strings.TrimSuffix(remoteURL, ".git")
	trimmed = strings.TrimPrefix(trimmed, "https://github.com/")
	trimmed = strings.TrimPrefix(trimmed, "http://github.com/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		return "", "", fmt.Errorf("cannot parse owner/repo from: %s", remoteURL)
	}
	return segments[0], segments[1], nil
}

// BranchName builds a session branch name: prefix + slug(title) + "-" +
// the last 8 characters of id, lowercased.
func BranchName(prefix, title, id string) string {
	slug := Slugify(title, 40)
	short := strings.ToLower(id)
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	if slug == "" {
		return prefix + short
	}
	return prefix + slug + "-" + short
}

// Slugify lowercases s and keeps ASCII letters and digits, joining runs of
// anything else with a single dash.
func Slugify(s string, max int) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if max > 0 && len(out) > max {
		out = strings.TrimSuffix(out[:max], "-")
	}
	return out
}
