package git

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// PullRequest represents a GitHub pull request.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	State  string `json:"state"`
	Branch string `json:"headRefName"`
	URL    string `json:"url"`
	Body   string `json:"body"`
}

// PullRequestOptions describes a pull request to open.
type PullRequestOptions struct {
	Title string
	Body  string
	Head  string
	Base  string
	Draft bool
}

// GitHubClient is the forge capability: find, open and update pull
// requests for a branch. dir is any checkout of the repository.
type GitHubClient interface {
	FindPullRequest(ctx context.Context, dir, head string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, dir string, opts PullRequestOptions) (*PullRequest, error)
	EditPullRequest(ctx context.Context, dir string, number int, title, body string) error
}

// RealGitHubClient implements GitHubClient using the gh CLI.
type RealGitHubClient struct {
	// Binary is the gh executable; defaults to "gh".
	Binary string
}

// NewGitHubClient returns a new RealGitHubClient.
func NewGitHubClient() *RealGitHubClient {
	return &RealGitHubClient{Binary: "gh"}
}

func (c *RealGitHubClient) ghCmd(ctx context.Context, dir, stdin string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "gh"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

// FindPullRequest returns the open pull request whose head is branch, or
// nil when there is none.
func (c *RealGitHubClient) FindPullRequest(ctx context.Context, dir, head string) (*PullRequest, error) {
	out, err := c.ghCmd(ctx, dir, "", "pr", "list",
		"--head", head,
		"--state", "open",
		"--json", "number,title,state,headRefName,url,body",
	)
	if err != nil {
		return nil, err
	}
	var prs []PullRequest
	if err := json.Unmarshal([]byte(out), &prs); err != nil {
		return nil, fmt.Errorf("parse PRs: %w", err)
	}
	for i := range prs {
		if prs[i].Branch == head {
			return &prs[i], nil
		}
	}
	return nil, nil
}

// CreatePullRequest opens a pull request and returns it as listed by gh.
func (c *RealGitHubClient) CreatePullRequest(ctx context.Context, dir string, opts PullRequestOptions) (*PullRequest, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body-file", "-", "--head", opts.Head}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Draft {
		args = append(args, "--draft")
	}
	out, err := c.ghCmd(ctx, dir, opts.Body, args...)
	if err != nil {
		return nil, err
	}
	pr, err := c.FindPullRequest(ctx, dir, opts.Head)
	if err != nil || pr == nil {
		// gh prints the URL of the new pull request.
		return &PullRequest{Title: opts.Title, Branch: opts.Head, State: "OPEN", URL: lastLine(out), Body: opts.Body}, nil
	}
	return pr, nil
}

// EditPullRequest replaces the title and body of a pull request.
func (c *RealGitHubClient) EditPullRequest(ctx context.Context, dir string, number int, title, body string) error {
	_, err := c.ghCmd(ctx, dir, body, "pr", "edit", strconv.Itoa(number), "--title", title, "--body-file", "-")
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
