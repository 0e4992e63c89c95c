package tools

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/sandbox"
)

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func (e *Env) sh(ctx context.Context, script string) (*sandbox.ExecResult, error) {
	return e.Exec.Exec(ctx, e.Sandbox, sandbox.Command{Shell: script})
}

// abs resolves p against the sandbox working directory. Paths that leave
// the working directory are rejected.
func (e *Env) abs(p string) (string, error) {
	if e.Sandbox == nil || e.Sandbox.Workdir == "" {
		return path.Clean(p), nil
	}
	root := path.Clean(e.Sandbox.Workdir)
	full := path.Clean(p)
	if !path.IsAbs(full) {
		full = path.Join(root, full)
	}
	if root != "/" && full != root && !strings.HasPrefix(full, root+"/") {
		return "", apperr.Validation("tools.path", apperr.ReasonInvalidArguments,
			"path %q is outside the project directory", p)
	}
	return full, nil
}

// describe renders an exec result as a tool observation.
func describe(res *sandbox.ExecResult) string {
	out := res.Combined()
	if res.ExitCode != 0 {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += fmt.Sprintf("exit code %d", res.ExitCode)
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}

// timedOut reports an exec timeout as a failed observation carrying the
// captured output.
func timedOut(what string, res *sandbox.ExecResult) error {
	return apperr.Transient("tools."+what, apperr.ReasonTimeout, errors.New(describe(res)))
}

// snapshot maps every dirty path of the sandbox worktree to its content
// hash, or "-" when deleted. Outside a git worktree it returns nil.
func (e *Env) snapshot(ctx context.Context) map[string]string {
	res, err := e.sh(ctx, "git status --porcelain=v1 -z --untracked-files=all")
	if err != nil || res.ExitCode != 0 {
		return nil
	}
	paths := ParsePorcelainZ(res.Stdout)
	snap := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return snap
	}

	var script strings.Builder
	script.WriteString("for f in")
	for _, p := range paths {
		script.WriteString(" " + Quote(p))
	}
	script.WriteString(`; do if [ -f "$f" ]; then printf '%s\t%s\n' "$f" "$(git hash-object -- "$f")"; else printf '%s\t-\n' "$f"; fi; done`)
	res, err = e.sh(ctx, script.String())
	if err != nil || res.ExitCode != 0 {
		for _, p := range paths {
			snap[p] = "?"
		}
		return snap
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if p, hash, ok := strings.Cut(line, "\t"); ok {
			snap[p] = hash
		}
	}
	return snap
}

// ParsePorcelainZ extracts paths from `git status --porcelain -z` output.
// Renames report the destination path.
func ParsePorcelainZ(out string) []string {
	var paths []string
	entries := strings.Split(out, "\x00")
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 4 {
			continue
		}
		status, p := entry[:2], entry[3:]
		paths = append(paths, p)
		if status[0] == 'R' || status[0] == 'C' {
			i++ // skip the source path
		}
	}
	return paths
}

// changedBetween returns the paths whose state differs between two
// snapshots, sorted.
func changedBetween(before, after map[string]string) []string {
	if after == nil {
		return nil
	}
	set := map[string]bool{}
	for p, h := range after {
		if before[p] != h {
			set[p] = true
		}
	}
	for p := range before {
		if _, ok := after[p]; !ok {
			set[p] = true
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
