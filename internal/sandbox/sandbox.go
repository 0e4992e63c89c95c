// Package sandbox provides isolated execution environments for agent sessions.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/joescharf/flock/internal/sandbox")

var (
	// ErrSandboxGone means the backing environment disappeared underneath a handle.
	ErrSandboxGone = errors.New("sandbox is gone")
	// ErrHandleDestroyed means the handle was already destroyed and cannot be reused.
	ErrHandleDestroyed = errors.New("sandbox handle already destroyed")
)

// Default limits.
const (
	DefaultExecTimeout    = 2 * time.Minute
	DefaultMaxOutputBytes = 100_000
	DefaultKillGrace      = 2 * time.Second

	// TimeoutExitCode is reported when a command exceeds its timeout.
	TimeoutExitCode = 124
)

// Mount binds a host path into the sandbox.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Limits bounds the resources available to a sandbox.
type Limits struct {
	Memory  string // e.g. "2g"
	CPUs    string // e.g. "2"
	Network string // "" for the driver default, "none" to isolate
}

// Spec describes a sandbox to create.
type Spec struct {
	SessionID    string
	Image        string
	Dockerfile   string
	BuildContext string
	Workdir      string
	Mounts       []Mount
	Env          map[string]string
	Limits       Limits
}

// Handle identifies a live sandbox. Callers treat it as opaque.
type Handle struct {
	ID      string
	Name    string
	Image   string
	Workdir string
	Driver  string
}

// Command is a shell command to run inside a sandbox.
type Command struct {
	Shell   string
	Workdir string // defaults to the handle workdir
	Timeout time.Duration
	Env     map[string]string
	Stdin   io.Reader
}

// ExecResult is the outcome of a command. A non-zero exit code is a normal
// result, not an error.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Combined returns stdout and stderr joined for display.
func (r *ExecResult) Combined() string {
	switch {
	case r.Stderr == "":
		return r.Stdout
	case r.Stdout == "":
		return r.Stderr
	}
	return strings.TrimRight(r.Stdout, "\n") + "\n" + r.Stderr
}

// File is a file to copy into a sandbox.
type File struct {
	Path    string
	Content []byte
	Mode    uint32 // 0 means 0644
}

// Executor creates and drives sandboxes. Implementations are safe for
// concurrent use across handles.
type Executor interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	Exec(ctx context.Context, h *Handle, cmd Command) (*ExecResult, error)
	CopyIn(ctx context.Context, h *Handle, files []File) error
	CopyOut(ctx context.Context, h *Handle, paths []string) (map[string][]byte, error)
	Destroy(ctx context.Context, h *Handle) error
}

// Truncate shortens s to at most max bytes, keeping the head and the tail.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	marker := fmt.Sprintf("\n... [%d bytes truncated] ...\n", len(s)-max)
	keep := max - len(marker)
	if keep <= 0 {
		return s[:max]
	}
	head := keep / 2
	tail := keep - head
	return s[:head] + marker + s[len(s)-tail:]
}

func sortedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
