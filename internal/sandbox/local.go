package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joescharf/flock/internal/apperr"
)

// LocalConfig configures the local driver.
type LocalConfig struct {
	// Root holds per-session directories when a Spec has no Workdir.
	Root           string
	Shell          string // defaults to /bin/bash
	ExecTimeout    time.Duration
	MaxOutputBytes int
	KillGrace      time.Duration
}

// LocalExecutor runs commands directly on the host, one process group per
// command. It offers no isolation beyond the working directory and a
// filtered environment, and is meant for development and tests.
type LocalExecutor struct {
	cfg    LocalConfig
	logger *slog.Logger

	mu    sync.Mutex
	boxes map[string]*localBox
}

type localBox struct {
	workdir string
	owned   bool // workdir was created by Create and is removed by Destroy
	env     map[string]string
}

// NewLocalExecutor returns a host-process driver.
func NewLocalExecutor(cfg LocalConfig, logger *slog.Logger) *LocalExecutor {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/bash"
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalExecutor{cfg: cfg, logger: logger, boxes: make(map[string]*localBox)}
}

func (l *LocalExecutor) Create(ctx context.Context, spec Spec) (*Handle, error) {
	box := &localBox{workdir: spec.Workdir, env: spec.Env}
	if box.workdir == "" {
		root := l.cfg.Root
		if root == "" {
			root = os.TempDir()
		}
		dir, err := os.MkdirTemp(root, "flock-"+strings.ToLower(spec.SessionID)+"-")
		if err != nil {
			return nil, apperr.Resource("sandbox.create", apperr.ReasonResourceUnavailable, err)
		}
		box.workdir = dir
		box.owned = true
	} else if info, err := os.Stat(box.workdir); err != nil || !info.IsDir() {
		return nil, apperr.Resource("sandbox.create", apperr.ReasonResourceUnavailable,
			fmt.Errorf("workdir %s is not a directory", box.workdir))
	}

	id := "local-" + uuid.NewString()[:8]
	l.mu.Lock()
	l.boxes[id] = box
	l.mu.Unlock()

	l.logger.Debug("local sandbox created", "session_id", spec.SessionID, "id", id, "workdir", box.workdir)
	return &Handle{ID: id, Name: id, Image: spec.Image, Workdir: box.workdir, Driver: "local"}, nil
}

func (l *LocalExecutor) box(h *Handle) (*localBox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.boxes[h.ID]
	if !ok {
		return nil, apperr.Resource("sandbox", apperr.ReasonSandboxGone, fmt.Errorf("%s: %w", h.ID, ErrSandboxGone))
	}
	return b, nil
}

func (l *LocalExecutor) Exec(ctx context.Context, h *Handle, cmd Command) (*ExecResult, error) {
	ctx, span := tracer.Start(ctx, "sandbox.exec")
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.name", h.Name))

	b, err := l.box(h)
	if err != nil {
		return nil, err
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = l.cfg.ExecTimeout
	}

	c := exec.Command(l.cfg.Shell, "-c", cmd.Shell)
	c.Dir = firstNonEmpty(cmd.Workdir, b.workdir)
	c.Env = append(FilterEnv(os.Environ()), sortedEnv(b.env)...)
	c.Env = append(c.Env, sortedEnv(cmd.Env)...)
	c.Stdin = cmd.Stdin
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr
	c.WaitDelay = l.cfg.KillGrace
	setProcessGroup(c)

	start := time.Now()
	if err := c.Start(); err != nil {
		return nil, apperr.Resource("sandbox.exec", apperr.ReasonResourceUnavailable, err)
	}
	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		waitErr = l.terminate(c, done)
	case <-ctx.Done():
		_ = l.terminate(c, done)
		return nil, ctx.Err()
	}

	res := &ExecResult{
		Stdout:   Truncate(stdout.String(), l.cfg.MaxOutputBytes),
		Stderr:   Truncate(stderr.String(), l.cfg.MaxOutputBytes),
		Duration: time.Since(start),
	}
	if timedOut {
		res.TimedOut = true
		res.ExitCode = TimeoutExitCode
		res.Stderr += fmt.Sprintf("\ncommand timed out after %s", timeout)
		return res, nil
	}
	var exitErr *exec.ExitError
	switch {
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case waitErr != nil:
		return nil, apperr.Resource("sandbox.exec", apperr.ReasonResourceUnavailable, waitErr)
	}
	return res, nil
}

// terminate signals the process group, escalating to SIGKILL after the
// grace period, and waits for the process to exit.
func (l *LocalExecutor) terminate(c *exec.Cmd, done <-chan error) error {
	terminateGroup(c)
	select {
	case err := <-done:
		return err
	case <-time.After(l.cfg.KillGrace):
	}
	killGroup(c)
	return <-done
}

func (l *LocalExecutor) resolve(b *localBox, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(b.workdir, p)
}

func (l *LocalExecutor) CopyIn(_ context.Context, h *Handle, files []File) error {
	b, err := l.box(h)
	if err != nil {
		return err
	}
	for _, f := range files {
		dst := l.resolve(b, f.Path)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("copy %s: %w", f.Path, err)
		}
		mode := os.FileMode(f.Mode)
		if mode == 0 {
			mode = 0o644
		}
		if err := os.WriteFile(dst, f.Content, mode); err != nil {
			return fmt.Errorf("copy %s: %w", f.Path, err)
		}
	}
	return nil
}

func (l *LocalExecutor) CopyOut(_ context.Context, h *Handle, paths []string) (map[string][]byte, error) {
	b, err := l.box(h)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(l.resolve(b, p))
		if err != nil {
			return nil, fmt.Errorf("copy %s: %w", p, err)
		}
		out[p] = data
	}
	return out, nil
}

// Destroy forgets the handle and removes the directory Create made for it.
// Destroying an unknown handle is a no-op.
func (l *LocalExecutor) Destroy(_ context.Context, h *Handle) error {
	l.mu.Lock()
	b, ok := l.boxes[h.ID]
	delete(l.boxes, h.ID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if b.owned {
		if err := os.RemoveAll(b.workdir); err != nil {
			return fmt.Errorf("remove %s: %w", b.workdir, err)
		}
	}
	l.logger.Debug("local sandbox destroyed", "id", h.ID)
	return nil
}

var sensitiveSuffixes = []string{"_API_KEY", "_TOKEN", "_SECRET", "_PASSWORD"}

// FilterEnv drops credentials from an environment list.
func FilterEnv(env []string) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		upper := strings.ToUpper(key)
		sensitive := false
		for _, suffix := range sensitiveSuffixes {
			if strings.HasSuffix(upper, suffix) {
				sensitive = true
				break
			}
		}
		if !sensitive {
			out = append(out, kv)
		}
	}
	return out
}

var _ Executor = (*LocalExecutor)(nil)
