package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"
)

// RunResult is the raw outcome of a host process.
type RunResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner starts host processes. The docker driver goes through a Runner so
// tests can substitute the docker CLI.
type Runner interface {
	// Run executes name with args. A non-zero exit is reported in the
	// result; err is set only when the process could not run to completion,
	// including when ctx ends first.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*RunResult, error)
}

// ExecRunner runs real processes with os/exec.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for output after ctx ends.
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultKillGrace
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Stdin = stdin
	cmd.Env = os.Environ()

	err := cmd.Run()
	res := &RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if err != nil {
		return res, err
	}
	return res, nil
}
