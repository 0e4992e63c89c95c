package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/joescharf/flock/internal/apperr"
)

// DockerConfig configures the docker driver.
type DockerConfig struct {
	Binary         string // defaults to "docker"
	Host           string // passed as -H when set
	Memory         string
	CPUs           string
	Network        string
	ExecTimeout    time.Duration
	MaxOutputBytes int
	KillGrace      time.Duration
}

// DockerExecutor runs sandboxes as long-lived docker containers.
type DockerExecutor struct {
	cfg    DockerConfig
	runner Runner
	logger *slog.Logger
}

// NewDockerExecutor returns a docker driver. A nil runner uses ExecRunner.
func NewDockerExecutor(cfg DockerConfig, runner Runner, logger *slog.Logger) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
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
	if runner == nil {
		runner = ExecRunner{WaitDelay: cfg.KillGrace}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{cfg: cfg, runner: runner, logger: logger}
}

func (d *DockerExecutor) docker(ctx context.Context, stdin io.Reader, args ...string) (*RunResult, error) {
	return d.runner.Run(ctx, stdin, d.cfg.Binary, d.withHost(args)...)
}

// ContainerName returns the container name used for a session.
func ContainerName(sessionID string) string {
	return "flock-" + strings.ToLower(sessionID)
}

func (d *DockerExecutor) Create(ctx context.Context, spec Spec) (*Handle, error) {
	const op = "sandbox.create"
	if spec.Image == "" {
		return nil, apperr.Validation(op, apperr.ReasonInvalidArguments, "image is required")
	}

	if spec.Dockerfile != "" {
		buildCtx := spec.BuildContext
		if buildCtx == "" {
			buildCtx = "."
		}
		d.logger.Info("building sandbox image", "image", spec.Image, "dockerfile", spec.Dockerfile)
		res, err := d.docker(ctx, nil, "build", "-t", spec.Image, "-f", spec.Dockerfile, buildCtx)
		if err != nil {
			return nil, apperr.Resource(op, apperr.ReasonBuildFailed, err)
		}
		if res.ExitCode != 0 {
			return nil, apperr.Resource(op, apperr.ReasonBuildFailed, fmt.Errorf("docker build: %s", lastLines(res.Stderr, 20)))
		}
	}

	name := ContainerName(spec.SessionID)
	args := []string{"run", "-d", "--name", name,
		"--label", "flock.managed=true",
		"--label", "flock.session=" + spec.SessionID,
	}
	if mem := firstNonEmpty(spec.Limits.Memory, d.cfg.Memory); mem != "" {
		args = append(args, "--memory", mem)
	}
	if cpus := firstNonEmpty(spec.Limits.CPUs, d.cfg.CPUs); cpus != "" {
		args = append(args, "--cpus", cpus)
	}
	if network := firstNonEmpty(spec.Limits.Network, d.cfg.Network); network != "" {
		args = append(args, "--network", network)
	}
	for _, m := range spec.Mounts {
		v := m.Source + ":" + m.Target
		if m.ReadOnly {
			v += ":ro"
		}
		args = append(args, "-v", v)
	}
	if spec.Workdir != "" {
		args = append(args, "-w", spec.Workdir)
	}
	for _, kv := range sortedEnv(spec.Env) {
		args = append(args, "-e", kv)
	}
	args = append(args, "--entrypoint", "sleep", spec.Image, "infinity")

	res, err := d.docker(ctx, nil, args...)
	if err != nil {
		return nil, apperr.Resource(op, apperr.ReasonResourceUnavailable, err)
	}
	if res.ExitCode != 0 {
		return nil, apperr.Resource(op, apperr.ReasonResourceUnavailable,
			fmt.Errorf("docker run: %s", strings.TrimSpace(string(res.Stderr))))
	}

	id := strings.TrimSpace(string(res.Stdout))
	if len(id) > 12 {
		id = id[:12]
	}
	d.logger.Info("sandbox created", "session_id", spec.SessionID, "container", name, "id", id)
	return &Handle{ID: id, Name: name, Image: spec.Image, Workdir: spec.Workdir, Driver: "docker"}, nil
}

func (d *DockerExecutor) Exec(ctx context.Context, h *Handle, cmd Command) (*ExecResult, error) {
	const op = "sandbox.exec"
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.String("sandbox.name", h.Name))

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = d.cfg.ExecTimeout
	}
	pidFile := "/tmp/flock-exec-" + uuid.NewString() + ".pid"

	args := []string{"exec"}
	if cmd.Stdin != nil {
		args = append(args, "-i")
	}
	if wd := firstNonEmpty(cmd.Workdir, h.Workdir); wd != "" {
		args = append(args, "-w", wd)
	}
	for _, kv := range sortedEnv(cmd.Env) {
		args = append(args, "-e", kv)
	}
	script := fmt.Sprintf("echo $$ > %s; %s", pidFile, cmd.Shell)
	args = append(args, h.Name, "bash", "-c", script)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := d.docker(runCtx, cmd.Stdin, args...)
	elapsed := time.Since(start)

	if err != nil && runCtx.Err() != nil {
		d.killExec(h, pidFile)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		out := &ExecResult{ExitCode: TimeoutExitCode, TimedOut: true, Duration: elapsed}
		if res != nil {
			out.Stdout = Truncate(string(res.Stdout), d.cfg.MaxOutputBytes)
			out.Stderr = Truncate(string(res.Stderr), d.cfg.MaxOutputBytes)
		}
		out.Stderr += fmt.Sprintf("\ncommand timed out after %s", timeout)
		return out, nil
	}
	if err != nil {
		return nil, apperr.Resource(op, apperr.ReasonResourceUnavailable, err)
	}
	if res.ExitCode != 0 && isGone(res.Stderr) {
		return nil, apperr.Resource(op, apperr.ReasonSandboxGone, fmt.Errorf("%s: %w", h.Name, ErrSandboxGone))
	}

	// Best effort; the file lives in the container's /tmp.
	_, _ = d.docker(context.WithoutCancel(ctx), nil, "exec", h.Name, "rm", "-f", pidFile)

	return &ExecResult{
		Stdout:   Truncate(string(res.Stdout), d.cfg.MaxOutputBytes),
		Stderr:   Truncate(string(res.Stderr), d.cfg.MaxOutputBytes),
		ExitCode: res.ExitCode,
		Duration: elapsed,
	}, nil
}

// killExec terminates the in-container process behind pidFile. The docker
// client being killed does not stop the process inside the container.
func (d *DockerExecutor) killExec(h *Handle, pidFile string) {
	grace := int(d.cfg.KillGrace / time.Second)
	if grace < 1 {
		grace = 1
	}
	script := fmt.Sprintf(
		`p=$(cat %[1]s 2>/dev/null) || exit 0; kill -TERM -- -$p 2>/dev/null || kill -TERM $p 2>/dev/null; `+
			`sleep %[2]d; kill -KILL -- -$p 2>/dev/null || kill -KILL $p 2>/dev/null; rm -f %[1]s`,
		pidFile, grace)

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.KillGrace+10*time.Second)
	defer cancel()
	if _, err := d.docker(ctx, nil, "exec", h.Name, "sh", "-c", script); err != nil {
		d.logger.Warn("kill in-sandbox process", "container", h.Name, "error", err)
	}
}

func (d *DockerExecutor) CopyIn(ctx context.Context, h *Handle, files []File) error {
	const op = "sandbox.copy_in"
	for _, f := range files {
		mode := f.Mode
		if mode == 0 {
			mode = 0o644
		}
		script := fmt.Sprintf(`mkdir -p "$(dirname "$1")" && cat > "$1" && chmod %o "$1"`, mode)
		res, err := d.docker(ctx, bytes.NewReader(f.Content), "exec", "-i", h.Name, "sh", "-c", script, "sh", f.Path)
		if err != nil {
			return apperr.Resource(op, apperr.ReasonResourceUnavailable, err)
		}
		if isGone(res.Stderr) {
			return apperr.Resource(op, apperr.ReasonSandboxGone, fmt.Errorf("%s: %w", h.Name, ErrSandboxGone))
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("copy %s into %s: %s", f.Path, h.Name, strings.TrimSpace(string(res.Stderr)))
		}
	}
	return nil
}

func (d *DockerExecutor) CopyOut(ctx context.Context, h *Handle, paths []string) (map[string][]byte, error) {
	const op = "sandbox.copy_out"
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		res, err := d.docker(ctx, nil, "exec", h.Name, "cat", p)
		if err != nil {
			return nil, apperr.Resource(op, apperr.ReasonResourceUnavailable, err)
		}
		if isGone(res.Stderr) {
			return nil, apperr.Resource(op, apperr.ReasonSandboxGone, fmt.Errorf("%s: %w", h.Name, ErrSandboxGone))
		}
		if res.ExitCode != 0 {
			return nil, fmt.Errorf("copy %s out of %s: %s", p, h.Name, strings.TrimSpace(string(res.Stderr)))
		}
		out[p] = res.Stdout
	}
	return out, nil
}

// Destroy removes the container. A container that is already gone is not
// an error.
func (d *DockerExecutor) Destroy(ctx context.Context, h *Handle) error {
	res, err := d.docker(ctx, nil, "rm", "-f", h.Name)
	if err != nil {
		return apperr.Resource("sandbox.destroy", apperr.ReasonResourceUnavailable, err)
	}
	if res.ExitCode != 0 && !isGone(res.Stderr) {
		return fmt.Errorf("docker rm %s: %s", h.Name, strings.TrimSpace(string(res.Stderr)))
	}
	d.logger.Info("sandbox destroyed", "container", h.Name)
	return nil
}

func (d *DockerExecutor) withHost(args []string) []string {
	if d.cfg.Host == "" {
		return args
	}
	return append([]string{"-H", d.cfg.Host}, args...)
}

// isGone reports whether the docker daemon rejected a request because the
// container no longer exists or has stopped.
func isGone(stderr []byte) bool {
	s := string(stderr)
	if !strings.Contains(s, "Error response from daemon") && !strings.HasPrefix(s, "Error: ") {
		return false
	}
	return strings.Contains(s, "No such container") || strings.Contains(s, "is not running")
}

func lastLines(b []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

var _ Executor = (*DockerExecutor)(nil)
