package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/models"
	"github.com/joescharf/flock/internal/sandbox"
)

var (
	tracer = otel.Tracer("github.com/joescharf/flock/internal/tools")
	meter  = otel.Meter("github.com/joescharf/flock/internal/tools")
)

// callTimeoutSlack is added to a timeout requested by call arguments so
// the command's own timeout fires before the dispatcher's.
const callTimeoutSlack = 10 * time.Second

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	MaxParallel    int
	DefaultTimeout time.Duration
	MaxOutput      int
}

// Dispatcher runs batches of tool calls. Calls that conflict run in the
// order they were issued; the rest run concurrently.
type Dispatcher struct {
	reg    *Registry
	cfg    DispatcherConfig
	logger *slog.Logger
	calls  metric.Int64Counter
}

// NewDispatcher returns a dispatcher over reg.
func NewDispatcher(reg *Registry, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 2 * time.Minute
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = sandbox.DefaultMaxOutputBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	counter, _ := meter.Int64Counter("flock.tool.calls", metric.WithDescription("tool calls dispatched"))
	return &Dispatcher{reg: reg, cfg: cfg, logger: logger, calls: counter}
}

// Registry returns the registry the dispatcher resolves names against.
func (d *Dispatcher) Registry() *Registry { return d.reg }

type prepared struct {
	call  models.ToolCall
	tool  *Tool
	args  any
	paths []string // nil: unknown
	err   error
}

// Dispatch validates and executes calls. It returns exactly one result per
// call, in call order. Faults never escape as errors: each becomes a
// failed result. Resource failures are attached to ToolResult.Err so the
// caller can escalate them.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Env, calls []models.ToolCall) []models.ToolResult {
	ctx, span := tracer.Start(ctx, "tools.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("tools.calls", len(calls)))

	batch := make([]*prepared, len(calls))
	for i, c := range calls {
		p := &prepared{call: c}
		p.tool, p.err = d.reg.Lookup(c.Name)
		if p.err == nil {
			p.args, p.err = p.tool.Decode(c.Arguments)
		}
		if p.err == nil {
			p.paths = p.tool.Paths(p.args)
		}
		batch[i] = p
	}

	results := make([]models.ToolResult, len(calls))
	done := make([]chan struct{}, len(calls))
	for i := range done {
		done[i] = make(chan struct{})
	}

	// Goroutines are started in call order and only wait on earlier calls,
	// so every dependency already holds a slot and the limit cannot
	// deadlock.
	var g errgroup.Group
	g.SetLimit(d.cfg.MaxParallel)
	for i, p := range batch {
		deps := d.dependencies(batch, i)
		g.Go(func() error {
			defer close(done[i])
			for _, j := range deps {
				select {
				case <-done[j]:
				case <-ctx.Done():
				}
			}
			results[i] = d.runOne(ctx, env, p)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dependencies returns the earlier calls that call i must wait for.
func (d *Dispatcher) dependencies(batch []*prepared, i int) []int {
	if batch[i].err != nil {
		return nil
	}
	var deps []int
	for j := 0; j < i; j++ {
		if batch[j].err == nil && conflicts(batch[i], batch[j]) {
			deps = append(deps, j)
		}
	}
	return deps
}

func conflicts(a, b *prepared) bool {
	if a.tool.Exclusive || b.tool.Exclusive {
		return true
	}
	if a.tool.Pure || b.tool.Pure {
		return false
	}
	if !a.tool.Mutating && !b.tool.Mutating {
		return false
	}
	return Overlap(a.paths, b.paths)
}

// Overlap reports whether two path sets intersect. A nil set or "*" stands
// for every path; a directory overlaps everything beneath it.
func Overlap(a, b []string) bool {
	if a == nil || b == nil {
		return true
	}
	for _, x := range a {
		for _, y := range b {
			if x == "*" || y == "*" || pathsOverlap(x, y) {
				return true
			}
		}
	}
	return false
}

func pathsOverlap(a, b string) bool {
	a, b = path.Clean(strings.TrimPrefix(a, "./")), path.Clean(strings.TrimPrefix(b, "./"))
	if a == b || a == "." || b == "." {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}

func (d *Dispatcher) runOne(ctx context.Context, env *Env, p *prepared) (res models.ToolResult) {
	res = models.ToolResult{CallID: p.call.ID, Name: p.call.Name}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		d.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", p.call.Name),
			attribute.Bool("ok", res.OK),
		))
		if env.OnFinish != nil {
			env.OnFinish(res)
		}
	}()
	if env.OnStart != nil {
		env.OnStart(p.call)
	}

	if p.err != nil {
		return failed(res, p.err)
	}
	if err := ctx.Err(); err != nil {
		return failed(res, err)
	}

	timeout := p.tool.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}
	if asked := p.tool.CallTimeout(p.args); asked > 0 && asked+callTimeoutSlack > timeout {
		timeout = asked + callTimeoutSlack
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.invoke(callCtx, env, p)
	switch {
	case err != nil && ctx.Err() != nil:
		return failed(res, ctx.Err())
	case err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return failed(res, apperr.Transient("tools."+p.call.Name, apperr.ReasonTimeout,
			fmt.Errorf("%s timed out after %s", p.call.Name, timeout)))
	case err != nil:
		d.logger.Debug("tool failed", "tool", p.call.Name, "call_id", p.call.ID, "error", err)
		res = failed(res, err)
		res.ChangedPaths = out.ChangedPaths
		return res
	}

	res.OK = true
	res.Output = sandbox.Truncate(out.Text, d.maxOutput(env))
	res.ChangedPaths = out.ChangedPaths
	return res
}

func (d *Dispatcher) maxOutput(env *Env) int {
	if env.MaxOutput > 0 {
		return env.MaxOutput
	}
	return d.cfg.MaxOutput
}

func (d *Dispatcher) invoke(ctx context.Context, env *Env, p *prepared) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", p.call.Name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("tool %s panicked: %v", p.call.Name, r)
		}
	}()
	return p.tool.Run(ctx, env, p.args)
}

// failed fills res from err. Resource and cancellation errors are kept so
// the loop can escalate them.
func failed(res models.ToolResult, err error) models.ToolResult {
	res.OK = false
	res.Output = err.Error()
	res.Reason = apperr.ReasonOf(err)
	if res.Reason == "" {
		res.Reason = apperr.ReasonToolFailed
	}
	switch apperr.KindOf(err) {
	case apperr.KindResource, apperr.KindCancellation:
		res.Err = err
	}
	return res
}
