// Package localexec runs workspace commands as local OS processes with
// timeouts, process-tree termination and background supervision.
package localexec

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/connectors"
)

const (
	// DefaultGrace is how long a background command may run before it is
	// handed to the registry.
	DefaultGrace = 5 * time.Second
	// DefaultCaptureLimit bounds background stdout/stderr capture.
	DefaultCaptureLimit = 6000

	foregroundOutputLimit = 64 << 10
	waitDelay             = 2 * time.Second
	stopWait              = 5 * time.Second
)

var shellNames = map[string]struct{}{
	"cmd": {}, "powershell": {}, "pwsh": {}, "sh": {}, "bash": {}, "zsh": {}, "dash": {},
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	logger       *zap.Logger
	tracer       trace.Tracer
	shell        []string
	grace        time.Duration
	captureLimit int
	onExit       func(BackgroundExit)
	registry     *Registry
}

// Option configures a LocalExec.
type Option func(*LocalExec)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *LocalExec) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer used for command spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *LocalExec) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithShell sets the shell wrapper used to retry commands that fail to
// start, e.g. "cmd.exe", "/C". No arguments disables the retry.
func WithShell(shell ...string) Option {
	return func(e *LocalExec) { e.shell = shell }
}

// WithGrace sets the background grace period.
func WithGrace(d time.Duration) Option {
	return func(e *LocalExec) { e.grace = d }
}

// WithCaptureLimit sets the background capture bound in bytes.
func WithCaptureLimit(n int) Option {
	return func(e *LocalExec) { e.captureLimit = n }
}

// WithOnExit registers a callback fired once per registered background
// process when it exits or is stopped. It runs on its own goroutine.
func WithOnExit(fn func(BackgroundExit)) Option {
	return func(e *LocalExec) { e.onExit = fn }
}

// New creates a new LocalExec connector. On Windows start failures are
// retried once through cmd.exe; elsewhere the retry is opt-in via WithShell.
func New(opts ...Option) *LocalExec {
	e := &LocalExec{
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("github.com/fentz26/cascade/internal/connectors/localexec"),
		shell:        defaultShell,
		grace:        DefaultGrace,
		captureLimit: DefaultCaptureLimit,
		registry:     NewRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the connector identifier.
func (e *LocalExec) Name() string {
	return "localexec"
}

// Registry exposes the background process registry.
func (e *LocalExec) Registry() *Registry {
	return e.registry
}

// Execute runs one command. Command failures, timeouts and start failures
// are reported in the result; the error is non-nil only on cancellation or
// setup problems. A cancelled context kills the live process tree.
func (e *LocalExec) Execute(ctx context.Context, req connectors.Request) (*connectors.ExecResult, error) {
	ctx, span := e.tracer.Start(ctx, "localexec.Execute", trace.WithAttributes(
		attribute.String("command.line", req.Line()),
		attribute.Bool("command.background", req.Background),
		attribute.String("task.id", req.TaskID),
	))
	defer span.End()

	res, startFailed, err := e.dispatch(ctx, req, req.Executable, req.Args)
	if err == nil && startFailed && e.canShellRetry(req.Executable) {
		line := req.Line()
		e.logger.Info("command failed to start, retrying through shell",
			zap.String("command", line),
			zap.String("error", res.Stderr),
		)
		args := append(append([]string(nil), e.shell[1:]...), line)
		var retry *connectors.ExecResult
		retry, _, err = e.dispatch(ctx, req, e.shell[0], args)
		if retry != nil {
			retry.Attempts = 2
			retry.ShellRetried = true
			res = retry
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("command.exit_code", res.ExitCode),
		attribute.Bool("command.timed_out", res.TimedOut),
		attribute.Int("command.attempts", res.Attempts),
	)
	return res, nil
}

func (e *LocalExec) dispatch(ctx context.Context, req connectors.Request, exe string, args []string) (*connectors.ExecResult, bool, error) {
	if req.Background {
		return e.runBackground(ctx, req, exe, args)
	}
	return e.runForeground(ctx, req, exe, args)
}

func (e *LocalExec) canShellRetry(exe string) bool {
	if len(e.shell) == 0 {
		return false
	}
	return !isShell(exe) && !strings.EqualFold(filepath.Base(exe), filepath.Base(e.shell[0]))
}

func isShell(exe string) bool {
	name := strings.ToLower(filepath.Base(exe))
	name = strings.TrimSuffix(name, ".exe")
	_, ok := shellNames[name]
	return ok
}

func command(exe string, args []string, dir string) *exec.Cmd {
	cmd := exec.Command(exe, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	configureProcGroup(cmd)
	return cmd
}

// runForeground races natural exit against the timeout. The bool result
// reports a start failure.
func (e *LocalExec) runForeground(ctx context.Context, req connectors.Request, exe string, args []string) (*connectors.ExecResult, bool, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = connectors.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := command(exe, args, req.Dir)
	stdout := newTailBuffer(foregroundOutputLimit)
	stderr := newTailBuffer(foregroundOutputLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	res := &connectors.ExecResult{
		Command:   exe,
		Args:      args,
		Attempts:  1,
		StartedAt: time.Now(),
	}
	if err := cmd.Start(); err != nil {
		res.ExitCode = -1
		res.Stderr = err.Error()
		return res, true, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-runCtx.Done():
		if err := killTree(cmd); err != nil {
			e.logger.Warn("kill process tree", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
		<-done
		if ctx.Err() != nil {
			return nil, false, fmt.Errorf("command %s: %w", exe, ctx.Err())
		}
		res.TimedOut = true
		e.logger.Warn("command timed out", zap.String("command", exe), zap.Duration("timeout", timeout))
	}

	res.Duration = time.Since(res.StartedAt)
	res.ExitCode = exitCode(cmd)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, false, nil
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}
