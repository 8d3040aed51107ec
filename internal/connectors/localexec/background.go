package localexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fentz26/cascade/internal/connectors"
)

// ErrUnknownProcess is returned when stopping an id the registry does not hold.
var ErrUnknownProcess = errors.New("background process not found")

const snippetLimit = 2000

// BackgroundProcess is a command still running after its grace period.
type BackgroundProcess struct {
	ID          string
	CommandID   string
	TaskID      string
	CommandLine string
	PID         int
	StartedAt   time.Time

	cmd      *exec.Cmd
	stdout   *tailBuffer
	stderr   *tailBuffer
	stopped  atomic.Bool
	exitCode int
	endedAt  time.Time
	done     chan struct{}
	notified chan struct{}
}

// Done is closed once the process has exited and its output is drained.
func (p *BackgroundProcess) Done() <-chan struct{} {
	return p.done
}

// Output returns the bounded capture so far.
func (p *BackgroundProcess) Output() (stdout, stderr string) {
	return p.stdout.String(), p.stderr.String()
}

func (p *BackgroundProcess) snippet() string {
	stdout, stderr := p.Output()
	out := stdout
	if stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	if len(out) > snippetLimit {
		out = out[len(out)-snippetLimit:]
	}
	return out
}

// pump drains both pipes, then reaps the process.
func (p *BackgroundProcess) pump(stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(p.stdout, stdout)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(p.stderr, stderr)
		return err
	})
	go func() {
		_ = g.Wait()
		_ = p.cmd.Wait()
		p.exitCode = exitCode(p.cmd)
		p.endedAt = time.Now()
		close(p.done)
	}()
}

// BackgroundExit describes a registered process that has finished.
type BackgroundExit struct {
	ID        string
	CommandID string
	TaskID    string
	PID       int
	ExitCode  int
	Stopped   bool
	Duration  time.Duration
	Snippet   string
}

// Registry tracks running background processes.
type Registry struct {
	mu    sync.Mutex
	procs map[string]*BackgroundProcess
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*BackgroundProcess)}
}

func (r *Registry) add(p *BackgroundProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.ID] = p
}

func (r *Registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[id]; !ok {
		return false
	}
	delete(r.procs, id)
	return true
}

// Get returns the process registered under id.
func (r *Registry) Get(id string) (*BackgroundProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	return p, ok
}

// Len returns the number of running background processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// List returns running processes oldest first.
func (r *Registry) List() []*BackgroundProcess {
	r.mu.Lock()
	out := make([]*BackgroundProcess, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// runBackground starts the command and waits up to the grace period. A
// process that exits in time yields an ordinary result; otherwise it is
// registered and reported as running.
func (e *LocalExec) runBackground(ctx context.Context, req connectors.Request, exe string, args []string) (*connectors.ExecResult, bool, error) {
	cmd := command(exe, args, req.Dir)
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, false, fmt.Errorf("stderr pipe: %w", err)
	}

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

	proc := &BackgroundProcess{
		ID:          uuid.NewString(),
		CommandID:   req.ID,
		TaskID:      req.TaskID,
		CommandLine: req.Line(),
		PID:         cmd.Process.Pid,
		StartedAt:   res.StartedAt,
		cmd:         cmd,
		stdout:      newTailBuffer(e.captureLimit),
		stderr:      newTailBuffer(e.captureLimit),
		done:        make(chan struct{}),
		notified:    make(chan struct{}),
	}
	proc.pump(stdoutPipe, stderrPipe)

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case <-proc.Done():
		res.ExitCode = proc.exitCode
		res.Stdout, res.Stderr = proc.Output()
		res.Duration = proc.endedAt.Sub(res.StartedAt)
		return res, false, nil
	case <-ctx.Done():
		_ = killTree(cmd)
		<-proc.Done()
		return nil, false, fmt.Errorf("command %s: %w", exe, ctx.Err())
	case <-grace.C:
	}

	e.registry.add(proc)
	go e.watch(proc)

	e.logger.Info("command moved to background",
		zap.String("id", proc.ID),
		zap.String("command", proc.CommandLine),
		zap.Int("pid", proc.PID),
	)

	res.Background = true
	res.PID = proc.PID
	res.ExitCode = req.ExpectedExitCode
	res.Stdout, res.Stderr = proc.Output()
	res.Duration = time.Since(res.StartedAt)
	return res, false, nil
}

// watch is the single consumer of a registered process's completion.
func (e *LocalExec) watch(p *BackgroundProcess) {
	defer close(p.notified)
	<-p.Done()
	e.registry.remove(p.ID)

	exit := BackgroundExit{
		ID:        p.ID,
		CommandID: p.CommandID,
		TaskID:    p.TaskID,
		PID:       p.PID,
		ExitCode:  p.exitCode,
		Stopped:   p.stopped.Load(),
		Duration:  p.endedAt.Sub(p.StartedAt),
		Snippet:   p.snippet(),
	}
	e.logger.Info("background command exited",
		zap.String("id", p.ID),
		zap.Int("pid", p.PID),
		zap.Int("exit_code", exit.ExitCode),
		zap.Bool("stopped", exit.Stopped),
	)
	if e.onExit != nil {
		e.onExit(exit)
	}
}

// Stop kills a background process tree and waits for its exit callback.
func (e *LocalExec) Stop(id string) error {
	p, ok := e.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcess, id)
	}
	p.stopped.Store(true)
	if err := killTree(p.cmd); err != nil {
		e.logger.Warn("kill background process", zap.Int("pid", p.PID), zap.Error(err))
	}

	select {
	case <-p.notified:
	case <-time.After(stopWait):
		e.registry.remove(id)
		return fmt.Errorf("background process %d did not exit within %s", p.PID, stopWait)
	}
	return nil
}

// StopAll stops every registered process.
func (e *LocalExec) StopAll() error {
	var errs []error
	for _, p := range e.registry.List() {
		if err := e.Stop(p.ID); err != nil && !errors.Is(err, ErrUnknownProcess) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
