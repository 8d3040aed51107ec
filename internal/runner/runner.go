// Package runner is the supervisor of one assignment. It plans the root,
// pops tasks off the depth-first queue, routes each one through delegation
// and then decomposition, research or command execution, and closes the run
// with an audit against the success criteria.
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/artifacts"
	"github.com/fentz26/cascade/internal/audit"
	"github.com/fentz26/cascade/internal/connectors/localexec"
	"github.com/fentz26/cascade/internal/controlplane"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/persona"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/scheduler"
	"github.com/fentz26/cascade/internal/tasktree"
	"github.com/fentz26/cascade/internal/toolchain"
	"github.com/fentz26/cascade/internal/workspace"
)

var (
	// ErrEmptyPrompt is returned when a run is created without an assignment.
	ErrEmptyPrompt = errors.New("assignment prompt is empty")
	// ErrNoChat is returned when a run is created without a model client.
	ErrNoChat = errors.New("no chat client configured")
)

// Journal persists a run. *store.Store satisfies it.
type Journal interface {
	controlplane.Journal
	audit.Sink
	CreateRun(prompt, workspace string) (*models.RunRecord, error)
	FinishRun(id string, status models.RunStatus, failureReason, finalAnswer string) error
}

// Config holds the limits of one run.
type Config struct {
	Scheduler         *scheduler.Config
	Budget            tasktree.Budget
	MaxRequests       int
	MaxExecutions     int
	MaxRepairAttempts int
	Tolerance         policy.Tolerance
	Workspace         workspace.Options
}

// Options configures a Runner. Only Prompt and Chat are required.
type Options struct {
	Prompt    string
	Workspace string
	Config    Config
	Chat      persona.Chatter
	Approver  policy.Approver
	Journal   Journal
	// Fs is where the workspace is tracked and artifacts are written.
	// Commands always run against the OS file system.
	Fs        afero.Fs
	Artifacts artifacts.Writer
	Registry  *prometheus.Registry
	Logger    *zap.Logger
	Tracer    trace.Tracer
	Notify    func(controlplane.Event)
	// RetryInterval overrides the persona retry back-off.
	RetryInterval time.Duration
	ExecOptions   []localexec.Option
	// Toolchain, when set, records the host's tools as facts before
	// planning.
	Toolchain *toolchain.Detector
}

// Result is the outcome of a finished run.
type Result struct {
	RunID         string
	Status        models.RunStatus
	FailureReason string
	FinalAnswer   string
	Usage         models.UsageSnapshot
	Heuristics    []models.Heuristic
	Verdicts      []models.HeuristicVerdict
}

// Runner supervises a single assignment. Run may be called once.
type Runner struct {
	cfg       Config
	workspace string
	logger    *zap.Logger
	tracer    trace.Tracer
	journal   Journal

	ctrl      *controlplane.Controller
	personas  *persona.Orchestrator
	gate      *policy.Gate
	exec      *localexec.LocalExec
	tracker   *workspace.Tracker
	artifacts artifacts.Writer
	toolchain *toolchain.Detector

	paused atomic.Bool

	rootID     string
	plan       *persona.PlanReply
	heuristics []models.Heuristic

	deferred []string
	progress int
}

// New wires a runner and, when a journal is set, records the run.
func New(opts Options) (*Runner, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	if opts.Chat == nil {
		return nil, ErrNoChat
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/fentz26/cascade/internal/runner")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	cfg := opts.Config
	if cfg.Scheduler == nil {
		cfg.Scheduler = scheduler.DefaultConfig()
	}
	if cfg.Workspace.IgnoreDirs == nil && cfg.Workspace.IgnoreExts == nil {
		defaults := workspace.DefaultOptions()
		defaults.IgnoreGlobs = cfg.Workspace.IgnoreGlobs
		cfg.Workspace = defaults
	}

	ws := opts.Workspace
	if abs, err := filepath.Abs(ws); err == nil {
		ws = abs
	}
	tracker, err := workspace.New(opts.Fs, ws, cfg.Workspace, opts.Logger)
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	var sink audit.Sink
	if opts.Journal != nil {
		rec, err := opts.Journal.CreateRun(opts.Prompt, ws)
		if err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
		runID = rec.ID
		sink = opts.Journal
	}
	logger := opts.Logger.With(zap.String("run_id", runID))

	writer := opts.Artifacts
	if writer == nil {
		writer = artifacts.NewDir(opts.Fs, artifacts.RunDir(ws, runID), logger)
	}

	r := &Runner{
		cfg:       cfg,
		workspace: ws,
		logger:    logger,
		tracer:    opts.Tracer,
		journal:   opts.Journal,
		tracker:   tracker,
		artifacts: writer,
		toolchain: opts.Toolchain,
	}

	pdr := audit.NewPDRWriter(sink, runID)
	r.ctrl = controlplane.New(controlplane.Options{
		RunID:             runID,
		Prompt:            opts.Prompt,
		Workspace:         ws,
		Budget:            cfg.Budget,
		MaxRequests:       cfg.MaxRequests,
		MaxExecutions:     cfg.MaxExecutions,
		MaxRepairAttempts: cfg.MaxRepairAttempts,
		Journal:           opts.Journal,
		Audit:             pdr,
		Registry:          opts.Registry,
		Logger:            logger,
		Notify:            opts.Notify,
	})
	r.personas = persona.New(persona.Options{
		Chat:          opts.Chat,
		Controller:    r.ctrl,
		Logger:        logger,
		Tracer:        opts.Tracer,
		RetryInterval: opts.RetryInterval,
		OnReply: func(role persona.Role, taskID, text string) {
			if role == persona.RolePlanner {
				r.artifacts.PlannerReply(taskID, text)
			}
		},
	})
	r.gate = policy.NewGate(cfg.Tolerance, opts.Approver, pdr, logger)

	execOpts := []localexec.Option{
		localexec.WithLogger(logger),
		localexec.WithTracer(opts.Tracer),
		localexec.WithOnExit(func(e localexec.BackgroundExit) {
			r.ctrl.BackgroundExited(e.TaskID, e.PID, e.ExitCode, e.Stopped, e.Snippet)
		}),
	}
	r.exec = localexec.New(append(execOpts, opts.ExecOptions...)...)
	return r, nil
}

// Controller exposes the run's control plane, e.g. for the status server.
func (r *Runner) Controller() *controlplane.Controller {
	return r.ctrl
}

// Pause stops the loop before its next task. Work in flight finishes.
func (r *Runner) Pause() {
	if !r.paused.Swap(true) {
		r.ctrl.Log("", "run paused")
	}
}

// Resume continues a paused loop.
func (r *Runner) Resume() {
	if r.paused.Swap(false) {
		r.ctrl.Log("", "run resumed")
	}
}

// Paused reports whether the loop is paused.
func (r *Runner) Paused() bool {
	return r.paused.Load()
}

// Run drives the assignment until the queue drains or ctx is cancelled.
// The returned error is reserved for setup problems; task and run failures
// are reported in the Result.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	info := r.ctrl.RunInfo()
	ctx, span := r.tracer.Start(ctx, "runner.Run", trace.WithAttributes(
		attribute.String("run.id", info.ID),
		attribute.String("run.workspace", info.Workspace),
	))
	defer span.End()

	r.logger.Info("run started", zap.String("workspace", info.Workspace))

	root, err := r.ctrl.CreateRoot(info.Prompt)
	if err != nil {
		return nil, err
	}
	r.rootID = root.ID

	if err := r.tracker.Reset(); err != nil {
		reason := "blocked: " + err.Error()
		r.ctrl.Log(root.ID, "%s", reason)
		if ferr := r.ctrl.Finish(root.ID, models.TaskStateFailed, reason); ferr != nil {
			r.logger.Warn("finish root", zap.Error(ferr))
		}
		// Artifacts live inside the workspace; never create it here.
		r.artifacts = artifacts.Nop{}
		return r.finish(models.RunStatusFailed, reason, nil), nil
	}
	r.artifacts.Brief(info.Prompt, info.Workspace)
	r.probeToolchain(ctx, root.ID)

	loopErr := r.loop(ctx)
	r.stopBackground()

	if loopErr != nil && ctx.Err() != nil {
		r.cancelOpen()
		return r.finish(models.RunStatusCancelled, "cancelled by operator", nil), nil
	}
	if loopErr != nil {
		r.logger.Error("supervisor loop", zap.Error(loopErr))
	}
	r.failLeftovers()

	status, reason, verdicts := r.conclude(ctx)
	span.SetAttributes(attribute.String("run.status", string(status)))
	return r.finish(status, reason, verdicts), nil
}

func (r *Runner) probeToolchain(ctx context.Context, rootID string) {
	if r.toolchain == nil {
		return
	}
	tools := r.toolchain.Scan(ctx)
	for _, t := range tools {
		r.ctrl.RecordFact(models.Fact{Summary: t.Summary(), TaskID: rootID, Kind: models.FactGeneral})
	}
	r.logger.Debug("toolchain probed", zap.Int("tools", len(tools)))
}

// loop pops tasks until the queue and the deferred list are exhausted.
func (r *Runner) loop(ctx context.Context) error {
	q := r.ctrl.Queue()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.waitWhilePaused(ctx); err != nil {
			return err
		}
		if q.Count() == 0 && !r.requeueDeferred() {
			return nil
		}
		id, err := q.Pop()
		if errors.Is(err, scheduler.ErrEmptyQueue) {
			continue
		}
		if err := r.process(ctx, id); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("task processing failed", zap.String("task_id", id), zap.Error(err))
			r.failTask(id, err.Error())
		}
	}
}

func (r *Runner) waitWhilePaused(ctx context.Context) error {
	interval := r.cfg.Scheduler.GetPauseInterval()
	for r.paused.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil
}

// requeueDeferred pushes tasks that waited on dependencies back onto the
// queue. When nothing progressed since the last requeue they can never run
// and are skipped instead. It reports whether the loop has work left.
func (r *Runner) requeueDeferred() bool {
	if len(r.deferred) == 0 {
		return false
	}
	pending := r.deferred
	r.deferred = nil
	if r.progress == 0 {
		for _, id := range pending {
			r.skip(id, "dependencies never resolved", false)
		}
		return r.ctrl.Queue().Count() > 0 || len(r.deferred) > 0
	}
	r.progress = 0
	r.ctrl.Queue().PushAll(pending)
	return true
}

func (r *Runner) stopBackground() {
	if n := r.exec.Registry().Len(); n > 0 {
		r.ctrl.Log("", "stopping %d background processes", n)
	}
	if err := r.exec.StopAll(); err != nil {
		r.logger.Warn("stop background processes", zap.Error(err))
	}
}

// openTasks lists non-terminal tasks with descendants before ancestors.
func (r *Runner) openTasks() []string {
	var ids []string
	r.ctrl.Tree().Walk(func(t tasktree.Task) {
		if !t.State.IsTerminal() {
			ids = append(ids, t.ID)
		}
	})
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

func (r *Runner) cancelOpen() {
	r.ctrl.Queue().Clear()
	for _, id := range r.openTasks() {
		if t, ok := r.ctrl.Tree().Get(id); ok && !t.State.IsTerminal() {
			if err := r.ctrl.Finish(id, models.TaskStateCancelled, "cancelled"); err != nil {
				r.logger.Debug("cancel task", zap.String("task_id", id), zap.Error(err))
			}
		}
	}
}

func (r *Runner) failLeftovers() {
	for _, id := range r.openTasks() {
		if t, ok := r.ctrl.Tree().Get(id); ok && !t.State.IsTerminal() {
			r.failTask(id, "never resolved")
		}
	}
}

func (r *Runner) failTask(id, reason string) {
	if err := r.ctrl.Finish(id, models.TaskStateFailed, reason); err != nil {
		r.logger.Debug("fail task", zap.String("task_id", id), zap.Error(err))
	}
}

// conclude derives the run status from the root and the audit verdict.
// An unavailable auditor leaves the decision to the root alone.
func (r *Runner) conclude(ctx context.Context) (models.RunStatus, string, []models.HeuristicVerdict) {
	root, _ := r.ctrl.Tree().Get(r.rootID)
	if root.State != models.TaskStateSucceeded {
		return models.RunStatusFailed, fmt.Sprintf("root task %s: %s", root.State, root.Stage), nil
	}
	if len(r.heuristics) == 0 {
		return models.RunStatusCompleted, "", nil
	}

	reply, err := r.personas.EvaluateResult(ctx, r.rootID, r.heuristics, r.evidence())
	if err != nil {
		r.ctrl.Log(r.rootID, "audit unavailable, judging by task outcome: %v", err)
		return models.RunStatusCompleted, "", nil
	}
	if s := persona.Summary(r.heuristics, reply.Heuristics); s != "" {
		r.ctrl.Log(r.rootID, "audit:\n%s", strings.TrimRight(s, "\n"))
	}
	if !persona.OverallSuccess(r.heuristics, reply.Heuristics) {
		return models.RunStatusFailed, "success criteria not met", reply.Heuristics
	}
	return models.RunStatusCompleted, "", reply.Heuristics
}

// finish records the outcome everywhere it is reported.
func (r *Runner) finish(status models.RunStatus, reason string, verdicts []models.HeuristicVerdict) *Result {
	r.ctrl.SetRunStatus(status, reason)
	answer := r.finalAnswer(status, reason, verdicts)

	if r.journal != nil {
		if err := r.journal.FinishRun(r.ctrl.RunID(), status, reason, answer); err != nil {
			r.logger.Warn("journal run finish", zap.Error(err))
		}
	}
	if _, err := r.ctrl.Audit().Record("run.finish", map[string]interface{}{"status": status, "reason": reason}, string(status), r.rootID, reason); err != nil {
		r.logger.Warn("audit run finish", zap.Error(err))
	}

	r.artifacts.FinalAnswer(answer)
	r.artifacts.SystemLog(r.logLines())
	r.ctrl.Tree().Walk(func(t tasktree.Task) {
		r.artifacts.TaskReport(t.ID, taskReport(t))
	})

	usage := r.ctrl.Usage()
	r.logger.Info("run finished",
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Int("requests", usage.TotalRequests),
		zap.Int("succeeded_tasks", usage.SucceededTasks),
		zap.Int("failed_tasks", usage.FailedTasks),
	)
	return &Result{
		RunID:         r.ctrl.RunID(),
		Status:        status,
		FailureReason: reason,
		FinalAnswer:   answer,
		Usage:         usage,
		Heuristics:    r.heuristics,
		Verdicts:      verdicts,
	}
}

func (r *Runner) finalAnswer(status models.RunStatus, reason string, verdicts []models.HeuristicVerdict) string {
	var b strings.Builder
	switch {
	case r.plan != nil && strings.TrimSpace(r.plan.Answer) != "":
		b.WriteString(strings.TrimSpace(r.plan.Answer))
	case status == models.RunStatusCompleted:
		b.WriteString("Assignment completed.")
	default:
		fmt.Fprintf(&b, "Run %s: %s", status, reason)
	}
	if len(verdicts) > 0 {
		b.WriteString("\n\n## Success criteria\n\n")
		b.WriteString(persona.Summary(r.heuristics, verdicts))
	}
	return b.String()
}

func (r *Runner) logLines() []string {
	lines := r.ctrl.Logs()
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		prefix := l.Time.Format(time.RFC3339)
		if l.TaskID != "" {
			prefix += " [" + l.TaskID + "]"
		}
		out = append(out, prefix+" "+l.Text)
	}
	return out
}

// evidence summarises the finished tree and the blackboard for the auditor.
func (r *Runner) evidence() string {
	var b strings.Builder
	b.WriteString("Tasks:\n")
	r.ctrl.Tree().Walk(func(t tasktree.Task) {
		fmt.Fprintf(&b, "%s- [%s] %s", strings.Repeat("  ", t.Depth), t.State, t.Intent)
		if t.Stage != "" {
			fmt.Fprintf(&b, " (%s)", t.Stage)
		}
		b.WriteString("\n")
	})
	facts := r.ctrl.RecentFacts(0)
	if len(facts) > 0 {
		b.WriteString("\nFacts:\n")
		for i := len(facts) - 1; i >= 0; i-- {
			fmt.Fprintf(&b, "- %s\n", facts[i].Summary)
		}
	}
	return b.String()
}

func taskReport(t tasktree.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", t.ID)
	fmt.Fprintf(&b, "- Intent: %s\n", t.Intent)
	fmt.Fprintf(&b, "- Type: %s\n", t.Type)
	fmt.Fprintf(&b, "- State: %s\n", t.State)
	if t.Strategy != "" {
		fmt.Fprintf(&b, "- Strategy: %s\n", t.Strategy)
	}
	if t.Stage != "" {
		fmt.Fprintf(&b, "- Stage: %s\n", t.Stage)
	}
	if t.IsRepair {
		b.WriteString("- Repair task\n")
	}
	ec := t.Context
	if ec == nil {
		return b.String()
	}
	if len(ec.Commands) > 0 {
		b.WriteString("\n## Commands\n\n")
		for _, c := range ec.Commands {
			fmt.Fprintf(&b, "- `%s`\n", c.Line())
		}
	}
	if len(ec.RepairHistory) > 0 {
		b.WriteString("\n## Repair history\n\n")
		for _, h := range ec.RepairHistory {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if ec.LastResult != "" {
		b.WriteString("\n## Last result\n\n```\n" + ec.LastResult + "\n```\n")
	}
	if ec.Log != "" {
		b.WriteString("\n## Log\n\n```\n" + ec.Log + "\n```\n")
	}
	return b.String()
}
