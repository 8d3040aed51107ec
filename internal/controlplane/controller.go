// Package controlplane owns run-wide state for one assignment: the task
// tree and queue, identity and dedup caches, budgets, usage, the fact
// blackboard, the run log and upward state propagation. It also serves a
// read-only status API over HTTP.
package controlplane

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/audit"
	"github.com/fentz26/cascade/internal/connectors"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/scheduler"
	"github.com/fentz26/cascade/internal/tasktree"
)

// repairContextLimit bounds the failure context carried into a repair task.
const repairContextLimit = 2000

// Journal persists what the controller observes. *store.Store satisfies it.
type Journal interface {
	AddFact(runID string, f models.Fact) (*models.Fact, error)
	CreateCommandRun(runID, taskID, command string, args []string, background bool) (*models.CommandRun, error)
	UpdateCommandRun(id string, exitCode int, stdout, stderr string, timedOut bool) error
}

// Options configures a Controller.
type Options struct {
	RunID             string
	Prompt            string
	Workspace         string
	Budget            tasktree.Budget
	MaxRequests       int
	MaxExecutions     int
	MaxRepairAttempts int
	LogCapacity       int
	Journal           Journal
	Audit             *audit.PDRWriter
	Registry          *prometheus.Registry
	Logger            *zap.Logger
	// Notify is invoked synchronously for every event, possibly from
	// background-process goroutines.
	Notify func(Event)
}

// RunInfo describes the assignment the controller serves.
type RunInfo struct {
	ID            string           `json:"id"`
	Prompt        string           `json:"prompt"`
	Workspace     string           `json:"workspace"`
	Status        models.RunStatus `json:"status"`
	FailureReason string           `json:"failure_reason,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
}

// BudgetSnapshot reports budget consumption.
type BudgetSnapshot struct {
	RequestsUsed    int `json:"requests_used"`
	RequestsLimit   int `json:"requests_limit"`
	ExecutionsUsed  int `json:"executions_used"`
	ExecutionsLimit int `json:"executions_limit"`
}

// Controller is the single coordination point of a run. Each concern has
// its own lock.
type Controller struct {
	tree    *tasktree.Tree
	queue   *scheduler.Queue
	logger  *zap.Logger
	journal Journal
	audit   *audit.PDRWriter
	metrics *controllerMetrics
	notify  func(Event)
	logs    *LogRing

	maxRepairAttempts int

	runMu sync.Mutex
	run   RunInfo

	idMu    sync.Mutex
	usedIDs map[string]struct{}
	order   atomic.Int64

	requests   *budget
	executions *budget

	dedupMu   sync.Mutex
	satisfied map[string]struct{}

	usageMu sync.Mutex
	usage   models.UsageSnapshot

	factsMu sync.RWMutex
	facts   []models.Fact
}

// New creates a controller for one assignment.
func New(opts Options) *Controller {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Budget == (tasktree.Budget{}) {
		opts.Budget = tasktree.DefaultBudget()
	}
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	if opts.MaxExecutions <= 0 {
		opts.MaxExecutions = DefaultMaxExecutions
	}
	if opts.MaxRepairAttempts <= 0 {
		opts.MaxRepairAttempts = tasktree.DefaultMaxRepairAttempts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Audit == nil {
		opts.Audit = audit.NewPDRWriter(nil, opts.RunID)
	}

	return &Controller{
		tree:              tasktree.New(opts.Budget),
		queue:             scheduler.New(),
		logger:            opts.Logger.With(zap.String("run_id", opts.RunID)),
		journal:           opts.Journal,
		audit:             opts.Audit,
		metrics:           newControllerMetrics(opts.Registry),
		notify:            opts.Notify,
		logs:              NewLogRing(opts.LogCapacity),
		maxRepairAttempts: opts.MaxRepairAttempts,
		run: RunInfo{
			ID:        opts.RunID,
			Prompt:    opts.Prompt,
			Workspace: opts.Workspace,
			Status:    models.RunStatusRunning,
			StartedAt: time.Now().UTC(),
		},
		usedIDs:    make(map[string]struct{}),
		requests:   newBudget(opts.MaxRequests),
		executions: newBudget(opts.MaxExecutions),
		satisfied:  make(map[string]struct{}),
		usage:      models.UsageSnapshot{TokensByChannel: make(map[models.Channel]int)},
	}
}

// Tree returns the task tree.
func (c *Controller) Tree() *tasktree.Tree { return c.tree }

// Queue returns the run's scheduler queue.
func (c *Controller) Queue() *scheduler.Queue { return c.queue }

// Audit returns the decision record writer.
func (c *Controller) Audit() *audit.PDRWriter { return c.audit }

// RunID returns the assignment id.
func (c *Controller) RunID() string { return c.RunInfo().ID }

// RunInfo returns a copy of the run description.
func (c *Controller) RunInfo() RunInfo {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.run
}

// SetRunStatus records the run's terminal status.
func (c *Controller) SetRunStatus(status models.RunStatus, reason string) {
	c.runMu.Lock()
	c.run.Status = status
	c.run.FailureReason = reason
	c.runMu.Unlock()
}

func (c *Controller) emit(e Event) {
	if c.notify == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	c.notify(e)
}

// --- Identity ---

// NewTaskID returns base if unused, else base-1, base-2 and so on.
func (c *Controller) NewTaskID(base string) string {
	base = slug(base)
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := base
	for i := 1; ; i++ {
		if _, used := c.usedIDs[id]; !used {
			break
		}
		id = base + "-" + strconv.Itoa(i)
	}
	c.usedIDs[id] = struct{}{}
	return id
}

// NextOrder returns a monotonically increasing creation number.
func (c *Controller) NextOrder() int64 {
	return c.order.Add(1)
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
		if b.Len() >= 48 {
			break
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "task"
	}
	return out
}

// --- Tasks ---

// CreateRoot adds the root task and pushes it on the queue.
func (c *Controller) CreateRoot(intent string) (tasktree.Task, error) {
	id := c.NewTaskID("root")
	task, err := c.tree.AddRoot(id, intent, c.NextOrder())
	if err != nil {
		return tasktree.Task{}, err
	}
	if _, err := c.tree.BindContext(id, c.maxRepairAttempts); err != nil {
		return tasktree.Task{}, err
	}
	c.queue.Push(id)
	c.emit(Event{Type: EventTaskCreated, TaskID: id, Intent: intent, State: task.State})
	return task, nil
}

// AddTask creates a child task with a context bound. It is not queued.
func (c *Controller) AddTask(parentID, baseID, intent string, typ models.TaskType) (tasktree.Task, error) {
	id := c.NewTaskID(baseID)
	task, err := c.tree.AddChild(parentID, id, intent, typ, c.NextOrder())
	if err != nil {
		return tasktree.Task{}, err
	}
	if _, err := c.tree.BindContext(id, c.maxRepairAttempts); err != nil {
		return tasktree.Task{}, err
	}
	c.emit(Event{Type: EventTaskCreated, TaskID: id, ParentID: parentID, Intent: intent, State: task.State})
	return task, nil
}

// Advance moves a task to a non-terminal state.
func (c *Controller) Advance(id string, state models.TaskState, stage string) error {
	task, err := c.tree.Transition(id, state, stage)
	if err != nil {
		return err
	}
	c.emit(Event{Type: EventTaskState, TaskID: id, State: task.State, Stage: stage})
	return nil
}

// SetStage updates a task's progress note.
func (c *Controller) SetStage(id, stage string) {
	if err := c.tree.SetStage(id, stage); err == nil {
		task, _ := c.tree.Get(id)
		c.emit(Event{Type: EventTaskState, TaskID: id, State: task.State, Stage: stage})
	}
}

// Finish moves a task to a terminal state and re-evaluates its ancestors.
func (c *Controller) Finish(id string, state models.TaskState, stage string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("finish %s: %s is not terminal", id, state)
	}
	task, err := c.tree.Transition(id, state, stage)
	if err != nil {
		return err
	}
	c.afterTerminal(task)
	return c.propagate(task.ParentID)
}

func (c *Controller) afterTerminal(task tasktree.Task) {
	c.usageMu.Lock()
	switch task.State {
	case models.TaskStateSucceeded:
		c.usage.SucceededTasks++
	case models.TaskStateFailed:
		c.usage.FailedTasks++
	case models.TaskStateSkipped:
		c.usage.SkippedTasks++
	}
	c.usage.UpdatedAt = time.Now().UTC()
	c.usageMu.Unlock()

	if task.State == models.TaskStateSucceeded {
		c.MarkSatisfied(task.Intent)
	}
	c.metrics.observeTask(string(task.State))
	c.Log(task.ID, "task %s: %s", task.State, task.Stage)
	c.emit(Event{Type: EventTaskState, TaskID: task.ID, ParentID: task.ParentID, State: task.State, Stage: task.Stage})
}

// propagate walks upward while every child of the current parent is terminal.
func (c *Controller) propagate(parentID string) error {
	for parentID != "" {
		parent, ok := c.tree.Get(parentID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrTaskNotFound, parentID)
		}
		if parent.State.IsTerminal() {
			return nil
		}
		state, resolved := resolveChildren(c.tree.Children(parentID))
		if !resolved {
			return nil
		}
		task, err := c.tree.Transition(parentID, state, "children resolved")
		if err != nil {
			return err
		}
		c.afterTerminal(task)
		parentID = task.ParentID
	}
	return nil
}

// resolveChildren derives a parent's state once all children are terminal.
// Failed wins over Cancelled, and any Cancelled child cancels the parent.
func resolveChildren(children []tasktree.Task) (models.TaskState, bool) {
	if len(children) == 0 {
		return "", false
	}
	failed, cancelled := false, false
	for _, ch := range children {
		if !ch.State.IsTerminal() {
			return "", false
		}
		switch ch.State {
		case models.TaskStateFailed:
			failed = true
		case models.TaskStateCancelled:
			cancelled = true
		}
	}
	switch {
	case failed:
		return models.TaskStateFailed, true
	case cancelled:
		return models.TaskStateCancelled, true
	}
	return models.TaskStateSucceeded, true
}

// SpawnRepair creates one repair child under a failing task and queues it.
// The failing task stays open until the repair child resolves it.
func (c *Controller) SpawnRepair(id, failure string) (tasktree.Task, error) {
	task, ok := c.tree.Get(id)
	if !ok {
		return tasktree.Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.IsRepair {
		return tasktree.Task{}, ErrRepairNotAllowed
	}
	if task.Context != nil && task.Context.RepairScheduled {
		return tasktree.Task{}, ErrRepairScheduled
	}

	child, err := c.AddTask(id, id+"-repair", "Repair: "+task.Intent, models.TaskTypeWorker)
	if err != nil {
		return tasktree.Task{}, err
	}
	if err := c.tree.MarkRepair(child.ID); err != nil {
		return tasktree.Task{}, err
	}
	_ = c.tree.UpdateContext(child.ID, func(ec *tasktree.ExecutionContext) {
		ec.AggregatedContext = models.Truncate(failure, repairContextLimit)
	})
	_ = c.tree.UpdateContext(id, func(ec *tasktree.ExecutionContext) {
		ec.RepairScheduled = true
	})
	c.SetStage(id, "awaiting repair")
	c.queue.Push(child.ID)
	c.Log(id, "repair task %s scheduled", child.ID)

	child, _ = c.tree.Get(child.ID)
	return child, nil
}

// --- Budgets ---

// TryReserveRequest takes one unit of the model request budget.
func (c *Controller) TryReserveRequest() bool { return c.requests.tryReserve() }

// TryReserveExecution takes one unit of the task execution budget.
func (c *Controller) TryReserveExecution() bool { return c.executions.tryReserve() }

// ResetBudgets clears both counters.
func (c *Controller) ResetBudgets() {
	c.requests.reset()
	c.executions.reset()
}

// Budgets reports consumption of both counters.
func (c *Controller) Budgets() BudgetSnapshot {
	ru, rl := c.requests.snapshot()
	eu, el := c.executions.snapshot()
	return BudgetSnapshot{RequestsUsed: ru, RequestsLimit: rl, ExecutionsUsed: eu, ExecutionsLimit: el}
}

// --- Dedup ---

func intentKey(intent string) string {
	return strings.ToLower(strings.Join(strings.Fields(intent), " "))
}

// MarkSatisfied records an intent as complete.
func (c *Controller) MarkSatisfied(intent string) {
	c.dedupMu.Lock()
	c.satisfied[intentKey(intent)] = struct{}{}
	c.dedupMu.Unlock()
}

// IsSatisfied reports whether an equal intent already completed.
func (c *Controller) IsSatisfied(intent string) bool {
	c.dedupMu.Lock()
	defer c.dedupMu.Unlock()
	_, ok := c.satisfied[intentKey(intent)]
	return ok
}

// --- Usage ---

// RecordRequest accounts one model request on a channel.
func (c *Controller) RecordRequest(ch models.Channel, ok bool, promptTokens, completionTokens int) {
	c.usageMu.Lock()
	c.usage.TotalRequests++
	switch ch {
	case models.ChannelPlanner:
		c.usage.PlannerRequests++
	case models.ChannelRepair:
		c.usage.RepairRequests++
	case models.ChannelFailureResolution:
		c.usage.FailureResolutionRequests++
	}
	outcome := "success"
	if ok {
		c.usage.SuccessfulRequests++
	} else {
		c.usage.FailedRequests++
		outcome = "failure"
	}
	c.usage.PromptTokens += promptTokens
	c.usage.CompletionTokens += completionTokens
	c.usage.TokensByChannel[ch] += promptTokens + completionTokens
	c.usage.UpdatedAt = time.Now().UTC()
	snap := c.usageSnapshotLocked()
	c.usageMu.Unlock()

	c.metrics.observeRequest(string(ch), outcome, promptTokens, completionTokens)
	c.emit(Event{Type: EventUsage, Usage: &snap})
}

// Usage returns an immutable copy of the counters.
func (c *Controller) Usage() models.UsageSnapshot {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return c.usageSnapshotLocked()
}

func (c *Controller) usageSnapshotLocked() models.UsageSnapshot {
	snap := c.usage
	snap.TokensByChannel = make(map[models.Channel]int, len(c.usage.TokensByChannel))
	for k, v := range c.usage.TokensByChannel {
		snap.TokensByChannel[k] = v
	}
	return snap
}

// --- Facts ---

// RecordFact appends a fact to the blackboard and the journal.
func (c *Controller) RecordFact(f models.Fact) models.Fact {
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	if f.Kind == "" {
		f.Kind = models.FactGeneral
	}
	f.RecordedAt = time.Now().UTC()

	c.factsMu.Lock()
	c.facts = append(c.facts, f)
	c.factsMu.Unlock()

	if c.journal != nil {
		if _, err := c.journal.AddFact(c.RunID(), f); err != nil {
			c.logger.Warn("journal fact", zap.String("fact_id", f.ID), zap.Error(err))
		}
	}
	c.metrics.observeFact(string(f.Kind))
	c.emit(Event{Type: EventFact, TaskID: f.TaskID, Fact: &f})
	return f
}

// RecentFacts returns up to n facts newest first. n <= 0 returns all.
func (c *Controller) RecentFacts(n int) []models.Fact {
	c.factsMu.RLock()
	defer c.factsMu.RUnlock()
	if n <= 0 || n > len(c.facts) {
		n = len(c.facts)
	}
	out := make([]models.Fact, 0, n)
	for i := len(c.facts) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, c.facts[i])
	}
	return out
}

// --- Logs ---

// Log appends a line to the run log and, when taskID is set, to that
// task's cumulative log.
func (c *Controller) Log(taskID, format string, args ...interface{}) {
	text := fmt.Sprintf(format, args...)
	line := LogLine{Time: time.Now().UTC(), TaskID: taskID, Text: text}
	c.logs.Add(line)
	if taskID != "" {
		_ = c.tree.UpdateContext(taskID, func(ec *tasktree.ExecutionContext) {
			ec.AppendLog(line.Time.Format(time.RFC3339) + " " + text)
		})
	}
	c.logger.Debug(text, zap.String("task_id", taskID))
	c.emit(Event{Type: EventLog, TaskID: taskID, Line: text, Time: line.Time})
}

// Logs returns the retained run log oldest first.
func (c *Controller) Logs() []LogLine {
	return c.logs.Lines()
}

// --- Commands ---

// RunCommand executes one request through conn and journals the outcome.
func (c *Controller) RunCommand(ctx context.Context, conn connectors.Connector, req connectors.Request) (*connectors.ExecResult, error) {
	var recordID string
	if c.journal != nil {
		cr, err := c.journal.CreateCommandRun(c.RunID(), req.TaskID, req.Executable, req.Args, req.Background)
		if err != nil {
			c.logger.Warn("journal command run", zap.String("task_id", req.TaskID), zap.Error(err))
		} else {
			recordID = cr.ID
		}
	}

	result, execErr := conn.Execute(ctx, req)

	outcome := "success"
	var exitCode int
	var stdout, stderr string
	var timedOut bool

	if execErr != nil {
		outcome = "error"
		stderr = execErr.Error()
		exitCode = -1
	} else {
		exitCode = result.ExitCode
		stdout = result.Stdout
		stderr = result.Stderr
		timedOut = result.TimedOut
		switch {
		case result.TimedOut:
			outcome = "timeout"
		case !result.Succeeded(req.ExpectedExitCode):
			outcome = "failed"
		case result.Background:
			outcome = "background"
		}
	}

	if recordID != "" {
		if err := c.journal.UpdateCommandRun(recordID, exitCode, stdout, stderr, timedOut); err != nil {
			c.logger.Warn("journal command result", zap.String("id", recordID), zap.Error(err))
		}
	}

	if _, err := c.audit.Record("command.run", map[string]interface{}{"task_id": req.TaskID, "command": req.Executable, "args": req.Args}, outcome, req.TaskID, ""); err != nil {
		c.logger.Warn("audit command run", zap.Error(err))
	}
	c.metrics.observeCommand(outcome)
	c.Log(req.TaskID, "command %q finished: %s (exit %d)", req.Line(), outcome, exitCode)

	return result, execErr
}

// BackgroundExited appends the final output snippet of a background
// process to its task log. Safe to call from any goroutine.
func (c *Controller) BackgroundExited(taskID string, pid, exitCode int, stopped bool, snippet string) {
	how := "exited"
	if stopped {
		how = "stopped"
	}
	c.Log(taskID, "background process %d %s with code %d\n%s", pid, how, exitCode, snippet)
}
