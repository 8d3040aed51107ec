// Package models defines the core domain types for cascade.
package models

import "time"

// TaskType classifies a node in the work tree.
type TaskType string

const (
	TaskTypeRoot     TaskType = "root"
	TaskTypePhase    TaskType = "phase"
	TaskTypeWorker   TaskType = "worker"
	TaskTypeResearch TaskType = "research"
)

// ParseTaskType maps free text from a persona reply to a TaskType.
// Unknown values become workers.
func ParseTaskType(s string) TaskType {
	switch TaskType(normalize(s)) {
	case TaskTypeRoot:
		return TaskTypeRoot
	case TaskTypePhase:
		return TaskTypePhase
	case TaskTypeResearch:
		return TaskTypeResearch
	default:
		return TaskTypeWorker
	}
}

// IsManager reports whether nodes of this type coordinate other nodes rather
// than doing leaf work.
func (t TaskType) IsManager() bool {
	return t == TaskTypeRoot || t == TaskTypePhase
}

// Strategy is the delegator's decision for a task.
type Strategy string

const (
	StrategySkip      Strategy = "skip"
	StrategyResearch  Strategy = "research"
	StrategyExecute   Strategy = "execute"
	StrategyDecompose Strategy = "decompose"
)

// ParseStrategy maps free text to a Strategy. ok is false for unknown values.
func ParseStrategy(s string) (Strategy, bool) {
	switch Strategy(normalize(s)) {
	case StrategySkip:
		return StrategySkip, true
	case StrategyResearch:
		return StrategyResearch, true
	case StrategyExecute:
		return StrategyExecute, true
	case StrategyDecompose:
		return StrategyDecompose, true
	}
	return "", false
}

// TaskState represents the lifecycle state of a task node.
type TaskState string

const (
	TaskStatePending   TaskState = "pending"
	TaskStatePlanning  TaskState = "planning"
	TaskStateExecuting TaskState = "executing"
	TaskStateVerifying TaskState = "verifying"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateSkipped   TaskState = "skipped"
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateSucceeded, TaskStateFailed, TaskStateSkipped, TaskStateCancelled:
		return true
	}
	return false
}

// Rank orders states along the forward-only lifecycle.
func (s TaskState) Rank() int {
	switch s {
	case TaskStatePending:
		return 0
	case TaskStatePlanning:
		return 1
	case TaskStateExecuting:
		return 2
	case TaskStateVerifying:
		return 3
	}
	return 4
}

// ContextStatus is the operational status of an execution context.
type ContextStatus string

const (
	ContextPlanned         ContextStatus = "planned"
	ContextPendingApproval ContextStatus = "pending_approval"
	ContextInProgress      ContextStatus = "in_progress"
	ContextSucceeded       ContextStatus = "succeeded"
	ContextFailed          ContextStatus = "failed"
	ContextSkipped         ContextStatus = "skipped"
)

// DangerLevel is the hazard a command declares for itself.
type DangerLevel string

const (
	DangerSafe      DangerLevel = "safe"
	DangerDangerous DangerLevel = "dangerous"
	DangerCritical  DangerLevel = "critical"
)

// RiskLevel is the ordinal rank a danger level maps to.
type RiskLevel int

const (
	RiskLow RiskLevel = iota + 1
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	}
	return "unknown"
}

// Command describes one OS command proposed by a persona.
type Command struct {
	ID               string      `json:"id,omitempty"`
	Description      string      `json:"description,omitempty"`
	Executable       string      `json:"executable"`
	Arguments        []string    `json:"arguments,omitempty"`
	WorkingDirectory string      `json:"workingDirectory,omitempty"`
	DangerLevel      DangerLevel `json:"dangerLevel,omitempty"`
	ExpectedExitCode int         `json:"expectedExitCode"`
	RunInBackground  bool        `json:"runInBackground,omitempty"`
	MaxRunSeconds    int         `json:"maxRunSeconds,omitempty"`
}

// Line renders the command the way a shell would receive it.
func (c Command) Line() string {
	line := c.Executable
	for _, a := range c.Arguments {
		line += " " + quoteArg(a)
	}
	return line
}

// Channel attributes model usage to a decision family.
type Channel string

const (
	ChannelPlanner           Channel = "planner"
	ChannelRepair            Channel = "repair"
	ChannelFailureResolution Channel = "failure_resolution"
	ChannelGeneral           Channel = "general"
)

// UsageSnapshot is an immutable copy of run-wide usage counters.
type UsageSnapshot struct {
	TotalRequests             int             `json:"total_requests"`
	PlannerRequests           int             `json:"planner_requests"`
	RepairRequests            int             `json:"repair_requests"`
	FailureResolutionRequests int             `json:"failure_resolution_requests"`
	SuccessfulRequests        int             `json:"successful_requests"`
	FailedRequests            int             `json:"failed_requests"`
	PromptTokens              int             `json:"prompt_tokens"`
	CompletionTokens          int             `json:"completion_tokens"`
	TokensByChannel           map[Channel]int `json:"tokens_by_channel"`
	SucceededTasks            int             `json:"succeeded_tasks"`
	FailedTasks               int             `json:"failed_tasks"`
	SkippedTasks              int             `json:"skipped_tasks"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// FactKind classifies a blackboard entry.
type FactKind string

const (
	FactGeneral     FactKind = "general"
	FactFileCreated FactKind = "file_created"
	FactFileUpdated FactKind = "file_updated"
	FactFileDeleted FactKind = "file_deleted"
)

// Fact is one entry on the shared blackboard.
type Fact struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	Detail     string    `json:"detail,omitempty"`
	File       string    `json:"file,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	Kind       FactKind  `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Heuristic is a success criterion produced before the run starts.
type Heuristic struct {
	Description string `json:"description"`
	Mandatory   bool   `json:"mandatory"`
	Evidence    string `json:"evidence,omitempty"`
}

// HeuristicVerdict is the auditor's judgement of one heuristic.
type HeuristicVerdict struct {
	Index  int    `json:"index"`
	Passed bool   `json:"passed"`
	Notes  string `json:"notes,omitempty"`
}

// RunStatus is the single terminal status a run surfaces.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord is the journal row for one assignment.
type RunRecord struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	Workspace     string     `json:"workspace"`
	Status        RunStatus  `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FinalAnswer   string     `json:"final_answer,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

// CommandRun represents one execution attempt of a command.
type CommandRun struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	TaskID     string    `json:"task_id"`
	Command    string    `json:"command"`
	Args       []string  `json:"args"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	TimedOut   bool      `json:"timed_out"`
	Background bool      `json:"background"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id,omitempty"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
