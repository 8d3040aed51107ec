package tasktree

import (
	"time"

	"github.com/fentz26/cascade/internal/models"
)

// maxRepairHistory bounds ExecutionContext.RepairHistory.
const maxRepairHistory = 5

// DefaultMaxRepairAttempts is used when a context is bound without an explicit limit.
const DefaultMaxRepairAttempts = 2

// Task is one node of the work tree. Parent links are ids, never pointers.
type Task struct {
	ID         string
	Intent     string
	Type       models.TaskType
	ParentID   string
	Children   []string
	Depth      int
	Retention  float64
	Delegation float64
	Strategy   models.Strategy
	State      models.TaskState
	Stage      string
	Order      int64
	IsRepair   bool
	Context    *ExecutionContext
}

// IsRoot reports whether the node has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == ""
}

// ExecutionContext is the operational record bound 1:1 to a task.
type ExecutionContext struct {
	CreatedAt                 time.Time
	StartedAt                 *time.Time
	CompletedAt               *time.Time
	Attempts                  int
	MaxRepairAttempts         int
	Commands                  []models.Command
	Dependencies              []string
	LastResult                string
	Log                       string
	AggregatedContext         string
	RepairHistory             []string
	AllowsDependentsToProceed bool
	Status                    models.ContextStatus
	RepairScheduled           bool
}

// AppendLog adds a line to the cumulative log.
func (c *ExecutionContext) AppendLog(line string) {
	if c.Log != "" {
		c.Log += "\n"
	}
	c.Log += line
}

// AddRepairAttempt records a repair entry, keeping only the most recent ones.
func (c *ExecutionContext) AddRepairAttempt(entry string) {
	c.RepairHistory = append(c.RepairHistory, entry)
	if over := len(c.RepairHistory) - maxRepairHistory; over > 0 {
		c.RepairHistory = append([]string(nil), c.RepairHistory[over:]...)
	}
}

// MarkStarted stamps the start time once.
func (c *ExecutionContext) MarkStarted(now time.Time) {
	if c.StartedAt == nil {
		c.StartedAt = &now
	}
	c.Status = models.ContextInProgress
}

// MarkCompleted stamps the completion time and final status.
func (c *ExecutionContext) MarkCompleted(now time.Time, status models.ContextStatus) {
	c.CompletedAt = &now
	c.Status = status
}

func contextStatusFor(state models.TaskState) models.ContextStatus {
	switch state {
	case models.TaskStateSucceeded:
		return models.ContextSucceeded
	case models.TaskStateFailed:
		return models.ContextFailed
	default:
		return models.ContextSkipped
	}
}
