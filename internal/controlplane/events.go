package controlplane

import (
	"time"

	"github.com/fentz26/cascade/internal/models"
)

// EventType identifies a controller notification.
type EventType string

const (
	EventTaskCreated EventType = "task_created"
	EventTaskState   EventType = "task_state"
	EventFact        EventType = "fact"
	EventLog         EventType = "log"
	EventUsage       EventType = "usage"
)

// Event is delivered to the Notify callback. Only the fields relevant to
// Type are set.
type Event struct {
	Type     EventType
	TaskID   string
	ParentID string
	Intent   string
	State    models.TaskState
	Stage    string
	Fact     *models.Fact
	Line     string
	Usage    *models.UsageSnapshot
	Time     time.Time
}
