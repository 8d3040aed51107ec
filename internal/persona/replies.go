package persona

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/fentz26/cascade/internal/models"
)

// Loose is a string that also accepts JSON numbers and booleans. Models are
// inconsistent about fields like priority.
type Loose string

// UnmarshalJSON implements json.Unmarshaler.
func (l *Loose) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = Loose(s)
		return nil
	}
	if string(b) == "null" {
		*l = ""
		return nil
	}
	*l = Loose(strings.TrimSpace(string(b)))
	return nil
}

// PlannedTask is one entry of a planner reply.
type PlannedTask struct {
	ID           string           `json:"id"`
	Label        string           `json:"label"`
	Type         string           `json:"type"`
	Description  string           `json:"description"`
	Context      string           `json:"context"`
	Priority     Loose            `json:"priority"`
	Phase        string           `json:"phase"`
	ContextTags  []string         `json:"contextTags"`
	Dependencies []string         `json:"dependencies"`
	Commands     []models.Command `json:"commands"`
}

// Intent is the text a task node is created with.
func (t PlannedTask) Intent() string {
	switch {
	case t.Label != "" && t.Description != "" && !strings.EqualFold(t.Label, t.Description):
		return t.Label + ": " + t.Description
	case t.Label != "":
		return t.Label
	case t.Description != "":
		return t.Description
	}
	return t.ID
}

// PlanReply is returned by the planner for the root and for expanded tasks.
type PlanReply struct {
	Answer      string        `json:"answer"`
	Explanation string        `json:"explanation"`
	Tasks       []PlannedTask `json:"tasks"`
}

// DelegateReply is the delegator's raw decision.
type DelegateReply struct {
	Strategy string `json:"strategy"`
	Reason   string `json:"reason"`
	Notes    string `json:"notes"`
}

// Subtask is one child proposed by the architect.
type Subtask struct {
	Intent string `json:"intent"`
	Type   string `json:"type"`
	Notes  string `json:"notes"`
	Phase  string `json:"phase"`
}

// ArchitectReply lists proposed children.
type ArchitectReply struct {
	Subtasks []Subtask `json:"subtasks"`
}

// Rejection names a proposed child the verifier dropped.
type Rejection struct {
	Intent string `json:"intent"`
	Reason string `json:"reason"`
}

// VerifierReply filters an architect proposal. Accepted holds intents.
type VerifierReply struct {
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected"`
	Notes    string      `json:"notes"`
}

// NewTask is a follow-up task proposed by repair or failure resolution.
type NewTask struct {
	Intent   string           `json:"intent"`
	Type     string           `json:"type"`
	Notes    string           `json:"notes"`
	Commands []models.Command `json:"commands"`
}

// Repair decisions.
const (
	RepairRetry    = "retry"
	RepairNewTasks = "new_tasks"
	RepairAbandon  = "abandon"
)

// RepairReply is the repair agent's answer to a failed command batch.
type RepairReply struct {
	RepairDecision      string           `json:"repairDecision"`
	Reason              string           `json:"reason"`
	ReplacementCommands []models.Command `json:"replacementCommands"`
	NewTasks            []NewTask        `json:"newTasks"`
}

// Decision normalises RepairDecision. Replies that carry commands or tasks
// without a recognised decision are read by their content.
func (r RepairReply) Decision() string {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(r.RepairDecision)), "-", "_") {
	case "retry", "replace", "replacement", "fix":
		return RepairRetry
	case "new_tasks", "newtasks", "decompose", "tasks":
		return RepairNewTasks
	case "abandon", "give_up", "giveup", "abort", "fail":
		return RepairAbandon
	}
	switch {
	case len(r.ReplacementCommands) > 0:
		return RepairRetry
	case len(r.NewTasks) > 0:
		return RepairNewTasks
	}
	return RepairAbandon
}

// Resolution decisions.
const (
	ResolveContinue   = "continue"
	ResolveCompensate = "compensate"
	ResolveEscalate   = "escalate"
)

// ResolutionReply is the failure-resolution agent's verdict.
type ResolutionReply struct {
	ResolutionDecision        string    `json:"resolutionDecision"`
	Reason                    string    `json:"reason"`
	AllowsDependentsToProceed bool      `json:"allowsDependentsToProceed"`
	Notes                     string    `json:"notes"`
	NewTasks                  []NewTask `json:"newTasks"`
}

// Decision normalises ResolutionDecision; anything unknown escalates.
func (r ResolutionReply) Decision() string {
	switch strings.ToLower(strings.TrimSpace(r.ResolutionDecision)) {
	case "continue", "proceed", "skip":
		return ResolveContinue
	case "compensate", "compensating":
		return ResolveCompensate
	}
	return ResolveEscalate
}

// FactDraft is a fact proposed by the analyst or researcher.
type FactDraft struct {
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
	File    string `json:"file"`
}

// AnalystReply turns command output into facts.
type AnalystReply struct {
	Facts   []FactDraft `json:"facts"`
	Summary string      `json:"summary"`
}

// ResearchReply answers a research task with facts.
type ResearchReply struct {
	Facts   []FactDraft `json:"facts"`
	Summary string      `json:"summary"`
}

// EngineerReply carries the commands that execute a task.
type EngineerReply struct {
	Commands []models.Command `json:"commands"`
	Notes    string           `json:"notes"`
}

// HeuristicsReply lists success criteria.
type HeuristicsReply struct {
	Heuristics []models.Heuristic `json:"heuristics"`
}

// AuditReply judges heuristics against final evidence.
type AuditReply struct {
	Summary    string                    `json:"summary"`
	Heuristics []models.HeuristicVerdict `json:"heuristics"`
}

// Delegation is a delegator decision after the work-budget rules ran.
type Delegation struct {
	Strategy   models.Strategy
	Chosen     string
	Reason     string
	Notes      string
	Overridden string
}

func (d Delegation) String() string {
	s := string(d.Strategy)
	if d.Overridden != "" {
		s += " (" + d.Overridden + ")"
	}
	if d.Reason != "" {
		s += ": " + d.Reason
	}
	return s
}

func priorityRank(p Loose) int {
	if n, err := strconv.Atoi(string(p)); err == nil {
		return n
	}
	switch strings.ToLower(string(p)) {
	case "critical", "urgent":
		return 0
	case "high":
		return 1
	case "medium", "normal", "":
		return 2
	case "low":
		return 3
	}
	return 2
}
