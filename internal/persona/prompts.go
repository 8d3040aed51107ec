package persona

import (
	"fmt"
	"strings"

	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/tasktree"
)

const (
	// DefaultFactWindow is how many recent facts go into each prompt.
	DefaultFactWindow = 12

	lastResultLimit = 3000
	outputLimit     = 6000
)

const jsonReminder = "Your previous reply could not be parsed. Return only valid JSON: " +
	"one object matching the requested shape, no prose, no markdown fences."

type brief struct {
	b strings.Builder
}

func (p *brief) section(title string) {
	if p.b.Len() > 0 {
		p.b.WriteString("\n")
	}
	p.b.WriteString("## ")
	p.b.WriteString(title)
	p.b.WriteString("\n")
}

func (p *brief) line(format string, args ...interface{}) {
	fmt.Fprintf(&p.b, format, args...)
	p.b.WriteString("\n")
}

func (p *brief) text(s string) {
	p.b.WriteString(strings.TrimRight(s, "\n"))
	p.b.WriteString("\n")
}

func (p *brief) String() string {
	return p.b.String()
}

func (o *Orchestrator) assignment(p *brief) {
	info := o.ctrl.RunInfo()
	p.section("Assignment")
	p.text(info.Prompt)
	if info.Workspace != "" {
		p.line("Workspace: %s", info.Workspace)
	}
}

// taskBrief renders a task with its surroundings: ancestors, siblings,
// recent facts and prior attempts.
func (o *Orchestrator) taskBrief(taskID string) (*brief, tasktree.Task, error) {
	task, ok := o.ctrl.Tree().Get(taskID)
	if !ok {
		return nil, tasktree.Task{}, fmt.Errorf("%w: %s", tasktree.ErrTaskNotFound, taskID)
	}

	p := &brief{}
	o.assignment(p)

	p.section("Task")
	p.line("Id: %s", task.ID)
	p.line("Intent: %s", task.Intent)
	p.line("Type: %s, depth %d", task.Type, task.Depth)
	p.line("Work budget: keep %.0f%%, delegate %.0f%%", task.Retention*100, task.Delegation*100)
	if task.IsRepair {
		p.line("This is a repair task for its parent.")
	}

	if anc := o.ctrl.Tree().Ancestors(taskID); len(anc) > 0 {
		p.section("Ancestors (nearest first)")
		for _, a := range anc {
			p.line("- [%s] %s", a.Type, a.Intent)
		}
	}
	if sib := o.ctrl.Tree().Siblings(taskID); len(sib) > 0 {
		p.section("Sibling tasks")
		for _, s := range sib {
			p.line("- [%s] %s", s.State, s.Intent)
		}
	}

	o.facts(p)

	if ec := task.Context; ec != nil {
		if ec.AggregatedContext != "" {
			p.section("Context")
			p.text(ec.AggregatedContext)
		}
		if len(ec.RepairHistory) > 0 {
			p.section("Prior attempts")
			for i, h := range ec.RepairHistory {
				p.line("%d. %s", i+1, h)
			}
		}
	}
	return p, task, nil
}

func (o *Orchestrator) facts(p *brief) {
	facts := o.ctrl.RecentFacts(o.factWindow)
	if len(facts) == 0 {
		return
	}
	p.section("Known facts (newest first)")
	for _, f := range facts {
		if f.File != "" {
			p.line("- %s (%s)", f.Summary, f.File)
		} else {
			p.line("- %s", f.Summary)
		}
	}
}

func writeCommands(p *brief, cmds []models.Command) {
	for _, c := range cmds {
		p.line("- %s [%s]", c.Line(), models.ParseDangerLevel(string(c.DangerLevel)))
	}
}
