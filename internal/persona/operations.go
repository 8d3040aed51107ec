package persona

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/tasktree"
)

// PlanRoot asks the planner for the initial task list of the assignment.
func (o *Orchestrator) PlanRoot(ctx context.Context, rootID string) (*PlanReply, error) {
	p := &brief{}
	o.assignment(p)
	o.facts(p)
	p.section("Instructions")
	p.text("Plan the assignment. The answer field is what the operator reads when the run ends.")

	var reply PlanReply
	if err := o.call(ctx, RolePlanner, rootID, p.String(), &reply); err != nil {
		return nil, err
	}
	reply.Tasks = OrderTasks(reply.Tasks)
	return &reply, nil
}

// ExpandTask asks the planner for a task list scoped to one phase.
func (o *Orchestrator) ExpandTask(ctx context.Context, taskID string) (*PlanReply, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	p.section("Instructions")
	p.text("Plan only this task. Its tasks become children of it; dependencies may only name ids from your list.")

	var reply PlanReply
	if err := o.call(ctx, RolePlanner, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	reply.Tasks = OrderTasks(reply.Tasks)
	return &reply, nil
}

// OrderTasks sorts planner tasks by priority, keeping the planner's order
// within one priority.
func OrderTasks(tasks []PlannedTask) []PlannedTask {
	out := append([]PlannedTask(nil), tasks...)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityRank(out[i].Priority) < priorityRank(out[j].Priority)
	})
	return out
}

// DelegateStrategy asks the delegator how to handle a task and applies the
// work-budget rules to its answer.
func (o *Orchestrator) DelegateStrategy(ctx context.Context, taskID string) (Delegation, error) {
	p, task, err := o.taskBrief(taskID)
	if err != nil {
		return Delegation{}, err
	}
	if ec := task.Context; ec != nil && len(ec.Commands) > 0 {
		p.section("Planned commands")
		writeCommands(p, ec.Commands)
	}
	if !tasktree.HasMeaningfulDelegation(task.Delegation) {
		p.section("Constraint")
		p.text("This task has no meaningful delegation share left; decompose is not available.")
	}

	var reply DelegateReply
	if err := o.call(ctx, RoleDelegator, taskID, p.String(), &reply); err != nil {
		return Delegation{}, err
	}

	chosen, ok := models.ParseStrategy(reply.Strategy)
	if !ok {
		chosen = models.StrategyExecute
	}
	final, why := ApplyDelegationRules(task, chosen)
	return Delegation{
		Strategy:   final,
		Chosen:     reply.Strategy,
		Reason:     reply.Reason,
		Notes:      reply.Notes,
		Overridden: why,
	}, nil
}

// ApplyDelegationRules enforces the work budget on a chosen strategy.
// Skip and Research are always honoured. Decompose without meaningful
// delegation becomes Execute. Execute on a manager node that can still
// delegate becomes Decompose so its work is not silently dropped.
func ApplyDelegationRules(task tasktree.Task, chosen models.Strategy) (models.Strategy, string) {
	meaningful := tasktree.HasMeaningfulDelegation(task.Delegation)
	switch chosen {
	case models.StrategySkip, models.StrategyResearch:
		return chosen, ""
	case models.StrategyDecompose:
		if !meaningful {
			return models.StrategyExecute, "delegation below threshold"
		}
		return chosen, ""
	}
	if task.Type.IsManager() && meaningful {
		return models.StrategyDecompose, "manager task must delegate"
	}
	return models.StrategyExecute, ""
}

// Decompose asks the architect for children and lets the verifier filter
// them. A verifier failure keeps the architect's proposal.
func (o *Orchestrator) Decompose(ctx context.Context, taskID string) ([]Subtask, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	var proposal ArchitectReply
	if err := o.call(ctx, RoleArchitect, taskID, p.String(), &proposal); err != nil {
		return nil, err
	}
	if len(proposal.Subtasks) <= 1 {
		return proposal.Subtasks, nil
	}

	v, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	v.section("Proposed children")
	for i, s := range proposal.Subtasks {
		v.line("%d. [%s] %s", i+1, models.ParseTaskType(s.Type), s.Intent)
	}

	var verdict VerifierReply
	if err := o.call(ctx, RoleVerifier, taskID, v.String(), &verdict); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		o.ctrl.Log(taskID, "verifier skipped: %v", err)
		return proposal.Subtasks, nil
	}
	kept := FilterSubtasks(proposal.Subtasks, verdict)
	if len(kept) != len(proposal.Subtasks) {
		o.ctrl.Log(taskID, "verifier kept %d of %d proposed children", len(kept), len(proposal.Subtasks))
	}
	return kept, nil
}

func sameIntent(a, b string) bool {
	return strings.EqualFold(strings.Join(strings.Fields(a), " "), strings.Join(strings.Fields(b), " "))
}

// FilterSubtasks applies a verifier verdict. Rejected intents are dropped.
// A non-empty accepted list keeps the first proposal matching each accepted
// intent, in proposal order, and adds accepted intents that match nothing
// as merged workers.
func FilterSubtasks(proposed []Subtask, verdict VerifierReply) []Subtask {
	rejected := func(intent string) bool {
		for _, r := range verdict.Rejected {
			if sameIntent(r.Intent, intent) {
				return true
			}
		}
		return false
	}

	var out []Subtask
	if len(verdict.Accepted) == 0 {
		for _, s := range proposed {
			if !rejected(s.Intent) {
				out = append(out, s)
			}
		}
		return out
	}

	used := make([]bool, len(verdict.Accepted))
	for _, s := range proposed {
		if rejected(s.Intent) {
			continue
		}
		for i, a := range verdict.Accepted {
			if sameIntent(a, s.Intent) {
				if !used[i] {
					used[i] = true
					out = append(out, s)
				}
				break
			}
		}
	}
	for i, a := range verdict.Accepted {
		if !used[i] && strings.TrimSpace(a) != "" && !rejected(a) {
			out = append(out, Subtask{Intent: a, Type: string(models.TaskTypeWorker), Notes: "merged by verifier"})
		}
	}
	return out
}

// Research asks the researcher for facts about a task.
func (o *Orchestrator) Research(ctx context.Context, taskID string) (*ResearchReply, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	var reply ResearchReply
	if err := o.call(ctx, RoleResearcher, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Engineer asks for the commands that execute a task.
func (o *Orchestrator) Engineer(ctx context.Context, taskID string) (*EngineerReply, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	var reply EngineerReply
	if err := o.call(ctx, RoleEngineer, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Analyze turns the combined output of a command batch into facts.
func (o *Orchestrator) Analyze(ctx context.Context, taskID, output string) (*AnalystReply, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	p.section("Command output")
	p.text(models.Truncate(output, outputLimit))

	var reply AnalystReply
	if err := o.call(ctx, RoleAnalyst, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Repair asks the repair agent what to do about a failed command batch.
func (o *Orchestrator) Repair(ctx context.Context, taskID, failure string) (*RepairReply, error) {
	p, task, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	if ec := task.Context; ec != nil && len(ec.Commands) > 0 {
		p.section("Commands that ran")
		writeCommands(p, ec.Commands)
	}
	p.section("Failure")
	p.text(models.Truncate(failure, lastResultLimit))

	var reply RepairReply
	if err := o.call(ctx, RoleRepair, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ResolveFailure asks whether the run can proceed without a failed task.
func (o *Orchestrator) ResolveFailure(ctx context.Context, taskID, failure string) (*ResolutionReply, error) {
	p, _, err := o.taskBrief(taskID)
	if err != nil {
		return nil, err
	}
	p.section("Failure")
	p.text(models.Truncate(failure, lastResultLimit))

	var reply ResolutionReply
	if err := o.call(ctx, RoleFailureResolution, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// GenerateHeuristics asks quality assurance for the run's success criteria.
func (o *Orchestrator) GenerateHeuristics(ctx context.Context, taskID string, plan *PlanReply) ([]models.Heuristic, error) {
	p := &brief{}
	o.assignment(p)
	if plan != nil && len(plan.Tasks) > 0 {
		p.section("Plan")
		for _, t := range plan.Tasks {
			p.line("- %s", t.Intent())
		}
	}

	var reply HeuristicsReply
	if err := o.call(ctx, RoleQA, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return reply.Heuristics, nil
}

// EvaluateResult asks the auditor to judge heuristics against evidence.
func (o *Orchestrator) EvaluateResult(ctx context.Context, taskID string, heuristics []models.Heuristic, evidence string) (*AuditReply, error) {
	p := &brief{}
	o.assignment(p)
	p.section("Heuristics")
	for i, h := range heuristics {
		kind := "optional"
		if h.Mandatory {
			kind = "mandatory"
		}
		p.line("%d. (%s) %s", i, kind, h.Description)
		if h.Evidence != "" {
			p.line("   evidence: %s", h.Evidence)
		}
	}
	o.facts(p)
	p.section("Evidence")
	p.text(models.Truncate(evidence, outputLimit))

	var reply AuditReply
	if err := o.call(ctx, RoleAuditor, taskID, p.String(), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// OverallSuccess reports whether every mandatory heuristic passed. With no
// mandatory heuristics the run passes unless an optional one explicitly
// failed. A mandatory heuristic without a verdict counts as failed.
func OverallSuccess(heuristics []models.Heuristic, verdicts []models.HeuristicVerdict) bool {
	passed := make(map[int]bool, len(verdicts))
	for _, v := range verdicts {
		if v.Index >= 0 && v.Index < len(heuristics) {
			passed[v.Index] = v.Passed
		}
	}

	mandatory := 0
	for i, h := range heuristics {
		if !h.Mandatory {
			continue
		}
		mandatory++
		if !passed[i] {
			return false
		}
	}
	if mandatory > 0 {
		return true
	}
	for i := range heuristics {
		if ok, judged := passed[i]; judged && !ok {
			return false
		}
	}
	return true
}

// Summary renders a verdict list for logs and artifacts.
func Summary(heuristics []models.Heuristic, verdicts []models.HeuristicVerdict) string {
	var b strings.Builder
	for _, v := range verdicts {
		if v.Index < 0 || v.Index >= len(heuristics) {
			continue
		}
		mark := "FAIL"
		if v.Passed {
			mark = "PASS"
		}
		fmt.Fprintf(&b, "[%s] %s", mark, heuristics[v.Index].Description)
		if v.Notes != "" {
			fmt.Fprintf(&b, " (%s)", v.Notes)
		}
		b.WriteString("\n")
	}
	return b.String()
}
