package runner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/persona"
	"github.com/fentz26/cascade/internal/tasktree"
)

type depState int

const (
	depsReady depState = iota
	depsWaiting
	depsBlocked
)

// childSpec is a child task before it exists in the tree. key is the id the
// proposing persona used, which dependencies refer to.
type childSpec struct {
	key      string
	baseID   string
	intent   string
	typ      models.TaskType
	notes    string
	commands []models.Command
	deps     []string
}

// process handles one popped task.
func (r *Runner) process(ctx context.Context, id string) error {
	task, ok := r.ctrl.Tree().Get(id)
	if !ok || task.State.IsTerminal() {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "runner.process", trace.WithAttributes(
		attribute.String("task.id", id),
		attribute.String("task.type", string(task.Type)),
	))
	defer span.End()

	if task.IsRoot() {
		r.progress++
		return r.planRoot(ctx, task)
	}

	if !task.IsRepair && r.ctrl.IsSatisfied(task.Intent) {
		r.progress++
		r.skip(id, "already satisfied by an earlier task", true)
		return nil
	}

	switch state, dep := r.dependencyState(task); state {
	case depsWaiting:
		r.deferred = append(r.deferred, id)
		r.ctrl.SetStage(id, "waiting on "+dep)
		return nil
	case depsBlocked:
		r.progress++
		r.skip(id, "blocked by dependency "+dep, false)
		return nil
	}
	r.progress++

	if !r.ctrl.TryReserveExecution() {
		r.skip(id, "execution budget exhausted", false)
		return nil
	}

	_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
		ec.MarkStarted(time.Now().UTC())
	})
	if err := r.ctrl.Advance(id, models.TaskStatePlanning, "choosing strategy"); err != nil {
		return err
	}

	if task.IsRepair {
		_ = r.ctrl.Tree().SetStrategy(id, models.StrategyExecute)
		return r.executeRepair(ctx, id)
	}

	d, err := r.delegate(ctx, task)
	if err != nil {
		return err
	}
	_ = r.ctrl.Tree().SetStrategy(id, d.Strategy)
	r.ctrl.Log(id, "strategy %s", d)
	if _, err := r.ctrl.Audit().Record("task.dispatch", map[string]interface{}{"task_id": id, "strategy": d.Strategy}, string(d.Strategy), id, d.String()); err != nil {
		r.logger.Warn("audit dispatch", zap.String("task_id", id), zap.Error(err))
	}
	span.SetAttributes(attribute.String("task.strategy", string(d.Strategy)))

	switch d.Strategy {
	case models.StrategySkip:
		r.skip(id, "skipped: "+d.Reason, true)
		return nil
	case models.StrategyResearch:
		return r.research(ctx, id)
	case models.StrategyDecompose:
		return r.decompose(ctx, id)
	}
	return r.execute(ctx, id)
}

// delegate asks the delegator for a strategy. Without an answer the
// work-budget rules are applied to Execute.
func (r *Runner) delegate(ctx context.Context, task tasktree.Task) (persona.Delegation, error) {
	d, err := r.personas.DelegateStrategy(ctx, task.ID)
	if err == nil {
		return d, nil
	}
	if ctx.Err() != nil {
		return persona.Delegation{}, ctx.Err()
	}
	r.ctrl.Log(task.ID, "delegator unavailable: %v", err)
	s, why := persona.ApplyDelegationRules(task, models.StrategyExecute)
	return persona.Delegation{Strategy: s, Chosen: string(models.StrategyExecute), Reason: "delegator unavailable", Overridden: why}, nil
}

func (r *Runner) dependencyState(task tasktree.Task) (depState, string) {
	if task.Context == nil {
		return depsReady, ""
	}
	for _, dep := range task.Context.Dependencies {
		d, ok := r.ctrl.Tree().Get(dep)
		if !ok {
			continue
		}
		switch {
		case d.State == models.TaskStateSucceeded:
		case d.State.IsTerminal():
			if d.Context == nil || !d.Context.AllowsDependentsToProceed {
				return depsBlocked, dep
			}
		default:
			return depsWaiting, dep
		}
	}
	return depsReady, ""
}

// skip finishes a task as Skipped. proceed tells dependents they may run.
func (r *Runner) skip(id, reason string, proceed bool) {
	_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
		ec.AllowsDependentsToProceed = proceed
	})
	if err := r.ctrl.Finish(id, models.TaskStateSkipped, reason); err != nil {
		r.logger.Debug("skip task", zap.String("task_id", id), zap.Error(err))
	}
}

// planRoot turns the planner's answer into the first level of the tree.
func (r *Runner) planRoot(ctx context.Context, root tasktree.Task) error {
	if err := r.ctrl.Advance(root.ID, models.TaskStatePlanning, "planning"); err != nil {
		return err
	}
	plan, err := r.personas.PlanRoot(ctx, root.ID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.ctrl.Finish(root.ID, models.TaskStateFailed, "planner unavailable: "+err.Error())
	}
	r.plan = plan
	if plan.Explanation != "" {
		r.ctrl.Log(root.ID, "plan: %s", plan.Explanation)
	}

	heuristics, err := r.personas.GenerateHeuristics(ctx, root.ID, plan)
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil:
		r.ctrl.Log(root.ID, "no success criteria: %v", err)
	default:
		r.heuristics = heuristics
		r.ctrl.Log(root.ID, "%d success criteria", len(heuristics))
	}

	specs := planSpecs(plan.Tasks)
	if len(specs) == 0 {
		specs = []childSpec{{baseID: "task", intent: root.Intent, typ: models.TaskTypeWorker}}
	}
	_ = r.ctrl.Tree().SetStrategy(root.ID, models.StrategyDecompose)
	if err := r.ctrl.Advance(root.ID, models.TaskStateExecuting, fmt.Sprintf("waiting on %d tasks", len(specs))); err != nil {
		return err
	}
	if ids := r.addChildren(root.ID, specs); len(ids) == 0 {
		return r.ctrl.Finish(root.ID, models.TaskStateFailed, "no task could be created")
	}
	return nil
}

// decompose creates children for a task. Phases are expanded by the
// planner; other nodes by the architect and verifier. With nothing
// proposed the task is executed directly.
func (r *Runner) decompose(ctx context.Context, id string) error {
	task, _ := r.ctrl.Tree().Get(id)
	if err := r.ctrl.Advance(id, models.TaskStateExecuting, "decomposing"); err != nil {
		return err
	}

	var specs []childSpec
	if task.Type == models.TaskTypePhase {
		plan, err := r.personas.ExpandTask(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.ctrl.Log(id, "planner unavailable: %v", err)
		} else {
			specs = planSpecs(plan.Tasks)
		}
	} else {
		subs, err := r.personas.Decompose(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.ctrl.Log(id, "architect unavailable: %v", err)
		} else {
			specs = subtaskSpecs(subs)
		}
	}

	if len(specs) == 0 {
		r.ctrl.Log(id, "no children proposed, executing directly")
		return r.execute(ctx, id)
	}
	ids := r.addChildren(id, specs)
	if len(ids) == 0 {
		return r.execute(ctx, id)
	}
	r.ctrl.SetStage(id, fmt.Sprintf("waiting on %d children", len(ids)))
	return nil
}

// research records the researcher's facts. A failed lookup does not hold
// up dependents.
func (r *Runner) research(ctx context.Context, id string) error {
	if err := r.ctrl.Advance(id, models.TaskStateExecuting, "researching"); err != nil {
		return err
	}
	reply, err := r.personas.Research(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.skip(id, "research unavailable", true)
		return nil
	}
	n := r.recordDrafts(id, reply.Facts)
	if reply.Summary != "" {
		_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
			ec.LastResult = reply.Summary
		})
	}
	return r.ctrl.Finish(id, models.TaskStateSucceeded, fmt.Sprintf("research recorded %d facts", n))
}

func (r *Runner) recordDrafts(taskID string, drafts []persona.FactDraft) int {
	n := 0
	for _, f := range drafts {
		if f.Summary == "" {
			continue
		}
		r.ctrl.RecordFact(models.Fact{Summary: f.Summary, Detail: f.Detail, File: f.File, TaskID: taskID, Kind: models.FactGeneral})
		n++
	}
	return n
}

// addChildren creates, binds and queues children in order. Dependencies
// naming a sibling's proposed id are rewritten to its tree id; unknown
// names are dropped.
func (r *Runner) addChildren(parentID string, specs []childSpec) []string {
	keys := make(map[string]string, len(specs))
	created := make([]childSpec, 0, len(specs))
	ids := make([]string, 0, len(specs))
	for _, s := range specs {
		typ := s.typ
		if typ == models.TaskTypeRoot {
			typ = models.TaskTypePhase
		}
		child, err := r.ctrl.AddTask(parentID, s.baseID, s.intent, typ)
		if err != nil {
			r.ctrl.Log(parentID, "could not add child %q: %v", s.intent, err)
			continue
		}
		if s.key != "" {
			keys[s.key] = child.ID
		}
		created = append(created, s)
		ids = append(ids, child.ID)
	}

	for i, s := range created {
		var deps []string
		for _, d := range s.deps {
			if id, ok := keys[d]; ok && id != ids[i] {
				deps = append(deps, id)
			}
		}
		_ = r.ctrl.Tree().UpdateContext(ids[i], func(ec *tasktree.ExecutionContext) {
			ec.Commands = s.commands
			ec.Dependencies = deps
			ec.AggregatedContext = s.notes
		})
	}
	r.ctrl.Queue().PushAll(ids)
	return ids
}

func planSpecs(tasks []persona.PlannedTask) []childSpec {
	specs := make([]childSpec, 0, len(tasks))
	for _, t := range tasks {
		intent := t.Intent()
		if intent == "" {
			continue
		}
		base := t.ID
		if base == "" {
			base = "task"
		}
		specs = append(specs, childSpec{
			key:      t.ID,
			baseID:   base,
			intent:   intent,
			typ:      models.ParseTaskType(t.Type),
			notes:    t.Context,
			commands: t.Commands,
			deps:     t.Dependencies,
		})
	}
	return specs
}

func subtaskSpecs(subs []persona.Subtask) []childSpec {
	specs := make([]childSpec, 0, len(subs))
	for _, s := range subs {
		if s.Intent == "" {
			continue
		}
		specs = append(specs, childSpec{
			baseID: s.Intent,
			intent: s.Intent,
			typ:    models.ParseTaskType(s.Type),
			notes:  s.Notes,
		})
	}
	return specs
}

func newTaskSpecs(tasks []persona.NewTask) []childSpec {
	specs := make([]childSpec, 0, len(tasks))
	for _, t := range tasks {
		if t.Intent == "" {
			continue
		}
		specs = append(specs, childSpec{
			baseID:   t.Intent,
			intent:   t.Intent,
			typ:      models.ParseTaskType(t.Type),
			notes:    t.Notes,
			commands: t.Commands,
		})
	}
	return specs
}
