package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fentz26/cascade/internal/connectors"
	"github.com/fentz26/cascade/internal/models"
	"github.com/fentz26/cascade/internal/persona"
	"github.com/fentz26/cascade/internal/policy"
	"github.com/fentz26/cascade/internal/tasktree"
)

const (
	// excerptLimit bounds each output stream quoted in a failure.
	excerptLimit = 1500
	// lastResultLimit bounds the output kept on a context.
	lastResultLimit = 3000
)

type batchResult struct {
	output   string
	failure  string
	declined bool
}

// execute runs a task's planned commands, asking the engineer when there
// are none.
func (r *Runner) execute(ctx context.Context, id string) error {
	if err := r.ctrl.Advance(id, models.TaskStateExecuting, "preparing commands"); err != nil {
		return err
	}
	task, _ := r.ctrl.Tree().Get(id)
	var cmds []models.Command
	if task.Context != nil {
		cmds = task.Context.Commands
	}

	if len(cmds) == 0 {
		reply, err := r.personas.Engineer(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return r.resolveFailure(ctx, id, "blocked: engineer unavailable: "+err.Error())
		}
		if reply.Notes != "" {
			r.ctrl.Log(id, "engineer: %s", reply.Notes)
		}
		cmds = reply.Commands
		if len(cmds) == 0 {
			return r.resolveFailure(ctx, id, "blocked: no commands proposed")
		}
		_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
			ec.Commands = cmds
		})
	}
	return r.runAttempts(ctx, id, cmds)
}

// executeRepair handles a repair task: the repair agent reads the original
// failure and either supplies commands or follow-up tasks.
func (r *Runner) executeRepair(ctx context.Context, id string) error {
	if err := r.ctrl.Advance(id, models.TaskStateExecuting, "repairing"); err != nil {
		return err
	}
	task, _ := r.ctrl.Tree().Get(id)
	failure := ""
	if task.Context != nil {
		failure = task.Context.AggregatedContext
	}

	reply, err := r.personas.Repair(ctx, id, failure)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.ctrl.Finish(id, models.TaskStateFailed, "repair unavailable: "+err.Error())
	}

	switch reply.Decision() {
	case persona.RepairRetry:
		if len(reply.ReplacementCommands) > 0 {
			_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
				ec.Commands = reply.ReplacementCommands
			})
			return r.runAttempts(ctx, id, reply.ReplacementCommands)
		}
	case persona.RepairNewTasks:
		if ids := r.addChildren(id, newTaskSpecs(reply.NewTasks)); len(ids) > 0 {
			r.ctrl.SetStage(id, fmt.Sprintf("waiting on %d repair tasks", len(ids)))
			return nil
		}
	}
	return r.ctrl.Finish(id, models.TaskStateFailed, "repair abandoned: "+reply.Reason)
}

// runAttempts runs a command batch, consulting the repair agent after each
// failure until the attempt limit is reached.
func (r *Runner) runAttempts(ctx context.Context, id string, cmds []models.Command) error {
	for {
		res, err := r.runBatch(ctx, id, cmds)
		if err != nil {
			return err
		}
		if res.declined {
			_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
				ec.LastResult = res.failure
			})
			return r.ctrl.Finish(id, models.TaskStateFailed, "operator declined")
		}
		if res.failure == "" {
			return r.succeed(ctx, id, res.output)
		}

		var attempts, limit int
		_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
			ec.Attempts++
			ec.LastResult = res.failure
			attempts, limit = ec.Attempts, ec.MaxRepairAttempts
		})
		r.ctrl.Log(id, "attempt %d failed: %s", attempts, firstLine(res.failure))
		if attempts > limit {
			return r.resolveFailure(ctx, id, res.failure)
		}

		r.ctrl.SetStage(id, fmt.Sprintf("repairing attempt %d", attempts))
		reply, err := r.personas.Repair(ctx, id, res.failure)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.ctrl.Log(id, "repair agent unavailable: %v", err)
			return r.resolveFailure(ctx, id, res.failure)
		}

		note := fmt.Sprintf("attempt %d: %s -> %s", attempts, firstLine(res.failure), reply.Decision())
		if reply.Reason != "" {
			note += ": " + reply.Reason
		}
		switch reply.Decision() {
		case persona.RepairRetry:
			if len(reply.ReplacementCommands) == 0 {
				return r.resolveFailure(ctx, id, res.failure)
			}
			cmds = reply.ReplacementCommands
			_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
				ec.Commands = cmds
				ec.AddRepairAttempt(note)
			})
		case persona.RepairNewTasks:
			_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
				ec.AddRepairAttempt(note)
			})
			ids := r.addChildren(id, newTaskSpecs(reply.NewTasks))
			if len(ids) == 0 {
				return r.resolveFailure(ctx, id, res.failure)
			}
			r.ctrl.SetStage(id, fmt.Sprintf("waiting on %d repair tasks", len(ids)))
			return nil
		default:
			return r.resolveFailure(ctx, id, res.failure)
		}
	}
}

// runBatch checks every command against the policy gate, then runs them in
// order, stopping at the first failure.
func (r *Runner) runBatch(ctx context.Context, id string, cmds []models.Command) (batchResult, error) {
	if err := r.gate.CheckBatch(id, cmds); err != nil {
		if errors.Is(err, policy.ErrOperatorDeclined) {
			r.ctrl.Log(id, "%v", err)
			return batchResult{failure: err.Error(), declined: true}, nil
		}
		return batchResult{}, err
	}

	var out strings.Builder
	for i, cmd := range cmds {
		if strings.TrimSpace(cmd.Executable) == "" {
			return batchResult{output: out.String(), failure: fmt.Sprintf("command %d has no executable", i+1)}, nil
		}
		req := connectors.FromCommand(cmd, r.workspace, id)
		r.ctrl.SetStage(id, fmt.Sprintf("running %d/%d: %s", i+1, len(cmds), req.Line()))

		res, err := r.ctrl.RunCommand(ctx, r.exec, req)
		if err != nil {
			if ctx.Err() != nil {
				return batchResult{}, ctx.Err()
			}
			r.artifacts.CommandSummary(fmt.Sprintf("[%s] %s: error: %v", id, req.Line(), err))
			return batchResult{output: out.String(), failure: fmt.Sprintf("command %q could not run: %v", req.Line(), err)}, nil
		}

		if o := res.Output(); !res.Background && strings.TrimSpace(o) != "" {
			fmt.Fprintf(&out, "$ %s\n%s\n", req.Line(), strings.TrimRight(o, "\n"))
		}
		switch {
		case res.Background:
			r.ctrl.Log(id, "background pid %d: %s", res.PID, req.Line())
			r.artifacts.CommandSummary(fmt.Sprintf("[%s] %s: background pid %d", id, req.Line(), res.PID))
		case res.Succeeded(req.ExpectedExitCode):
			r.artifacts.CommandSummary(fmt.Sprintf("[%s] %s: exit %d", id, req.Line(), res.ExitCode))
		default:
			r.artifacts.CommandSummary(fmt.Sprintf("[%s] %s: failed", id, req.Line()))
			return batchResult{output: out.String(), failure: describeFailure(req, res)}, nil
		}
	}
	return batchResult{output: out.String()}, nil
}

func describeFailure(req connectors.Request, res *connectors.ExecResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "command %q ", req.Line())
	if res.TimedOut {
		fmt.Fprintf(&b, "timed out after %s", req.Timeout)
	} else {
		fmt.Fprintf(&b, "exited with code %d, expected %d", res.ExitCode, req.ExpectedExitCode)
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		b.WriteString("\nstderr:\n" + models.Truncate(s, excerptLimit))
	}
	if s := strings.TrimSpace(res.Stdout); s != "" {
		b.WriteString("\nstdout:\n" + models.Truncate(s, excerptLimit))
	}
	return b.String()
}

// succeed records workspace changes and analysis, then closes the task.
func (r *Runner) succeed(ctx context.Context, id, output string) error {
	if err := r.ctrl.Advance(id, models.TaskStateVerifying, "recording changes"); err != nil {
		return err
	}

	changes, err := r.tracker.DetectChanges()
	if err != nil {
		r.ctrl.Log(id, "workspace scan failed: %v", err)
	}
	for _, c := range changes {
		r.ctrl.RecordFact(models.Fact{
			Summary: fmt.Sprintf("file %s %s", c.Type, c.Path),
			File:    c.Path,
			TaskID:  id,
			Kind:    c.Type.FactKind(),
		})
	}

	_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
		ec.LastResult = models.Truncate(output, lastResultLimit)
	})
	r.artifacts.RawOutput(id, output)

	if strings.TrimSpace(output) != "" {
		reply, err := r.personas.Analyze(ctx, id, output)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			r.ctrl.Log(id, "analysis skipped: %v", err)
		default:
			r.recordDrafts(id, reply.Facts)
			if reply.Summary != "" {
				r.ctrl.Log(id, "analysis: %s", reply.Summary)
			}
		}
	}
	return r.ctrl.Finish(id, models.TaskStateSucceeded, "completed")
}

// resolveFailure asks whether the run can absorb a failure. Continue skips
// the task, compensate replaces it with new siblings, and escalate hands it
// to a repair task. Repair tasks fail outright.
func (r *Runner) resolveFailure(ctx context.Context, id, failure string) error {
	_ = r.ctrl.Tree().UpdateContext(id, func(ec *tasktree.ExecutionContext) {
		ec.LastResult = failure
	})
	task, _ := r.ctrl.Tree().Get(id)
	if task.IsRepair {
		return r.ctrl.Finish(id, models.TaskStateFailed, "repair failed: "+firstLine(failure))
	}

	r.ctrl.SetStage(id, "resolving failure")
	decision := persona.ResolveEscalate
	reply, err := r.personas.ResolveFailure(ctx, id, failure)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.ctrl.Log(id, "failure resolution unavailable: %v", err)
	} else {
		decision = reply.Decision()
		r.ctrl.Log(id, "failure resolution: %s %s", decision, reply.Reason)
	}

	switch decision {
	case persona.ResolveContinue:
		r.skip(id, "continued past failure", true)
		return nil
	case persona.ResolveCompensate:
		if task.ParentID == "" {
			break
		}
		ids := r.addChildren(task.ParentID, newTaskSpecs(reply.NewTasks))
		if len(ids) == 0 {
			break
		}
		r.skip(id, fmt.Sprintf("compensated by %d tasks", len(ids)), reply.AllowsDependentsToProceed)
		return nil
	}
	return r.escalate(id, failure)
}

func (r *Runner) escalate(id, failure string) error {
	if _, err := r.ctrl.SpawnRepair(id, failure); err != nil {
		r.ctrl.Log(id, "no repair possible: %v", err)
		return r.ctrl.Finish(id, models.TaskStateFailed, "failed: "+firstLine(failure))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
