package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// Orchestrator decomposes the task into sub-tasks and dispatches each to a
// dedicated sub-agent through the spawner, honoring the dependency order the
// plan declares. It never calls tools itself; all tool access happens inside
// the children.
type Orchestrator struct {
	deps Deps
	opts Options
}

// NewOrchestrator constructs the multi-agent orchestrator engine.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	return &Orchestrator{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *Orchestrator) Kind() core.EngineKind { return core.EngineOrchestrator }

// Execute plans sub-tasks, runs them through the spawner and synthesizes the
// children's results into the final answer.
func (e *Orchestrator) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchOrchestrator, task, execCtx)

	if e.deps.Spawner == nil {
		return r.finish("", errors.New("orchestrator requires a sub-agent spawner"))
	}

	plan, err := e.plan(ctx, r)
	if err != nil {
		return r.finish("", err)
	}
	r.msg.PlanInfo(plan.Render(), map[string]any{"steps": len(plan.Steps)})

	results := make(map[int]any, len(plan.Steps))
	done := make(map[int]bool, len(plan.Steps))

	for len(done) < len(plan.Steps) {
		ready := plan.Ready(done, nil)
		if len(ready) == 0 {
			return r.finish("", core.NewProtocolViolation("plan stalled with %d of %d sub-tasks done", len(done), len(plan.Steps)))
		}
		for _, step := range ready {
			if err := r.checkpoint(); err != nil {
				return r.finish("", err)
			}
			r.trace.Iterations++

			summary, err := e.dispatch(ctx, r, plan, step, results)
			if err != nil {
				return r.finish("", err)
			}
			results[step.ID] = summary
			done[step.ID] = true
		}
	}

	answer, err := e.synthesize(ctx, r, plan, results)
	return r.finish(answer, err)
}

func (e *Orchestrator) plan(ctx context.Context, r *run) (*Plan, error) {
	out, err := r.completeModel(ctx, model.Request{
		System: orchestratorPlannerPrompt,
		Prompt: "Task: " + taskPrompt(r.task),
	})
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(out)
	if err != nil {
		return nil, fmt.Errorf("unusable plan: %w", err)
	}
	for i := range plan.Steps {
		if plan.Steps[i].SubAgent == "" {
			plan.Steps[i].SubAgent = core.EngineReAct
		}
		if !plan.Steps[i].SubAgent.Valid() || plan.Steps[i].SubAgent == core.EngineOrchestrator {
			return nil, core.NewProtocolViolation("sub-task %d names unusable engine %q", plan.Steps[i].ID, plan.Steps[i].SubAgent)
		}
	}
	return plan, nil
}

// dispatch hands one sub-task to the spawner. Prior sub-task summaries the
// step depends on are folded into the child's task description. A child that
// fails or is refused by the dispatcher becomes a failure summary rather
// than aborting the whole run, except for cancellation.
func (e *Orchestrator) dispatch(ctx context.Context, r *run, plan *Plan, step Step, results map[int]any) (string, error) {
	desc := step.Description
	if len(step.DependsOn) > 0 {
		var b strings.Builder
		for _, dep := range step.DependsOn {
			if prior, ok := plan.Step(dep); ok {
				fmt.Fprintf(&b, "- %s: %s\n", prior.Description, renderResult(results[dep]))
			}
		}
		desc += "\n\nContext from earlier sub-tasks:\n" + b.String()
	}

	r.msg.Thinking("dispatch", fmt.Sprintf("sub-task %d (%s): %s", step.ID, step.SubAgent, step.Description))

	childTask := core.NewTask(desc, step.SubAgent)
	childTask.Target = r.task.Target
	childTask.Params = step.Args

	resp, err := e.deps.Spawner.Spawn(ctx, r.execCtx, SubAgentRequest{
		Role:               fmt.Sprintf("subtask-%d", step.ID),
		Task:               childTask,
		InheritParentTools: true,
	})
	if err != nil {
		if errors.Is(err, core.ErrCancelled) || r.execCtx.Cancelled() {
			return "", core.ErrCancelled
		}
		r.logger.Warn("engine.orchestrator.spawn_failed", "step", step.ID, "error", err.Error())
		r.msg.Error("dispatch", err.Error())
		return fmt.Sprintf("sub-task %d failed to start: %v", step.ID, err), nil
	}

	r.msg.Meta("subagent", map[string]any{
		"execution_id": resp.ExecutionID,
		"role":         resp.Role,
		"engine":       string(resp.Engine),
		"status":       string(resp.Status),
		"tool_calls":   resp.ToolCalls,
	})
	if resp.Status != core.StatusCompleted {
		return fmt.Sprintf("sub-task %d ended %s: %s", step.ID, resp.Status, resp.Err), nil
	}
	return resp.Result, nil
}

func (e *Orchestrator) synthesize(ctx context.Context, r *run, plan *Plan, results map[int]any) (string, error) {
	var b strings.Builder
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "sub-task %d (%s): %s\nresult: %s\n\n", step.ID, step.SubAgent, step.Description, renderResult(results[step.ID]))
	}
	return r.completeModel(ctx, model.Request{
		System: "Combine the sub-task results of a security testing engagement into one final answer. Call out sub-tasks that failed.",
		Prompt: fmt.Sprintf("Task: %s\n\n%s", taskPrompt(r.task), b.String()),
	})
}

const orchestratorPlannerPrompt = `You lead a team of security testing sub-agents. Split the task into
focused sub-tasks and pick an execution strategy for each.

Strategies: react (exploratory, step by step), rewoo (fixed evidence
gathering), plan_execute (ordered procedure), compiler (many independent
probes in parallel), travel (broad assessment).

Respond with JSON:
{"goal": "<restated goal>",
 "steps": [{"id": 1, "description": "<self-contained sub-task>", "sub_agent": "react", "depends_on": []}]}

Keep sub-tasks self-contained; a sub-agent sees only its own description.`
