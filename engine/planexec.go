package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// PlanExecute builds a sequential plan, executes it step by step and asks the
// model after every step whether to continue, finish early or replace the
// remaining steps. Replanning is capped by Options.MaxReplans.
type PlanExecute struct {
	deps Deps
	opts Options
}

// NewPlanExecute constructs the plan-and-execute engine.
func NewPlanExecute(deps Deps, opts Options) *PlanExecute {
	return &PlanExecute{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *PlanExecute) Kind() core.EngineKind { return core.EnginePlanExecute }

// reflection is the model's verdict after a completed step.
type reflection struct {
	Decision string `json:"decision"` // continue, finish or replan
	Answer   string `json:"answer,omitempty"`
	Steps    []Step `json:"steps,omitempty"`
}

// Execute runs the plan-reflect loop.
func (e *PlanExecute) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchPlanExecute, task, execCtx)

	_, toolList, err := r.listTools(ctx)
	if err != nil {
		return r.finish("", err)
	}

	plan, err := e.plan(ctx, r, toolList)
	if err != nil {
		return r.finish("", err)
	}
	r.msg.PlanInfo(plan.Render(), map[string]any{"steps": len(plan.Steps)})

	results := make(map[int]any)
	replans := 0
	idx := 0

	for idx < len(plan.Steps) {
		if err := r.checkpoint(); err != nil {
			return r.finish("", err)
		}
		r.trace.Iterations++
		step := plan.Steps[idx]

		args, err := ResolveArgs(step.Args, results)
		if err != nil {
			return r.finish("", err)
		}
		r.msg.Thinking("execute", fmt.Sprintf("step %d/%d: %s", idx+1, len(plan.Steps), step.Description))

		result, observation, failed, err := r.callToolValue(ctx, step.Tool, args)
		if err != nil {
			return r.finish("", err)
		}
		if failed {
			results[step.ID] = observation
		} else {
			results[step.ID] = result
		}

		verdict, err := e.reflect(ctx, r, plan, idx, observation, failed)
		if err != nil {
			return r.finish("", err)
		}

		switch verdict.Decision {
		case "finish":
			return r.finish(verdict.Answer, nil)
		case "replan":
			if replans >= r.opts.MaxReplans {
				return r.finish("", fmt.Errorf("%w: replan limit of %d reached", core.ErrBudgetExhausted, r.opts.MaxReplans))
			}
			replans++
			plan, err = e.replacePlan(plan, idx, verdict.Steps)
			if err != nil {
				return r.finish("", err)
			}
			r.logger.Info("engine.planexec.replanned", "replans", replans, "steps", len(plan.Steps))
			r.msg.PlanInfo(plan.Render(), map[string]any{"steps": len(plan.Steps), "replans": replans})
			idx++
		default:
			idx++
		}
	}

	answer, err := e.summarize(ctx, r, plan, results)
	return r.finish(answer, err)
}

func (e *PlanExecute) plan(ctx context.Context, r *run, toolList string) (*Plan, error) {
	out, err := r.completeModel(ctx, model.Request{
		System: planExecPlannerPrompt(toolList),
		Prompt: "Task: " + taskPrompt(r.task),
	})
	if err != nil {
		return nil, err
	}
	plan, err := ParsePlan(out)
	if err != nil {
		return nil, fmt.Errorf("unusable plan: %w", err)
	}
	return plan, nil
}

// reflect asks the model what to do after a step. Any unparseable verdict
// degrades to "continue" so a chatty model cannot stall the run.
func (e *PlanExecute) reflect(ctx context.Context, r *run, plan *Plan, idx int, observation string, failed bool) (*reflection, error) {
	status := "succeeded"
	if failed {
		status = "failed"
	}
	out, err := r.completeModel(ctx, model.Request{
		System: planExecReflectPrompt,
		Prompt: fmt.Sprintf("Task: %s\n\nPlan:\n%s\nStep %d of %d %s with result:\n%s\n\nRemaining steps: %d",
			taskPrompt(r.task), plan.Render(), idx+1, len(plan.Steps), status, observation, len(plan.Steps)-idx-1),
	})
	if err != nil {
		return nil, err
	}

	raw, jerr := util.ExtractJSON(out)
	if jerr == nil {
		var v reflection
		if json.Unmarshal([]byte(raw), &v) == nil && v.Decision != "" {
			return &v, nil
		}
	}
	r.logger.Debug("engine.planexec.unparseable_reflection")
	return &reflection{Decision: "continue"}, nil
}

// replacePlan keeps steps up to and including idx and swaps in the proposed
// remainder. Replacement step ids must not collide with executed ones, so
// they are renumbered past the current maximum.
func (e *PlanExecute) replacePlan(plan *Plan, idx int, steps []Step) (*Plan, error) {
	if len(steps) == 0 {
		return nil, core.NewProtocolViolation("replan verdict carried no steps")
	}
	next := &Plan{Goal: plan.Goal, Steps: append([]Step(nil), plan.Steps[:idx+1]...)}
	maxID := 0
	for _, s := range next.Steps {
		if s.ID > maxID {
			maxID = s.ID
		}
	}
	for i, s := range steps {
		if s.ID == 0 || s.ID <= maxID {
			s.ID = maxID + i + 1
		}
		next.Steps = append(next.Steps, s)
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func (e *PlanExecute) summarize(ctx context.Context, r *run, plan *Plan, results map[int]any) (string, error) {
	var evidence string
	for _, step := range plan.Steps {
		evidence += fmt.Sprintf("step %d (%s): %s\n", step.ID, step.Tool, renderResult(results[step.ID]))
	}
	return r.completeModel(ctx, model.Request{
		System: "Summarize the findings of the completed security testing plan as the final answer to the task.",
		Prompt: fmt.Sprintf("Task: %s\n\nResults:\n%s", taskPrompt(r.task), evidence),
	})
}

func planExecPlannerPrompt(toolList string) string {
	return fmt.Sprintf(`You are a planner for a security testing agent. Produce an ordered plan
of tool calls.

Available tools:
%s
Respond with JSON:
{"goal": "<restated goal>",
 "steps": [{"id": 1, "description": "...", "tool": "<tool name>", "args": {...}}]}

Reference an earlier step's output inside args with the marker #E<id>.`, toolList)
}

const planExecReflectPrompt = `You supervise a running security testing plan. After each step, decide
what happens next. Respond with JSON, one of:
{"decision": "continue"}
{"decision": "finish", "answer": "<final answer>"}
{"decision": "replan", "steps": [{"id": ..., "description": "...", "tool": "...", "args": {...}}]}
Replan only when the remaining steps no longer fit what was just learned.`
