package engine

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// ReWOO decouples reasoning from observation: a single planner call produces
// every step up front, the worker executes them without further model calls,
// and a single solver call turns the evidence into the final answer. Two
// completion calls total, regardless of plan length.
type ReWOO struct {
	deps Deps
	opts Options
}

// NewReWOO constructs the ReWOO engine.
func NewReWOO(deps Deps, opts Options) *ReWOO {
	return &ReWOO{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *ReWOO) Kind() core.EngineKind { return core.EngineReWOO }

// Execute plans once, runs every step, then solves once.
func (e *ReWOO) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchReWOO, task, execCtx)

	_, toolList, err := r.listTools(ctx)
	if err != nil {
		return r.finish("", err)
	}

	plan, err := e.plan(ctx, r, toolList)
	if err != nil {
		return r.finish("", err)
	}
	r.msg.PlanInfo(plan.Render(), map[string]any{"steps": len(plan.Steps)})

	evidence, err := e.work(ctx, r, plan)
	if err != nil {
		return r.finish("", err)
	}

	answer, err := e.solve(ctx, r, plan, evidence)
	return r.finish(answer, err)
}

func (e *ReWOO) plan(ctx context.Context, r *run, toolList string) (*Plan, error) {
	r.trace.Iterations++
	out, err := r.completeModel(ctx, model.Request{
		System: rewooPlannerPrompt(toolList),
		Prompt: "Task: " + taskPrompt(r.task),
	})
	if err != nil {
		return nil, err
	}

	plan, err := ParsePlan(out)
	if err == nil {
		return plan, nil
	}
	// Older planner checkpoints answer in the #E-notation text format.
	if legacy, lerr := parseLegacyPlan(out); lerr == nil {
		r.logger.Debug("engine.rewoo.legacy_plan", "steps", len(legacy.Steps))
		return legacy, nil
	}
	return nil, fmt.Errorf("unusable plan: %w", err)
}

// work executes every step in dependency order. A failed tool call becomes
// evidence rather than aborting the run; the solver sees the failure text.
func (e *ReWOO) work(ctx context.Context, r *run, plan *Plan) (map[int]any, error) {
	evidence := make(map[int]any, len(plan.Steps))
	done := make(map[int]bool, len(plan.Steps))

	for len(done) < len(plan.Steps) {
		ready := plan.Ready(done, nil)
		if len(ready) == 0 {
			return nil, core.NewProtocolViolation("plan stalled with %d of %d steps done", len(done), len(plan.Steps))
		}
		for _, step := range ready {
			if err := r.checkpoint(); err != nil {
				return nil, err
			}
			args, err := ResolveArgs(step.Args, evidence)
			if err != nil {
				return nil, err
			}
			r.msg.Thinking("worker", fmt.Sprintf("step %d: %s", step.ID, step.Description))
			result, observation, failed, err := r.callToolValue(ctx, step.Tool, args)
			if err != nil {
				return nil, err
			}
			if failed {
				evidence[step.ID] = observation
			} else {
				evidence[step.ID] = result
			}
			done[step.ID] = true
		}
	}
	return evidence, nil
}

func (e *ReWOO) solve(ctx context.Context, r *run, plan *Plan, evidence map[int]any) (string, error) {
	var b strings.Builder
	for _, step := range plan.Steps {
		fmt.Fprintf(&b, "#E%d (%s): %s\n", step.ID, step.Tool, renderResult(evidence[step.ID]))
	}
	r.trace.Iterations++
	return r.completeModel(ctx, model.Request{
		System: rewooSolverPrompt,
		Prompt: fmt.Sprintf("Task: %s\n\nPlan:\n%s\nEvidence:\n%s\nAnswer the task using only the evidence above.",
			taskPrompt(r.task), plan.Render(), b.String()),
	})
}

// legacyStepRe matches the classic ReWOO planner line format,
// e.g. "#E1 = port_scan[target=example.com, ports=80]".
var legacyStepRe = regexp.MustCompile(`#E(\d+)\s*=\s*(\w+)\[([^\]]*)\]`)

// parseLegacyPlan reads #E-notation plans. The free text preceding each
// assignment on the same line becomes the step description, and bracket
// contents are parsed as comma-separated key=value pairs. A bare value with
// no key is treated as the query argument.
func parseLegacyPlan(text string) (*Plan, error) {
	var plan Plan
	for _, line := range strings.Split(text, "\n") {
		m := legacyStepRe.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}
		id, _ := strconv.Atoi(line[m[2]:m[3]])
		step := Step{
			ID:          id,
			Description: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line[:m[0]]), "Plan:")),
			Tool:        line[m[4]:m[5]],
			Args:        parseLegacyArgs(line[m[6]:m[7]]),
		}
		plan.Steps = append(plan.Steps, step)
	}
	if len(plan.Steps) == 0 {
		return nil, core.NewProtocolViolation("no #E steps found in plan text")
	}
	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func parseLegacyArgs(s string) map[string]any {
	args := make(map[string]any)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if k, v, ok := strings.Cut(part, "="); ok {
			args[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
		} else {
			args["query"] = strings.Trim(part, `"'`)
		}
	}
	return args
}

func rewooPlannerPrompt(toolList string) string {
	return fmt.Sprintf(`You are a planner for a security testing agent. Produce a complete plan
before any tool runs; you will not see intermediate results.

Available tools:
%s
Respond with JSON:
{"goal": "<restated goal>",
 "steps": [{"id": 1, "description": "...", "tool": "<tool name>", "args": {...}, "depends_on": []}]}

Reference an earlier step's output inside args with the marker #E<id>.`, toolList)
}

const rewooSolverPrompt = `You are the solver for a security testing agent. You receive a plan and
the evidence each step produced. Write the final answer to the task.
Do not invent results that are not in the evidence.`
