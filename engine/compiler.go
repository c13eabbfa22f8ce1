package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// Compiler plans a dependency DAG once, executes independent steps
// concurrently with a bounded worker pool, then lets a joiner call decide
// whether the collected results answer the task or a follow-up plan is
// needed. Follow-up rounds are capped by Options.MaxReplans.
type Compiler struct {
	deps Deps
	opts Options
}

// NewCompiler constructs the DAG compiler engine.
func NewCompiler(deps Deps, opts Options) *Compiler {
	return &Compiler{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *Compiler) Kind() core.EngineKind { return core.EngineCompiler }

// joinVerdict is the joiner's decision after a full DAG round.
type joinVerdict struct {
	Decision string `json:"decision"` // complete or continue
	Answer   string `json:"answer,omitempty"`
	Feedback string `json:"feedback,omitempty"`
}

// Execute runs plan, parallel execution and join, looping on "continue".
func (e *Compiler) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchCompiler, task, execCtx)

	_, toolList, err := r.listTools(ctx)
	if err != nil {
		return r.finish("", err)
	}

	feedback := ""
	for round := 0; ; round++ {
		if err := r.checkpoint(); err != nil {
			return r.finish("", err)
		}
		r.trace.Iterations++

		plan, err := e.plan(ctx, r, toolList, feedback)
		if err != nil {
			return r.finish("", err)
		}
		r.msg.PlanInfo(plan.Render(), map[string]any{"steps": len(plan.Steps), "round": round + 1})

		results, err := e.executeDAG(ctx, r, plan)
		if err != nil {
			return r.finish("", err)
		}

		verdict, err := e.join(ctx, r, plan, results)
		if err != nil {
			return r.finish("", err)
		}
		if verdict.Decision == "complete" {
			return r.finish(verdict.Answer, nil)
		}
		if round+1 > r.opts.MaxReplans {
			return r.finish("", fmt.Errorf("%w: joiner requested round %d, limit is %d",
				core.ErrBudgetExhausted, round+2, r.opts.MaxReplans+1))
		}
		feedback = verdict.Feedback
		r.logger.Info("engine.compiler.continue", "round", round+1, "feedback", feedback)
	}
}

func (e *Compiler) plan(ctx context.Context, r *run, toolList, feedback string) (*Plan, error) {
	prompt := "Task: " + taskPrompt(r.task)
	if feedback != "" {
		prompt += "\n\nA previous round was insufficient. Joiner feedback:\n" + feedback
	}
	out, err := r.completeModel(ctx, model.Request{
		System: compilerPlannerPrompt(toolList),
		Prompt: prompt,
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

// executeDAG schedules steps wave by wave. Every step whose dependencies are
// satisfied runs concurrently, bounded by Options.Workers. Failed steps
// contribute their failure text as the result so dependents and the joiner
// see what happened.
func (e *Compiler) executeDAG(ctx context.Context, r *run, plan *Plan) (map[int]any, error) {
	var (
		mu      sync.Mutex
		results = make(map[int]any, len(plan.Steps))
		done    = make(map[int]bool, len(plan.Steps))
	)
	sem := make(chan struct{}, r.opts.Workers)

	for len(done) < len(plan.Steps) {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		ready := plan.Ready(done, nil)
		if len(ready) == 0 {
			return nil, core.NewProtocolViolation("plan stalled with %d of %d steps done", len(done), len(plan.Steps))
		}

		var (
			wg       sync.WaitGroup
			errMu    sync.Mutex
			waveErr  error
			snapshot = cloneResults(results)
		)
		for _, step := range ready {
			wg.Add(1)
			go func(step Step) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()

				args, err := ResolveArgs(step.Args, snapshot)
				if err == nil {
					var result any
					var observation string
					var failed bool
					result, observation, failed, err = r.callToolValue(ctx, step.Tool, args)
					if err == nil {
						mu.Lock()
						if failed {
							results[step.ID] = observation
						} else {
							results[step.ID] = result
						}
						mu.Unlock()
					}
				}
				if err != nil {
					errMu.Lock()
					if waveErr == nil {
						waveErr = err
					}
					errMu.Unlock()
				}
			}(step)
		}
		wg.Wait()
		if waveErr != nil {
			return nil, waveErr
		}
		for _, step := range ready {
			done[step.ID] = true
		}
	}
	return results, nil
}

func (e *Compiler) join(ctx context.Context, r *run, plan *Plan, results map[int]any) (*joinVerdict, error) {
	var evidence string
	for _, step := range plan.Steps {
		evidence += fmt.Sprintf("#E%d (%s): %s\n", step.ID, step.Tool, renderResult(results[step.ID]))
	}
	out, err := r.completeModel(ctx, model.Request{
		System: compilerJoinerPrompt,
		Prompt: fmt.Sprintf("Task: %s\n\nPlan:\n%s\nResults:\n%s", taskPrompt(r.task), plan.Render(), evidence),
	})
	if err != nil {
		return nil, err
	}

	raw, jerr := util.ExtractJSON(out)
	if jerr == nil {
		var v joinVerdict
		if json.Unmarshal([]byte(raw), &v) == nil && v.Decision != "" {
			return &v, nil
		}
	}
	// A joiner that answers in prose is treated as completing with that prose.
	r.logger.Debug("engine.compiler.prose_join")
	return &joinVerdict{Decision: "complete", Answer: out}, nil
}

func cloneResults(results map[int]any) map[int]any {
	out := make(map[int]any, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

func compilerPlannerPrompt(toolList string) string {
	return fmt.Sprintf(`You are a planner for a security testing agent. Produce a dependency
graph of tool calls; independent steps run in parallel.

Available tools:
%s
Respond with JSON:
{"goal": "<restated goal>",
 "steps": [{"id": 1, "description": "...", "tool": "<tool name>", "args": {...}, "depends_on": []}]}

List a step's prerequisites in depends_on and reference their output inside
args with the marker #E<id>. Steps with no dependency between them will run
concurrently, so order carries no meaning beyond depends_on.`, toolList)
}

const compilerJoinerPrompt = `You are the joiner for a security testing agent. You receive the
executed plan and every step result. Respond with JSON, one of:
{"decision": "complete", "answer": "<final answer>"}
{"decision": "continue", "feedback": "<what the next plan must cover>"}
Choose continue only when the results cannot answer the task.`
