package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// ReAct interleaves reasoning and acting: each iteration asks the completion
// service for exactly one Thought+Action pair, executes the action through
// the router and feeds the observation into the next turn. The loop ends on
// a Final Answer, the iteration budget or cancellation.
type ReAct struct {
	deps Deps
	opts Options
}

// NewReAct constructs the ReAct engine.
func NewReAct(deps Deps, opts Options) *ReAct {
	return &ReAct{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *ReAct) Kind() core.EngineKind { return core.EngineReAct }

// Execute runs the Thought/Action/Observation loop.
func (e *ReAct) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchReAct, task, execCtx)
	answer, err := e.loop(ctx, r, taskPrompt(task), r.opts.MaxIterations)
	return r.finish(answer, err)
}

// loop is the reusable reasoning loop. The travel engine embeds it for its
// act phase, so it must not touch terminal trace state itself.
func (e *ReAct) loop(ctx context.Context, r *run, objective string, maxIterations int) (string, error) {
	_, toolList, err := r.listTools(ctx)
	if err != nil {
		return "", err
	}
	system := reactSystemPrompt(toolList)

	var scratchpad strings.Builder
	for i := 0; i < maxIterations; i++ {
		if err := r.checkpoint(); err != nil {
			return "", err
		}
		r.trace.Iterations++

		out, err := r.completeModel(ctx, model.Request{
			System: system,
			Prompt: reactUserPrompt(objective, scratchpad.String()),
		})
		if err != nil {
			return "", err
		}

		action, extra, parseErr := ParseAction(out)
		if parseErr != nil {
			r.logger.Warn("engine.react.unparseable_turn", "error", parseErr.Error())
			r.msg.Error("parse", parseErr.Error())
			scratchpad.WriteString("Observation: your last reply could not be parsed; " +
				"reply with exactly one Action and Action Input, or a Final Answer.\n")
			continue
		}
		if extra > 0 {
			// One action per turn; the rest are discarded.
			violation := core.NewProtocolViolation("model emitted %d extra action pairs in one turn", extra)
			r.logger.Warn("engine.react.extra_actions", "discarded", extra)
			r.msg.Error("protocol", violation.Error())
		}

		if action.Thought != "" {
			r.msg.Thinking("thought", action.Thought)
		}
		if action.Final {
			return action.Answer, nil
		}

		observation, _, err := r.callTool(ctx, action.Tool, action.Args)
		if err != nil {
			return "", err
		}

		argsJSON, _ := json.Marshal(action.Args)
		fmt.Fprintf(&scratchpad, "Thought: %s\nAction: %s\nAction Input: %s\nObservation: %s\n",
			action.Thought, action.Tool, argsJSON, observation)
	}

	return "", fmt.Errorf("%w: no final answer after %d iterations", core.ErrBudgetExhausted, maxIterations)
}

func reactSystemPrompt(toolList string) string {
	return fmt.Sprintf(`You are a security testing agent reasoning step by step.

Available tools:
%s
Each turn, reply with exactly ONE of:

Thought: <your reasoning>
Action: <tool name>
Action Input: <JSON arguments>

or, when you have enough information:

Thought: <your reasoning>
Final Answer: <the answer>

Never emit more than one Action per turn.`, toolList)
}

func reactUserPrompt(objective, scratchpad string) string {
	if scratchpad == "" {
		return "Task: " + objective
	}
	return fmt.Sprintf("Task: %s\n\nProgress so far:\n%s", objective, scratchpad)
}
