package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/internal/util"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
)

// Complexity grades a task before the first cycle and sizes the act budget.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// cycleWallClock bounds one act phase regardless of its iteration budget, so
// a slow tool cannot stall the cycle loop indefinitely.
const cycleWallClock = 2 * time.Minute

// Travel runs Observe-Orient-Decide-Act cycles: each cycle the model reads
// the accumulated findings, may fire one probe to refresh them, then either
// concludes or picks an objective that an embedded reasoning loop pursues
// with a complexity-sized iteration budget. Cycles are capped by
// Options.MaxCycles.
type Travel struct {
	deps Deps
	opts Options
}

// NewTravel constructs the OODA travel engine.
func NewTravel(deps Deps, opts Options) *Travel {
	return &Travel{deps: deps.withDefaults(), opts: opts.withDefaults()}
}

// Kind identifies the strategy.
func (e *Travel) Kind() core.EngineKind { return core.EngineTravel }

// orientation is the model's read of the situation at the top of a cycle.
type orientation struct {
	Assessment string `json:"assessment"`
	Probe      *struct {
		Tool string         `json:"tool"`
		Args map[string]any `json:"args"`
	} `json:"probe,omitempty"`
}

// decision closes a cycle: act on an objective or conclude with the answer.
type decision struct {
	Decision  string `json:"decision"` // act or conclude
	Objective string `json:"objective,omitempty"`
	Answer    string `json:"answer,omitempty"`
}

// Execute runs the cycle loop.
func (e *Travel) Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error) {
	r := newRun(e.deps, e.opts, stream.ArchTravel, task, execCtx)

	complexity := AnalyzeComplexity(task.Description)
	budget := actBudget(complexity)
	r.msg.Meta("complexity", map[string]any{"grade": string(complexity), "act_budget": budget})
	r.logger.Info("engine.travel.graded", "complexity", string(complexity), "act_budget", budget)

	_, toolList, err := r.listTools(ctx)
	if err != nil {
		return r.finish("", err)
	}

	inner := &ReAct{deps: e.deps, opts: e.opts}
	var findings strings.Builder

	for cycle := 1; cycle <= r.opts.MaxCycles; cycle++ {
		if err := r.checkpoint(); err != nil {
			return r.finish("", err)
		}
		r.trace.Iterations++

		orient, err := e.orient(ctx, r, toolList, cycle, findings.String())
		if err != nil {
			return r.finish("", err)
		}
		r.msg.Thinking("orient", orient.Assessment)
		fmt.Fprintf(&findings, "[cycle %d] assessment: %s\n", cycle, orient.Assessment)

		if orient.Probe != nil && orient.Probe.Tool != "" {
			observation, _, err := r.callTool(ctx, orient.Probe.Tool, orient.Probe.Args)
			if err != nil {
				return r.finish("", err)
			}
			fmt.Fprintf(&findings, "[cycle %d] probe %s: %s\n", cycle, orient.Probe.Tool, observation)
		}

		verdict, err := e.decide(ctx, r, cycle, findings.String())
		if err != nil {
			return r.finish("", err)
		}
		if verdict.Decision == "conclude" {
			return r.finish(verdict.Answer, nil)
		}
		if verdict.Objective == "" {
			return r.finish("", core.NewProtocolViolation("act decision in cycle %d carried no objective", cycle))
		}

		r.msg.Thinking("decide", "objective: "+verdict.Objective)
		actCtx, cancelAct := context.WithTimeout(ctx, cycleWallClock)
		outcome, err := inner.loop(actCtx, r, verdict.Objective, budget)
		cancelAct()
		if err != nil {
			if errors.Is(err, core.ErrBudgetExhausted) || errors.Is(err, context.DeadlineExceeded) {
				// An exhausted act phase is a finding, not a failure.
				fmt.Fprintf(&findings, "[cycle %d] objective %q not completed within budget\n", cycle, verdict.Objective)
				continue
			}
			return r.finish("", err)
		}
		fmt.Fprintf(&findings, "[cycle %d] objective %q outcome: %s\n", cycle, verdict.Objective, outcome)
	}

	return r.finish("", fmt.Errorf("%w: no conclusion after %d cycles", core.ErrBudgetExhausted, r.opts.MaxCycles))
}

func (e *Travel) orient(ctx context.Context, r *run, toolList string, cycle int, findings string) (*orientation, error) {
	out, err := r.completeModel(ctx, model.Request{
		System: travelOrientPrompt(toolList),
		Prompt: fmt.Sprintf("Task: %s\n\nCycle: %d\nFindings so far:\n%s", taskPrompt(r.task), cycle, orNone(findings)),
	})
	if err != nil {
		return nil, err
	}
	raw, jerr := util.ExtractJSON(out)
	if jerr == nil {
		var v orientation
		if json.Unmarshal([]byte(raw), &v) == nil && v.Assessment != "" {
			return &v, nil
		}
	}
	// Prose orientation is usable as-is, just without a probe.
	return &orientation{Assessment: strings.TrimSpace(out)}, nil
}

func (e *Travel) decide(ctx context.Context, r *run, cycle int, findings string) (*decision, error) {
	out, err := r.completeModel(ctx, model.Request{
		System: travelDecidePrompt,
		Prompt: fmt.Sprintf("Task: %s\n\nCycle %d of %d.\nFindings so far:\n%s",
			taskPrompt(r.task), cycle, r.opts.MaxCycles, orNone(findings)),
	})
	if err != nil {
		return nil, err
	}
	raw, jerr := util.ExtractJSON(out)
	if jerr == nil {
		var v decision
		if json.Unmarshal([]byte(raw), &v) == nil && v.Decision != "" {
			return &v, nil
		}
	}
	return nil, core.NewProtocolViolation("unusable decide verdict in cycle %d", cycle)
}

// highSignals and lowSignals grade task descriptions. Anything matching
// neither list is medium.
var (
	highSignals = []string{
		"comprehensive", "full assessment", "all ", "entire", "complete audit",
		"penetration test", "pentest", "multi", "chain", "pivot", "every",
	}
	lowSignals = []string{
		"check", "single", "quick", "simple", "verify", "one ", "lookup",
		"is it", "whether",
	}
)

// AnalyzeComplexity grades a task description by keyword. High signals win
// over low signals; no signal at all grades medium.
func AnalyzeComplexity(description string) Complexity {
	d := strings.ToLower(description)
	for _, s := range highSignals {
		if strings.Contains(d, s) {
			return ComplexityHigh
		}
	}
	for _, s := range lowSignals {
		if strings.Contains(d, s) {
			return ComplexityLow
		}
	}
	return ComplexityMedium
}

func actBudget(c Complexity) int {
	switch c {
	case ComplexityLow:
		return 3
	case ComplexityHigh:
		return 8
	default:
		return 5
	}
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none yet)"
	}
	return s
}

func travelOrientPrompt(toolList string) string {
	return fmt.Sprintf(`You are the observe and orient phases of a security assessment loop.
Read the findings and assess where the engagement stands. You may request
at most one read-only probe to refresh your picture.

Available tools:
%s
Respond with JSON:
{"assessment": "<current read of the situation>",
 "probe": {"tool": "<tool name>", "args": {...}}}
Omit probe when the findings are fresh enough.`, toolList)
}

const travelDecidePrompt = `You are the decide phase of a security assessment loop. Based on the
findings, either set the next objective or conclude. Respond with JSON,
one of:
{"decision": "act", "objective": "<single concrete objective>"}
{"decision": "conclude", "answer": "<final assessment>"}
Conclude once the findings answer the task; do not pad cycles.`
