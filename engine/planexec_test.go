package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
)

const twoStepPlan = `{"goal": "map the host", "steps": [
  {"id": 1, "description": "resolve", "tool": "dns_lookup", "args": {"domain": "example.com"}},
  {"id": 2, "description": "scan", "tool": "port_scan", "args": {"target": "#E1"}}
]}`

func TestPlanExecuteRunsPlanToSummary(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		twoStepPlan,
		`{"decision": "continue"}`,
		`{"decision": "continue"}`,
		"the host resolves and exposes port 80",
	)
	r.router.handler = func(name string, _ map[string]any) (any, error) {
		if name == "dns_lookup" {
			return "93.184.216.34", nil
		}
		return map[string]any{"open": []any{80}}, nil
	}

	eng := NewPlanExecute(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map example.com", core.EnginePlanExecute), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, trace.Status)
	assert.Equal(t, "the host resolves and exposes port 80", trace.FinalAnswer)
	assert.Equal(t, 4, trace.ModelCalls, "plan, two reflections, summary")

	calls := r.router.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "93.184.216.34", calls[1].Args["target"])
}

func TestPlanExecuteFinishesEarly(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		twoStepPlan,
		`{"decision": "finish", "answer": "dns alone answers the question"}`,
	)

	eng := NewPlanExecute(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("resolve example.com", core.EnginePlanExecute), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, "dns alone answers the question", trace.FinalAnswer)
	assert.Len(t, r.router.recorded(), 1, "remaining steps are skipped")
}

func TestPlanExecuteReplanReplacesRemainder(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		twoStepPlan,
		`{"decision": "replan", "steps": [{"id": 5, "description": "probe http", "tool": "http_request", "args": {"url": "http://example.com"}}]}`,
		`{"decision": "continue"}`,
		"summary",
	)

	eng := NewPlanExecute(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map example.com", core.EnginePlanExecute), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, trace.Status)

	calls := r.router.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "dns_lookup", calls[0].Name)
	assert.Equal(t, "http_request", calls[1].Name, "the original second step was replaced")
}

func TestPlanExecuteReplanLimit(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		twoStepPlan,
		`{"decision": "replan", "steps": [{"id": 5, "tool": "port_scan", "args": {"target": "x"}}]}`,
		`{"decision": "replan", "steps": [{"id": 9, "tool": "port_scan", "args": {"target": "y"}}]}`,
	)

	eng := NewPlanExecute(r.deps, Options{MaxReplans: 1})
	trace, err := eng.Execute(context.Background(), core.NewTask("map", core.EnginePlanExecute), r.execCtx)

	require.ErrorIs(t, err, core.ErrBudgetExhausted)
	assert.Equal(t, core.StatusFailed, trace.Status)
}

func TestPlanExecuteUnparseableReflectionContinues(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"steps": [{"id": 1, "tool": "dns_lookup", "args": {"domain": "example.com"}}]}`,
		"hmm, hard to say",
		"summary",
	)

	eng := NewPlanExecute(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("resolve", core.EnginePlanExecute), r.execCtx)

	require.NoError(t, err, "a chatty reflection degrades to continue")
	assert.Equal(t, "summary", trace.FinalAnswer)
}

func TestPlanExecuteCancellationBetweenSteps(t *testing.T) {
	r := newRig()
	r.model.Enqueue(twoStepPlan, `{"decision": "continue"}`)
	r.router.handler = func(string, map[string]any) (any, error) {
		r.execCtx.Cancel.Cancel()
		return "x", nil
	}

	eng := NewPlanExecute(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map", core.EnginePlanExecute), r.execCtx)

	require.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, core.StatusCancelled, trace.Status)
	assert.Len(t, r.router.recorded(), 1)
}
