package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/stream"
)

func TestAnalyzeComplexity(t *testing.T) {
	cases := []struct {
		description string
		want        Complexity
	}{
		{"run a comprehensive penetration test of the network", ComplexityHigh},
		{"full assessment of every exposed service", ComplexityHigh},
		{"check whether port 22 is open", ComplexityLow},
		{"quick lookup of the MX records", ComplexityLow},
		{"map the attack surface of example.com", ComplexityMedium},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, AnalyzeComplexity(tc.description), tc.description)
	}
}

func TestTravelConcludesWithoutActing(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"assessment": "the findings already cover the question"}`,
		`{"decision": "conclude", "answer": "no exposed services"}`,
	)

	eng := NewTravel(r.deps, Options{})
	task := core.NewTask("map the attack surface", core.EngineTravel)
	trace, err := eng.Execute(context.Background(), task, r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, trace.Status)
	assert.Equal(t, "no exposed services", trace.FinalAnswer)
	assert.Equal(t, 2, trace.ModelCalls, "one orient, one decide")
	assert.Empty(t, r.router.recorded())

	metas := r.rec.byKind(stream.KindMeta)
	require.NotEmpty(t, metas)
	assert.Equal(t, "medium", metas[0].StructuredData["grade"])
}

func TestTravelProbeThenActThenConclude(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		// cycle 1: orient with a probe, decide to act, act loop answers directly
		`{"assessment": "need a fresh look", "probe": {"tool": "dns_lookup", "args": {"domain": "example.com"}}}`,
		`{"decision": "act", "objective": "scan the resolved host"}`,
		`{"thought": "scan it", "action": "port_scan", "action_input": {"target": "example.com"}}`,
		`{"final_answer": "port 80 open"}`,
		// cycle 2: conclude
		`{"assessment": "surface is mapped"}`,
		`{"decision": "conclude", "answer": "the host exposes only HTTP"}`,
	)

	eng := NewTravel(r.deps, Options{})
	task := core.NewTask("map the attack surface", core.EngineTravel)
	trace, err := eng.Execute(context.Background(), task, r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, "the host exposes only HTTP", trace.FinalAnswer)

	calls := r.router.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "dns_lookup", calls[0].Name, "orient probe runs first")
	assert.Equal(t, "port_scan", calls[1].Name, "act loop runs the objective")
}

func TestTravelProseOrientationIsUsable(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		"Things look quiet so far.",
		`{"decision": "conclude", "answer": "nothing found"}`,
	)

	eng := NewTravel(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map the surface", core.EngineTravel), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, "nothing found", trace.FinalAnswer)
}

func TestTravelCycleLimit(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"assessment": "still unclear"}`,
		`{"decision": "act", "objective": "look again"}`,
		`{"final_answer": "looked"}`,
	)

	eng := NewTravel(r.deps, Options{MaxCycles: 1})
	trace, err := eng.Execute(context.Background(), core.NewTask("map the surface", core.EngineTravel), r.execCtx)

	require.ErrorIs(t, err, core.ErrBudgetExhausted)
	assert.Equal(t, core.StatusFailed, trace.Status)
}

func TestTravelExhaustedActPhaseIsNonFatal(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"assessment": "need to dig"}`,
		`{"decision": "act", "objective": "enumerate the host"}`,
		// act budget for a "check ..." task is 3; burn it without concluding
		`{"action": "port_scan", "action_input": {"target": "example.com"}}`,
		`{"action": "port_scan", "action_input": {"target": "example.com"}}`,
		`{"action": "port_scan", "action_input": {"target": "example.com"}}`,
		`{"assessment": "objective ran out of budget"}`,
		`{"decision": "conclude", "answer": "partial results only"}`,
	)

	eng := NewTravel(r.deps, Options{})
	task := core.NewTask("check whether the host is exposed", core.EngineTravel)
	trace, err := eng.Execute(context.Background(), task, r.execCtx)

	require.NoError(t, err, "an exhausted act phase becomes a finding, not a failure")
	assert.Equal(t, "partial results only", trace.FinalAnswer)
	assert.Len(t, r.router.recorded(), 3)
}

func TestTravelUnusableDecisionFails(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"assessment": "fine"}`,
		"shrug",
	)

	eng := NewTravel(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map the surface", core.EngineTravel), r.execCtx)

	require.Error(t, err)
	var pv *core.ProtocolViolation
	assert.ErrorAs(t, err, &pv)
	assert.Equal(t, core.StatusFailed, trace.Status)
}
