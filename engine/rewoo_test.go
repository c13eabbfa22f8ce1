package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/stream"
)

func TestReWOOPlansExecutesSolves(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"goal": "map the host", "steps": [
  {"id": 1, "description": "resolve", "tool": "dns_lookup", "args": {"domain": "example.com"}},
  {"id": 2, "description": "scan", "tool": "port_scan", "args": {"target": "#E1"}}
]}`,
		"example.com resolves to 93.184.216.34 and exposes port 80",
	)
	r.router.handler = func(name string, _ map[string]any) (any, error) {
		if name == "dns_lookup" {
			return "93.184.216.34", nil
		}
		return map[string]any{"open": []any{80}}, nil
	}

	eng := NewReWOO(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("map example.com", core.EngineReWOO), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, trace.Status)
	assert.Equal(t, 2, trace.ModelCalls, "planner and solver only")

	calls := r.router.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "dns_lookup", calls[0].Name)
	assert.Equal(t, "93.184.216.34", calls[1].Args["target"], "evidence marker resolves to the prior result")

	require.Len(t, r.rec.byKind(stream.KindPlanInfo), 1)
}

func TestReWOOParsesLegacyPlanText(t *testing.T) {
	plan, err := parseLegacyPlan(`Plan: resolve the domain #E1 = dns_lookup[domain=example.com]
Plan: scan the resolved host #E2 = port_scan[target=#E1, ports=80]`)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)

	assert.Equal(t, 1, plan.Steps[0].ID)
	assert.Equal(t, "dns_lookup", plan.Steps[0].Tool)
	assert.Equal(t, "resolve the domain", plan.Steps[0].Description)
	assert.Equal(t, "example.com", plan.Steps[0].Args["domain"])

	assert.Equal(t, "port_scan", plan.Steps[1].Tool)
	assert.Equal(t, "#E1", plan.Steps[1].Args["target"])
	assert.Equal(t, "80", plan.Steps[1].Args["ports"])
	assert.Equal(t, []int{1}, plan.Steps[1].DependsOn, "marker references become dependencies")
}

func TestReWOOLegacyBareValueBecomesQuery(t *testing.T) {
	plan, err := parseLegacyPlan(`#E1 = dns_lookup["example.com"]`)
	require.NoError(t, err)
	assert.Equal(t, "example.com", plan.Steps[0].Args["query"])
}

func TestReWOOFallsBackToLegacyFormat(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		"Plan: look up the domain #E1 = dns_lookup[domain=example.com]",
		"resolved fine",
	)

	eng := NewReWOO(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("resolve example.com", core.EngineReWOO), r.execCtx)

	require.NoError(t, err)
	assert.Equal(t, "resolved fine", trace.FinalAnswer)
	require.Len(t, r.router.recorded(), 1)
}

func TestReWOOFailedStepBecomesEvidence(t *testing.T) {
	r := newRig()
	r.model.Enqueue(
		`{"steps": [{"id": 1, "tool": "port_scan", "args": {"target": "example.com"}}]}`,
		"the scan could not reach the host",
	)
	r.router.handler = func(string, map[string]any) (any, error) {
		return nil, errors.New("timeout")
	}

	eng := NewReWOO(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("scan", core.EngineReWOO), r.execCtx)

	require.NoError(t, err, "the solver still runs on failure evidence")
	assert.Equal(t, core.StatusCompleted, trace.Status)

	reqs := r.model.Requests()
	require.Len(t, reqs, 2)
	assert.Contains(t, reqs[1].Prompt, "failed", "solver sees the failure text")
}

func TestReWOOUnusablePlanFails(t *testing.T) {
	r := newRig()
	r.model.Enqueue("I would rather not make a plan.")

	eng := NewReWOO(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("scan", core.EngineReWOO), r.execCtx)

	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, trace.Status)
	assert.Empty(t, r.router.recorded())
}

func TestReWOOCancellationDuringWork(t *testing.T) {
	r := newRig()
	r.model.Enqueue(`{"steps": [
  {"id": 1, "tool": "dns_lookup", "args": {"domain": "a.example"}},
  {"id": 2, "tool": "dns_lookup", "args": {"domain": "b.example"}}
]}`)
	r.router.handler = func(string, map[string]any) (any, error) {
		r.execCtx.Cancel.Cancel()
		return "x", nil
	}

	eng := NewReWOO(r.deps, Options{})
	trace, err := eng.Execute(context.Background(), core.NewTask("scan", core.EngineReWOO), r.execCtx)

	require.ErrorIs(t, err, core.ErrCancelled)
	assert.Equal(t, core.StatusCancelled, trace.Status)
	assert.Len(t, r.router.recorded(), 1, "second step never starts")
}
