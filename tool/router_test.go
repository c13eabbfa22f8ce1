package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/model"
)

func scanRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	p := NewStaticProvider("local",
		NewFunctionTool("port_scan", "Scan TCP ports on a host", map[string]any{"type": "object"},
			func(_ context.Context, _ map[string]any) (any, error) { return "open: 80,443", nil }).
			WithTags("network", "recon"),
		NewFunctionTool("dns_lookup", "Resolve DNS records for a domain", map[string]any{"type": "object"},
			func(_ context.Context, _ map[string]any) (any, error) { return "93.184.216.34", nil }).
			WithTags("network", "recon"),
		NewFunctionTool("http_request", "Send an HTTP request and capture the response", map[string]any{"type": "object"},
			func(_ context.Context, _ map[string]any) (any, error) { return "200 OK", nil }).
			WithTags("web"),
		NewFunctionTool("browser_screenshot", "Capture a screenshot of a web page", map[string]any{"type": "object"},
			func(_ context.Context, _ map[string]any) (any, error) { return "png bytes", nil }).
			WithTags("web", "browser"),
	)
	require.NoError(t, reg.RegisterProvider(context.Background(), p))
	return reg
}

func names(defs []Definition) []string {
	out := make([]string, len(defs))
	for i, d := range defs {
		out[i] = d.Name
	}
	return out
}

func TestListToolsAllStrategy(t *testing.T) {
	router := NewRouter(scanRegistry(t))

	defs, err := router.ListTools(context.Background(), NewPermissionSet(StrategyAll), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan", "dns_lookup", "http_request", "browser_screenshot"}, names(defs))
}

func TestListToolsMaxToolsTruncation(t *testing.T) {
	router := NewRouter(scanRegistry(t))
	perm := &PermissionSet{Strategy: StrategyAll, MaxTools: 2}

	defs, err := router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan", "dns_lookup"}, names(defs), "registration order breaks the tie")
}

func TestListToolsFixedSurviveTruncation(t *testing.T) {
	router := NewRouter(scanRegistry(t))
	perm := &PermissionSet{
		Strategy:   StrategyAll,
		MaxTools:   2,
		FixedTools: []string{"browser_screenshot"},
	}

	defs, err := router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "browser_screenshot", defs[0].Name, "fixed tools are never dropped by truncation")
}

func TestListToolsDisabledGlobs(t *testing.T) {
	router := NewRouter(scanRegistry(t))
	perm := &PermissionSet{
		Strategy:      StrategyAll,
		MaxTools:      10,
		DisabledTools: []string{"browser_*", "dns_lookup"},
	}

	defs, err := router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"port_scan", "http_request"}, names(defs))

	// Disabled wins even over a fixed tool.
	perm.FixedTools = []string{"dns_lookup"}
	defs, err = router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	assert.NotContains(t, names(defs), "dns_lookup")
}

func TestListToolsKeywordStrategy(t *testing.T) {
	router := NewRouter(scanRegistry(t))
	perm := &PermissionSet{Strategy: StrategyKeyword, MaxTools: 10}

	defs, err := router.ListTools(context.Background(), perm, "scan the ports of the target host")
	require.NoError(t, err)
	require.NotEmpty(t, defs)
	assert.Equal(t, "port_scan", defs[0].Name, "strongest keyword match first")
	assert.NotContains(t, names(defs), "browser_screenshot")
}

func TestListToolsAbilityStrategy(t *testing.T) {
	router := NewRouter(scanRegistry(t))
	perm := &PermissionSet{Strategy: StrategyAbility, MaxTools: 10, Abilities: []string{"web"}}

	defs, err := router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"http_request", "browser_screenshot"}, names(defs))

	perm.Abilities = nil
	defs, err = router.ListTools(context.Background(), perm, "")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestListToolsLLMStrategy(t *testing.T) {
	classifier := model.NewMockModel("classifier")
	classifier.Enqueue(`["dns_lookup", "port_scan", "dns_lookup"]`)

	router := NewRouter(scanRegistry(t), WithSelectionModel(classifier))
	perm := &PermissionSet{Strategy: StrategyLLM, MaxTools: 10}

	defs, err := router.ListTools(context.Background(), perm, "enumerate the target")
	require.NoError(t, err)
	assert.Equal(t, []string{"dns_lookup", "port_scan"}, names(defs), "classifier order kept, repeats dropped")
}

func TestListToolsLLMFallsBackToKeyword(t *testing.T) {
	classifier := model.NewMockModel("classifier")
	classifier.Enqueue("I cannot decide, sorry.")

	router := NewRouter(scanRegistry(t), WithSelectionModel(classifier))
	perm := &PermissionSet{Strategy: StrategyLLM, MaxTools: 10}

	defs, err := router.ListTools(context.Background(), perm, "scan ports")
	require.NoError(t, err)
	require.NotEmpty(t, defs, "unparseable classifier output degrades to keyword scoring")
	assert.Equal(t, "port_scan", defs[0].Name)
}

func TestListToolsManualAndNone(t *testing.T) {
	router := NewRouter(scanRegistry(t))

	manual := &PermissionSet{Strategy: StrategyManual, MaxTools: 10, FixedTools: []string{"http_request"}}
	defs, err := router.ListTools(context.Background(), manual, "scan everything")
	require.NoError(t, err)
	assert.Equal(t, []string{"http_request"}, names(defs))

	none := &PermissionSet{Strategy: StrategyNone, MaxTools: 10}
	defs, err = router.ListTools(context.Background(), none, "scan everything")
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestCallRevalidatesPermission(t *testing.T) {
	router := NewRouter(scanRegistry(t))

	// Disabled tool denied even though it exists.
	perm := &PermissionSet{Strategy: StrategyAll, DisabledTools: []string{"port_scan"}}
	_, err := router.Call(context.Background(), "port_scan", map[string]any{}, perm)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	// Manual strategy denies anything outside the fixed list.
	manual := &PermissionSet{Strategy: StrategyManual, FixedTools: []string{"dns_lookup"}}
	_, err = router.Call(context.Background(), "port_scan", map[string]any{}, manual)
	assert.ErrorIs(t, err, core.ErrPermissionDenied)

	result, err := router.Call(context.Background(), "dns_lookup", map[string]any{}, manual)
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", result)

	_, err = router.Call(context.Background(), "no_such_tool", map[string]any{}, nil)
	assert.ErrorIs(t, err, core.ErrToolNotFound)
}

func TestCallWrapsProviderFailure(t *testing.T) {
	reg := NewRegistry()
	p := NewStaticProvider("local", NewFunctionTool("flaky", "Fails on purpose", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, NewToolError("flaky", "target unreachable", "EXECUTION_ERROR")
		}))
	require.NoError(t, reg.RegisterProvider(context.Background(), p))
	router := NewRouter(reg)

	_, err := router.Call(context.Background(), "flaky", map[string]any{}, nil)
	var execErr *core.ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "flaky", execErr.Tool)

	st, ok := reg.Usage("flaky")
	require.True(t, ok)
	assert.Equal(t, uint64(1), st.Failures)
}

func TestSubAgentSetNeverListsDelegation(t *testing.T) {
	reg := scanRegistry(t)
	delegation := NewStaticProvider("delegation", NewFunctionTool(DelegationToolName,
		"Delegate a sub-task to a fresh agent", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) { return nil, nil }))
	require.NoError(t, reg.RegisterProvider(context.Background(), delegation))
	router := NewRouter(reg)

	parents := []*PermissionSet{
		{Strategy: StrategyAll, MaxTools: 10},
		{Strategy: StrategyAll, MaxTools: 10, FixedTools: []string{DelegationToolName}},
		{Strategy: StrategyManual, MaxTools: 10, FixedTools: []string{DelegationToolName, "port_scan"}},
	}
	for _, parent := range parents {
		child := parent.ForSubAgent()
		defs, err := router.ListTools(context.Background(), child, "anything at all")
		require.NoError(t, err)
		assert.NotContains(t, names(defs), DelegationToolName)

		_, err = router.Call(context.Background(), DelegationToolName, map[string]any{}, child)
		assert.ErrorIs(t, err, core.ErrPermissionDenied)
	}
}
