package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/tool"
)

const reconWorkflow = `
name: recon_sweep
description: Resolve a domain, then scan the resolved address
tags: [recon]
parameters:
  type: object
  properties:
    domain: {type: string}
  required: [domain]
steps:
  - tool: dns_lookup
    args:
      domain: $param.domain
  - tool: port_scan
    args:
      target: $step1
      label: "scan of $param.domain"
`

type recordingInvoker struct {
	calls   []string
	args    []map[string]any
	perms   []*tool.PermissionSet
	replies map[string]any
	failOn  string
}

func (r *recordingInvoker) Call(_ context.Context, name string, args map[string]any, perm *tool.PermissionSet) (any, error) {
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
	r.perms = append(r.perms, perm)
	if name == r.failOn {
		return nil, errors.New("provider exploded")
	}
	return r.replies[name], nil
}

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestProviderListsWorkflows(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)

	p, err := NewProvider(dir, &recordingInvoker{})
	require.NoError(t, err)

	defs, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "recon_sweep", defs[0].Name)
	assert.Equal(t, []string{"recon"}, defs[0].Tags)
	assert.Equal(t, ProviderName, defs[0].Provider)
	assert.Contains(t, defs[0].Parameters, "properties")
}

func TestInvokeSubstitutesReferences(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)

	inv := &recordingInvoker{replies: map[string]any{
		"dns_lookup": "93.184.216.34",
		"port_scan":  map[string]any{"open": []any{float64(443)}},
	}}
	p, err := NewProvider(dir, inv)
	require.NoError(t, err)

	result, err := p.Invoke(context.Background(), "recon_sweep", map[string]any{
		"domain": "example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"open": []any{float64(443)}}, result, "workflow returns the final step result")

	require.Equal(t, []string{"dns_lookup", "port_scan"}, inv.calls)
	assert.Equal(t, "example.com", inv.args[0]["domain"], "$param resolves to the typed value")
	assert.Equal(t, "93.184.216.34", inv.args[1]["target"], "$step1 resolves to the prior typed result")
	assert.Equal(t, "scan of example.com", inv.args[1]["label"], "embedded references use text rendering")
}

func TestInvokeFailingStepAborts(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)

	inv := &recordingInvoker{failOn: "dns_lookup"}
	p, err := NewProvider(dir, inv)
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "recon_sweep", map[string]any{"domain": "example.com"})
	assert.ErrorContains(t, err, "step 1 (dns_lookup)")
	assert.Equal(t, []string{"dns_lookup"}, inv.calls, "later steps never run")
}

func TestInvokeMissingParam(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)

	p, err := NewProvider(dir, &recordingInvoker{})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "recon_sweep", map[string]any{})
	assert.ErrorContains(t, err, "$param.domain")
}

func TestLoadRejectsForwardReference(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "bad.yaml", `
name: bad
description: references a later step
steps:
  - tool: port_scan
    args:
      target: $step2
  - tool: dns_lookup
`)
	writeWorkflow(t, dir, "good.yaml", reconWorkflow)

	p, err := NewProvider(dir, &recordingInvoker{})
	require.NoError(t, err, "a broken workflow must not fail the whole provider")

	defs, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "recon_sweep", defs[0].Name)
}

func TestRefreshPicksUpNewWorkflows(t *testing.T) {
	dir := t.TempDir()
	p, err := NewProvider(dir, &recordingInvoker{})
	require.NoError(t, err)

	defs, _ := p.List(context.Background())
	assert.Empty(t, defs)

	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)
	require.NoError(t, p.Refresh(context.Background()))

	defs, _ = p.List(context.Background())
	assert.Len(t, defs, 1)
}

func TestInvokeUnknownWorkflow(t *testing.T) {
	p, err := NewProvider(t.TempDir(), &recordingInvoker{})
	require.NoError(t, err)

	_, err = p.Invoke(context.Background(), "ghost", nil)
	assert.Error(t, err)
}

func TestInvokeForwardsCallerPermissions(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "recon.yaml", reconWorkflow)

	inv := &recordingInvoker{replies: map[string]any{"dns_lookup": "1.2.3.4"}}
	p, err := NewProvider(dir, inv)
	require.NoError(t, err)

	perm := tool.NewPermissionSet(tool.StrategyManual)
	ctx := tool.WithCallPermissions(context.Background(), perm)
	_, err = p.Invoke(ctx, "recon_sweep", map[string]any{"domain": "example.com"})
	require.NoError(t, err)

	require.Len(t, inv.perms, 2)
	assert.Same(t, perm, inv.perms[0])
	assert.Same(t, perm, inv.perms[1])
}

const singleScanWorkflow = `
name: sweep
description: Scan a target's common ports
parameters:
  type: object
  properties:
    target: {type: string}
  required: [target]
steps:
  - tool: port_scan
    args:
      target: $param.target
`

func TestStepsCannotBypassDisabledTools(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "sweep.yaml", singleScanWorkflow)
	ctx := context.Background()

	scan := tool.NewFunctionTool("port_scan", "Scan TCP ports on a host.",
		map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) { return "open: 80", nil })
	registry := tool.NewRegistry()
	require.NoError(t, registry.RegisterProvider(ctx, tool.NewStaticProvider("local", scan)))

	router := tool.NewRouter(registry)
	p, err := NewProvider(dir, router)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterProvider(ctx, p))

	perm := tool.NewPermissionSet(tool.StrategyAll)
	perm.DisabledTools = []string{"port_scan"}

	_, err = router.Call(ctx, "port_scan", map[string]any{"target": "h"}, perm)
	require.ErrorIs(t, err, core.ErrPermissionDenied, "direct call is denied")

	_, err = router.Call(ctx, "sweep", map[string]any{"target": "h"}, perm)
	require.ErrorIs(t, err, core.ErrPermissionDenied, "workflow step is denied the same way")

	open := tool.NewPermissionSet(tool.StrategyAll)
	result, err := router.Call(ctx, "sweep", map[string]any{"target": "h"}, open)
	require.NoError(t, err)
	assert.Equal(t, "open: 80", result)
}

func TestStepsCannotReachDelegationFromSubAgent(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "sweep.yaml", `
name: escalate
description: Try to delegate through a workflow
steps:
  - tool: spawn_subagent
    args:
      task: anything
`)
	ctx := context.Background()

	spawn := tool.NewFunctionTool(tool.DelegationToolName, "Spawn a sub-agent.",
		map[string]any{"type": "object"},
		func(context.Context, map[string]any) (any, error) { return "spawned", nil })
	registry := tool.NewRegistry()
	require.NoError(t, registry.RegisterProvider(ctx, tool.NewStaticProvider("delegation", spawn)))

	router := tool.NewRouter(registry)
	p, err := NewProvider(dir, router)
	require.NoError(t, err)
	require.NoError(t, registry.RegisterProvider(ctx, p))

	child := tool.NewPermissionSet(tool.StrategyAll).ForSubAgent()
	_, err = router.Call(ctx, "escalate", nil, child)
	require.ErrorIs(t, err, core.ErrPermissionDenied)
}
