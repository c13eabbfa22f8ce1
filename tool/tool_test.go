package tool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool(name string, tags ...string) Tool {
	t := NewFunctionTool(
		name,
		"Echo the input back for "+name,
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"input": map[string]any{"type": "string"},
			},
			"required": []string{"input"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			return args["input"], nil
		},
	)
	return t.WithTags(tags...)
}

func TestFunctionToolValidation(t *testing.T) {
	tl := echoTool("echo")

	result, err := tl.Call(context.Background(), map[string]any{"input": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)

	_, err = tl.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "VALIDATION_ERROR", toolErr.Code)
}

func TestFunctionToolErrorWrapping(t *testing.T) {
	failing := NewFunctionTool("boom", "Always fails", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("network unreachable")
		})

	_, err := failing.Call(context.Background(), map[string]any{})
	var toolErr *ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "EXECUTION_ERROR", toolErr.Code)
	assert.Equal(t, "boom", toolErr.Tool)

	custom := NewFunctionTool("custom", "Returns a typed error", map[string]any{"type": "object"},
		func(_ context.Context, _ map[string]any) (any, error) {
			return nil, NewToolError("custom", "quota exhausted", "RATE_LIMITED")
		})
	_, err = custom.Call(context.Background(), map[string]any{})
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, "RATE_LIMITED", toolErr.Code, "custom codes pass through unchanged")
}

func TestPermissionSetForSubAgent(t *testing.T) {
	parent := &PermissionSet{
		Strategy:   StrategyManual,
		MaxTools:   8,
		FixedTools: []string{"port_scan", DelegationToolName, "dns_lookup"},
	}

	child := parent.ForSubAgent()

	assert.NotContains(t, child.FixedTools, DelegationToolName)
	assert.Contains(t, child.DisabledTools, DelegationToolName)
	assert.Equal(t, []string{"port_scan", "dns_lookup"}, child.FixedTools)
	// Parent unchanged.
	assert.Contains(t, parent.FixedTools, DelegationToolName)

	// Derivation is idempotent and never duplicates the disabled entry.
	again := child.ForSubAgent()
	count := 0
	for _, name := range again.DisabledTools {
		if name == DelegationToolName {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPermissionSetDefaults(t *testing.T) {
	p := NewPermissionSet(StrategyAll)
	assert.Equal(t, DefaultMaxTools, p.EffectiveMaxTools())

	p.MaxTools = -1
	assert.Equal(t, DefaultMaxTools, p.EffectiveMaxTools())

	p.MaxTools = 12
	assert.Equal(t, 12, p.EffectiveMaxTools())

	var nilSet *PermissionSet
	derived := nilSet.ForSubAgent()
	require.NotNil(t, derived)
	assert.Contains(t, derived.DisabledTools, DelegationToolName)
}
