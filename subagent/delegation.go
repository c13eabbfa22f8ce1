package subagent

import (
	"context"
	"fmt"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/engine"
	"github.com/probemesh/probemesh/tool"
)

// NewDelegationProvider exposes the dispatcher as the spawn_subagent tool so
// that engines can delegate mid-run. The caller's identity and depth are
// recovered from the context; a call without an attached execution context
// is rejected.
//
// The tool never appears in a sub-agent's own offering: the dispatcher
// strips it from every child permission set.
func NewDelegationProvider(d *Dispatcher) *tool.StaticProvider {
	return tool.NewStaticProvider("delegation", newDelegationTool(d))
}

func newDelegationTool(d *Dispatcher) *tool.FunctionTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"role": map[string]any{
				"type":        "string",
				"description": "Short label for the sub-agent, e.g. recon or exploit-verification",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "Self-contained description of the delegated sub-task",
			},
			"engine": map[string]any{
				"type":        "string",
				"description": "Execution strategy for the sub-agent: react, rewoo, plan_execute, compiler or travel",
			},
			"max_iterations": map[string]any{
				"type":        "integer",
				"description": "Optional iteration budget override for the sub-agent",
			},
		},
		"required": []string{"task"},
	}

	fn := func(ctx context.Context, args map[string]any) (any, error) {
		parent, ok := core.ExecutionFrom(ctx)
		if !ok {
			return nil, fmt.Errorf("delegation requires a caller execution context")
		}

		taskDesc, _ := args["task"].(string)
		role, _ := args["role"].(string)
		if role == "" {
			role = "subagent"
		}
		kind := core.EngineReAct
		if s, ok := args["engine"].(string); ok && s != "" {
			kind = core.EngineKind(s)
		}
		maxIter := 0
		if f, ok := args["max_iterations"].(float64); ok {
			maxIter = int(f)
		}

		resp, err := d.Spawn(ctx, parent, engine.SubAgentRequest{
			Role:               role,
			Task:               core.NewTask(taskDesc, kind),
			InheritParentTools: true,
			MaxIterations:      maxIter,
		})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}

	return tool.NewFunctionTool(
		tool.DelegationToolName,
		"Delegate a self-contained sub-task to a dedicated sub-agent and wait for its structured result.",
		params,
		fn,
	).WithTags("delegation")
}
