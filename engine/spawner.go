package engine

import (
	"context"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/tool"
)

// SubAgentRequest asks the dispatcher for a freshly constructed engine
// instance running one sub-task on behalf of a parent execution.
type SubAgentRequest struct {
	// Role labels the child for logging and result aggregation
	// ("recon", "exploit-verification", ...).
	Role string

	// Task is the work handed to the child. Task.Engine selects the
	// child's strategy.
	Task *core.Task

	// PermissionOverride replaces the parent's tool permissions for the
	// child. Nil means inherit per InheritParentTools.
	PermissionOverride *tool.PermissionSet

	// InheritParentTools copies the parent's permission set when no
	// override is given. Either way the delegation tool is removed.
	InheritParentTools bool

	// MaxIterations overrides the child's iteration budget when > 0.
	MaxIterations int
}

// SubAgentResponse is the structured summary a parent receives. Child chunks
// flow under the child's own execution and message identity; the parent only
// sees this response.
type SubAgentResponse struct {
	ExecutionID string          `json:"execution_id"`
	Role        string          `json:"role"`
	Engine      core.EngineKind `json:"engine"`
	Status      core.Status     `json:"status"`
	Result      string          `json:"result,omitempty"`
	Err         string          `json:"error,omitempty"`
	ToolCalls   int             `json:"tool_calls"`
}

// Spawner runs sub-agents under bounded concurrency. An over-limit spawn is
// rejected synchronously with core.ErrConcurrencyLimit, never queued; parents
// should treat that as an ordinary retryable error.
type Spawner interface {
	Spawn(ctx context.Context, parent *core.ExecutionContext, req SubAgentRequest) (*SubAgentResponse, error)
}
