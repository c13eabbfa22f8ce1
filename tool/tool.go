// Package tool implements the tool registry and router that expose named
// capabilities (local commands, remote tool servers, sandboxed plugins, saved
// workflows) to execution engines through one de-duplicated namespace, with
// schema validated arguments, permission enforcement and consistent error
// handling.
package tool

import (
	"context"
	"fmt"

	"github.com/probemesh/probemesh/internal/util"
)

// DelegationToolName is the reserved name of the sub-agent delegation tool.
// The router strips it from every permission set derived for a sub-agent so
// that recursive delegation is structurally impossible.
const DelegationToolName = "spawn_subagent"

// Definition describes one callable tool as advertised by its provider.
// Definitions are provider-owned; the registry references them and never
// mutates them.
type Definition struct {
	// Name is the unique identifier within the registry namespace (snake_case).
	Name string `json:"name"`
	// Description is shown to models to guide tool selection.
	Description string `json:"description"`
	// Parameters is a minimal JSON-Schema-like map describing accepted arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Provider names the provider the definition originates from.
	Provider string `json:"provider"`
	// Tags are capability group labels used by ability-based selection.
	Tags []string `json:"tags,omitempty"`
}

// Tool is the interface implemented by directly registered capabilities.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be safe for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool with already-validated arguments.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}
