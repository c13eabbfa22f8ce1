package core

import (
	"errors"
	"fmt"
)

// Sentinel errors of the framework taxonomy. Callers classify with
// errors.Is; richer context travels via fmt.Errorf("%w") wrapping.
var (
	// ErrPermissionDenied is returned by the router when the active
	// permission set does not allow the requested tool.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrToolNotFound is returned when no provider exposes the tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrConcurrencyLimit is returned synchronously by the sub-agent
	// dispatcher when the global or per-parent ceiling is reached. It is
	// fatal to the one spawn attempt only and parents should treat it as
	// an ordinary retryable error.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

	// ErrDepthExceeded is returned by the sub-agent dispatcher when a spawn
	// would nest deeper than the configured maximum.
	ErrDepthExceeded = errors.New("delegation depth exceeded")

	// ErrCancelled marks cooperative cancellation of a run.
	ErrCancelled = errors.New("execution cancelled")

	// ErrBudgetExhausted marks an engine that hit a hard iteration or
	// cycle budget before producing a final answer.
	ErrBudgetExhausted = errors.New("execution budget exhausted")
)

// ToolExecutionError wraps a tool failure. It is non-fatal to the run: the
// engine records it and feeds it back into the next reasoning step as an
// observation.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ProtocolViolation marks model output that breaks the engine contract,
// such as multiple actions in one ReAct turn or a cyclic dependency DAG.
// Some violations are recovered by truncation; the raw diagnostic is kept.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string {
	return "protocol violation: " + e.Reason
}

// NewProtocolViolation builds a violation with a formatted reason.
func NewProtocolViolation(format string, args ...any) *ProtocolViolation {
	return &ProtocolViolation{Reason: fmt.Sprintf(format, args...)}
}
