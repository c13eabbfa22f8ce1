package core

import (
	"context"
	"sync/atomic"
)

// CancelFlag is the cooperative, non-blocking-readable cancellation signal
// shared between a dispatcher and one running engine. Once set it never
// resets; engines poll it at every checkpoint (before a reasoning iteration,
// after a completion-service call, after a tool call) rather than being
// preempted mid-call.
type CancelFlag struct {
	set atomic.Bool
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag { return &CancelFlag{} }

// Cancel sets the flag. Safe to call multiple times.
func (f *CancelFlag) Cancel() { f.set.Store(true) }

// Cancelled reports whether cancellation has been requested.
func (f *CancelFlag) Cancelled() bool { return f.set.Load() }

// ExecutionContext carries the identity and control surface of one running
// engine instance. It is exclusively owned by that instance and destroyed
// when the run returns or is cancelled.
//
// Depth is 0 for top-level runs and incremented for every sub-agent hop.
type ExecutionContext struct {
	ExecutionID    string
	ConversationID string
	MessageID      string
	Cancel         *CancelFlag
	Depth          int

	parent *ExecutionContext
}

// NewExecutionContext creates a top-level execution context with fresh
// execution and message identity.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		ExecutionID: NewID(),
		MessageID:   NewID(),
		Cancel:      NewCancelFlag(),
	}
}

// Child derives a context for a sub-agent run. The child gets its own
// execution and message identity and its own cancellation flag so parent
// and child streams never interleave. Cancellation still cascades downward:
// the child keeps a reference to the parent and Cancelled walks the chain,
// so cancelling a parent stops its whole sub-agent tree at the next
// checkpoint while a child can be cancelled alone.
func (ec *ExecutionContext) Child() *ExecutionContext {
	return &ExecutionContext{
		ExecutionID:    NewID(),
		ConversationID: ec.ConversationID,
		MessageID:      NewID(),
		Cancel:         NewCancelFlag(),
		Depth:          ec.Depth + 1,
		parent:         ec,
	}
}

// Cancelled reports cancellation of this execution or any ancestor,
// tolerating nil flags anywhere in the chain.
func (ec *ExecutionContext) Cancelled() bool {
	for c := ec; c != nil; c = c.parent {
		if c.Cancel != nil && c.Cancel.Cancelled() {
			return true
		}
	}
	return false
}

type executionContextKey struct{}

// WithExecution attaches an execution context to ctx so that tool providers
// (notably the sub-agent delegation tool) can recover the caller's identity,
// depth and permissions without widening the provider interface.
func WithExecution(ctx context.Context, ec *ExecutionContext) context.Context {
	return context.WithValue(ctx, executionContextKey{}, ec)
}

// ExecutionFrom returns the execution context attached to ctx, if any.
func ExecutionFrom(ctx context.Context) (*ExecutionContext, bool) {
	ec, ok := ctx.Value(executionContextKey{}).(*ExecutionContext)
	return ec, ok
}
