// Package subagent runs delegated sub-tasks as fully fledged engine
// instances under bounded concurrency. The dispatcher enforces a global
// ceiling, a per-parent ceiling and a nesting depth limit; an over-limit
// spawn fails synchronously instead of queueing.
package subagent

import (
	"context"
	"fmt"
	"sync"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/engine"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/tool"
)

// Limits for sub-agent dispatch. The zero value of Options applies them.
const (
	DefaultMaxConcurrent = 5
	DefaultMaxPerParent  = 3
	DefaultMaxDepth      = 3
)

// Options tunes the dispatcher ceilings and the budgets handed to children.
type Options struct {
	// MaxConcurrent caps sub-agents running at once across all parents.
	MaxConcurrent int
	// MaxPerParent caps concurrent children of one parent execution.
	MaxPerParent int
	// MaxDepth caps nesting: a child at this depth cannot spawn further.
	MaxDepth int
	// Engine is the budget set handed to every child engine.
	Engine engine.Options
	// OnSpawn observes the outcome of every spawn attempt, nil error for an
	// accepted one. Optional; used to feed metrics.
	OnSpawn func(err error)
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	if o.MaxPerParent <= 0 {
		o.MaxPerParent = DefaultMaxPerParent
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// Dispatcher implements engine.Spawner. Children run synchronously on the
// caller's goroutine with their own execution identity, their own progress
// stream and a permission set that always strips the delegation tool.
type Dispatcher struct {
	deps engine.Deps
	opts Options

	sem chan struct{}

	mu        sync.Mutex
	perParent map[string]int
}

// NewDispatcher wires a dispatcher over the shared engine collaborators.
// deps.Spawner is replaced with the dispatcher itself so children can
// delegate further, up to the depth limit. deps.Permissions is the base
// permission set for children spawned without an override.
func NewDispatcher(deps engine.Deps, optFns ...func(o *Options)) *Dispatcher {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts = opts.withDefaults()

	d := &Dispatcher{
		deps:      deps,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		perParent: make(map[string]int),
	}
	d.deps.Spawner = d
	if d.deps.Logger == nil {
		d.deps.Logger = logging.NoOpLogger{}
	}
	return d
}

// Running reports the number of sub-agents currently executing.
func (d *Dispatcher) Running() int { return len(d.sem) }

// Spawn implements engine.Spawner.
func (d *Dispatcher) Spawn(ctx context.Context, parent *core.ExecutionContext, req engine.SubAgentRequest) (*engine.SubAgentResponse, error) {
	resp, err := d.spawn(ctx, parent, req)
	if d.opts.OnSpawn != nil {
		d.opts.OnSpawn(err)
	}
	return resp, err
}

func (d *Dispatcher) spawn(ctx context.Context, parent *core.ExecutionContext, req engine.SubAgentRequest) (*engine.SubAgentResponse, error) {
	if req.Task == nil {
		return nil, fmt.Errorf("sub-agent request carries no task")
	}
	kind := req.Task.Engine
	if kind == "" {
		kind = core.EngineReAct
		req.Task.Engine = kind
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown sub-agent engine %q", kind)
	}
	if parent == nil {
		return nil, fmt.Errorf("sub-agent request carries no parent execution")
	}
	if parent.Depth+1 > d.opts.MaxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds limit %d", core.ErrDepthExceeded, parent.Depth+1, d.opts.MaxDepth)
	}
	if parent.Cancelled() {
		return nil, core.ErrCancelled
	}

	release, err := d.acquire(parent.ExecutionID)
	if err != nil {
		return nil, err
	}
	defer release()

	child := parent.Child()
	perm := d.childPermissions(req)

	deps := d.deps
	deps.Permissions = perm
	opts := d.opts.Engine
	if req.MaxIterations > 0 {
		opts.MaxIterations = req.MaxIterations
	}

	eng, err := engine.New(kind, deps, opts)
	if err != nil {
		return nil, err
	}

	d.deps.Logger.Info("subagent.spawned",
		"parent", parent.ExecutionID,
		"child", child.ExecutionID,
		"role", req.Role,
		"engine", string(kind),
		"depth", child.Depth)

	// The child's own context rides on ctx so nested delegation sees the
	// child's identity and depth, not the parent's.
	trace, runErr := eng.Execute(core.WithExecution(ctx, child), req.Task, child)
	if d.deps.Emitter != nil {
		d.deps.Emitter.Forget(child.MessageID)
	}

	resp := &engine.SubAgentResponse{
		ExecutionID: child.ExecutionID,
		Role:        req.Role,
		Engine:      kind,
		Status:      trace.Status,
		Result:      trace.FinalAnswer,
		Err:         trace.Err,
		ToolCalls:   len(trace.ToolCalls()),
	}
	if runErr != nil {
		d.deps.Logger.Warn("subagent.ended",
			"child", child.ExecutionID,
			"status", string(trace.Status),
			"error", runErr.Error())
	}
	return resp, nil
}

// acquire reserves one global slot and one per-parent slot, fail-fast.
func (d *Dispatcher) acquire(parentID string) (func(), error) {
	d.mu.Lock()
	if d.perParent[parentID] >= d.opts.MaxPerParent {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: parent %s already runs %d sub-agents", core.ErrConcurrencyLimit, parentID, d.opts.MaxPerParent)
	}
	d.perParent[parentID]++
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	default:
		d.releaseParent(parentID)
		return nil, fmt.Errorf("%w: %d sub-agents already running", core.ErrConcurrencyLimit, d.opts.MaxConcurrent)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-d.sem
			d.releaseParent(parentID)
		})
	}, nil
}

func (d *Dispatcher) releaseParent(parentID string) {
	d.mu.Lock()
	d.perParent[parentID]--
	if d.perParent[parentID] <= 0 {
		delete(d.perParent, parentID)
	}
	d.mu.Unlock()
}

// childPermissions picks the override or the inherited base set. Either way
// the delegation tool is stripped from the result.
func (d *Dispatcher) childPermissions(req engine.SubAgentRequest) *tool.PermissionSet {
	base := req.PermissionOverride
	if base == nil {
		if req.InheritParentTools && d.deps.Permissions != nil {
			base = d.deps.Permissions
		} else {
			base = tool.NewPermissionSet(tool.StrategyAll)
		}
	}
	return base.ForSubAgent()
}
