// Package dispatch is the top-level entry point for running tasks. It
// resolves the requested engine, owns the execution registry used for
// cooperative cancellation and tears down per-message stream state when a
// run finishes.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/engine"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/metrics"
)

// Dispatcher runs tasks through interchangeable engines. It is safe for
// concurrent use; every run gets its own execution context and trace.
type Dispatcher struct {
	deps          engine.Deps
	opts          engine.Options
	metrics       *metrics.Metrics
	logger        logging.Logger
	maxConcurrent int

	mu     sync.Mutex
	active map[string]*core.ExecutionContext
	traces map[string]*core.ExecutionTrace
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithEngineOptions sets the budget options handed to every engine.
func WithEngineOptions(opts engine.Options) Option {
	return func(d *Dispatcher) { d.opts = opts }
}

// WithMetrics attaches Prometheus instrumentation to finished runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithMaxConcurrent caps top-level runs in flight. Runs beyond the cap are
// refused with core.ErrConcurrencyLimit. Zero means unlimited.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrent = n }
}

// New creates a dispatcher over the shared engine collaborators.
func New(deps engine.Deps, optFns ...Option) *Dispatcher {
	d := &Dispatcher{
		deps:   deps,
		logger: deps.Logger,
		active: make(map[string]*core.ExecutionContext),
		traces: make(map[string]*core.ExecutionTrace),
	}
	if d.logger == nil {
		d.logger = logging.NoOpLogger{}
	}
	for _, fn := range optFns {
		fn(d)
	}
	return d
}

// Run executes the task synchronously and returns its trace. The error
// mirrors the trace status: nil for completion, core.ErrCancelled for a
// cancelled run, the underlying failure otherwise.
func (d *Dispatcher) Run(ctx context.Context, task *core.Task) (*core.ExecutionTrace, error) {
	eng, execCtx, err := d.prepare(task)
	if err != nil {
		return nil, err
	}
	defer d.teardown(execCtx)

	trace, runErr := eng.Execute(core.WithExecution(ctx, execCtx), task, execCtx)
	d.record(execCtx.ExecutionID, trace)
	return trace, runErr
}

// prepare resolves the engine, registers a fresh execution context and logs
// the start. The caller owns teardown.
func (d *Dispatcher) prepare(task *core.Task) (engine.Engine, *core.ExecutionContext, error) {
	if task == nil {
		return nil, nil, fmt.Errorf("no task given")
	}
	kind := task.Engine
	if kind == "" {
		kind = core.EngineReAct
	}
	if !kind.Valid() {
		return nil, nil, fmt.Errorf("unknown engine kind: %s", kind)
	}

	eng, err := engine.New(kind, d.deps, d.opts)
	if err != nil {
		return nil, nil, err
	}

	execCtx := core.NewExecutionContext()
	execCtx.ConversationID = task.ID
	if err := d.register(execCtx); err != nil {
		return nil, nil, err
	}

	d.logger.Info("dispatch.run.started",
		"execution_id", execCtx.ExecutionID,
		"task_id", task.ID,
		"engine", string(kind))
	return eng, execCtx, nil
}

func (d *Dispatcher) record(executionID string, trace *core.ExecutionTrace) {
	d.mu.Lock()
	d.traces[executionID] = trace
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.ObserveRun(trace)
	}
}

// Handle tracks one asynchronous run started with Start.
type Handle struct {
	ExecutionID string

	done  chan struct{}
	trace *core.ExecutionTrace
	err   error
}

// Done is closed when the run has finished and the trace is available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (*core.ExecutionTrace, error) {
	select {
	case <-h.done:
		return h.trace, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start launches the task in the background and returns a handle carrying
// the execution id, usable with Cancel before the run finishes.
func (d *Dispatcher) Start(ctx context.Context, task *core.Task) (*Handle, error) {
	eng, execCtx, err := d.prepare(task)
	if err != nil {
		return nil, err
	}

	h := &Handle{ExecutionID: execCtx.ExecutionID, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer d.teardown(execCtx)
		h.trace, h.err = eng.Execute(core.WithExecution(ctx, execCtx), task, execCtx)
		d.record(execCtx.ExecutionID, h.trace)
	}()
	return h, nil
}

// Cancel requests cooperative cancellation of a running execution. It
// returns false when the id is unknown or the run already finished; the
// request is then a no-op. Cancellation is not instant: the engine stops at
// its next checkpoint, and sub-agents it spawned observe the request
// through their parent chain.
func (d *Dispatcher) Cancel(executionID string) bool {
	d.mu.Lock()
	execCtx, ok := d.active[executionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	execCtx.Cancel.Cancel()
	d.logger.Info("dispatch.run.cancel_requested", "execution_id", executionID)
	return true
}

// Trace returns the finished trace for an execution id.
func (d *Dispatcher) Trace(executionID string) (*core.ExecutionTrace, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	trace, ok := d.traces[executionID]
	return trace, ok
}

// Active returns the ids of currently running executions.
func (d *Dispatcher) Active() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.active))
	for id := range d.active {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) register(execCtx *core.ExecutionContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.maxConcurrent > 0 && len(d.active) >= d.maxConcurrent {
		return fmt.Errorf("%w: %d runs already active", core.ErrConcurrencyLimit, d.maxConcurrent)
	}
	d.active[execCtx.ExecutionID] = execCtx
	return nil
}

// teardown unregisters the run and drops the per-message sequence state in
// the emitter; execution ids are never reused.
func (d *Dispatcher) teardown(execCtx *core.ExecutionContext) {
	d.mu.Lock()
	delete(d.active, execCtx.ExecutionID)
	d.mu.Unlock()
	if d.deps.Emitter != nil {
		d.deps.Emitter.Forget(execCtx.MessageID)
	}
}
