// Package engine implements the six interchangeable execution strategies:
// ReAct, ReWOO, plan-and-execute with replanning, DAG compile-and-join, the
// orchestrator that dispatches steps to sub-agents, and the OODA-cycle travel
// engine. All engines share one contract, differ only in their planning and
// looping algorithm, and emit their reasoning through the ordered progress
// protocol in package stream.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/probemesh/probemesh/core"
	"github.com/probemesh/probemesh/logging"
	"github.com/probemesh/probemesh/model"
	"github.com/probemesh/probemesh/stream"
	"github.com/probemesh/probemesh/tool"
)

// Engine runs one task to completion.
//
// Execute returns the trace in every outcome, paired with a nil error on
// normal completion or a classifying error for cancellation, completion
// service failure or budget exhaustion. A tool failure is never fatal by
// itself; it is recorded and fed back into the next reasoning step.
type Engine interface {
	// Kind identifies the strategy.
	Kind() core.EngineKind

	// Execute runs the task under the given execution context. The engine
	// owns the context exclusively for the duration of the run.
	Execute(ctx context.Context, task *core.Task, execCtx *core.ExecutionContext) (*core.ExecutionTrace, error)
}

// Router is the slice of the tool router engines depend on. Satisfied by
// *tool.Router and by fakes in tests.
type Router interface {
	ListTools(ctx context.Context, perm *tool.PermissionSet, query string) ([]tool.Definition, error)
	Call(ctx context.Context, name string, args map[string]any, perm *tool.PermissionSet) (any, error)
}

// Deps bundles the collaborators every engine needs. Spawner may be nil for
// engines that never delegate.
type Deps struct {
	Model       model.Model
	Router      Router
	Emitter     *stream.Emitter
	Spawner     Spawner
	Logger      logging.Logger
	Permissions *tool.PermissionSet
}

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = logging.NoOpLogger{}
	}
	if d.Permissions == nil {
		d.Permissions = tool.NewPermissionSet(tool.StrategyAll)
	}
	if d.Emitter == nil {
		d.Emitter = stream.NewEmitter()
	}
	return d
}

// Defaults for the per-engine budgets.
const (
	DefaultMaxIterations = 10
	DefaultMaxReplans    = 3
	DefaultWorkers       = 4
	DefaultMaxCycles     = 5
)

// Options tunes the budgets shared across engines. The zero value applies
// the defaults.
type Options struct {
	// MaxIterations bounds ReAct loops and the act loops embedded in travel.
	MaxIterations int
	// MaxReplans bounds plan replacements in the replanning engines.
	MaxReplans int
	// Workers bounds concurrent step execution in the DAG engine.
	Workers int
	// MaxCycles bounds full OODA cycles in the travel engine.
	MaxCycles int
	// MaxModelCalls caps completion-service calls per run across all
	// phases. Zero means unlimited.
	MaxModelCalls int
}

func (o Options) withDefaults() Options {
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.MaxReplans <= 0 {
		o.MaxReplans = DefaultMaxReplans
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.MaxCycles <= 0 {
		o.MaxCycles = DefaultMaxCycles
	}
	return o
}

// New constructs the engine for the given kind.
func New(kind core.EngineKind, deps Deps, opts Options) (Engine, error) {
	switch kind {
	case core.EngineReAct:
		return NewReAct(deps, opts), nil
	case core.EngineReWOO:
		return NewReWOO(deps, opts), nil
	case core.EnginePlanExecute:
		return NewPlanExecute(deps, opts), nil
	case core.EngineCompiler:
		return NewCompiler(deps, opts), nil
	case core.EngineOrchestrator:
		return NewOrchestrator(deps, opts), nil
	case core.EngineTravel:
		return NewTravel(deps, opts), nil
	default:
		return nil, fmt.Errorf("unknown engine kind: %s", kind)
	}
}

// run carries the per-execution state shared by all engine implementations:
// the trace, the bound message emitter and the cancellation checkpoints.
type run struct {
	deps    Deps
	opts    Options
	task    *core.Task
	execCtx *core.ExecutionContext
	trace   *core.ExecutionTrace
	msg     *stream.MessageEmitter
	logger  logging.Logger
	budget  *core.CallBudget
}

func newRun(deps Deps, opts Options, arch stream.Architecture, task *core.Task, execCtx *core.ExecutionContext) *run {
	deps = deps.withDefaults()
	logger := deps.Logger
	if rl, ok := logger.(*logging.RunLogger); ok {
		logger = rl.WithExecution(execCtx.ExecutionID)
	}
	opts = opts.withDefaults()
	return &run{
		deps:    deps,
		opts:    opts,
		budget:  core.NewCallBudget(opts.MaxModelCalls),
		task:    task,
		execCtx: execCtx,
		trace:   core.NewExecutionTrace(execCtx.ExecutionID, task),
		msg: stream.NewMessageEmitter(deps.Emitter, execCtx.ExecutionID,
			execCtx.MessageID, execCtx.ConversationID, arch),
		logger: logger,
	}
}

// checkpoint returns ErrCancelled once the cooperative flag is set. Engines
// call it before each reasoning iteration, after each completion-service call
// and after each tool call.
func (r *run) checkpoint() error {
	if r.execCtx.Cancelled() {
		return core.ErrCancelled
	}
	return nil
}

// finish classifies the outcome, stamps the trace and emits the terminal
// chunk. Every Execute path funnels through it exactly once.
func (r *run) finish(answer string, err error) (*core.ExecutionTrace, error) {
	switch {
	case err == nil:
		r.trace.FinalAnswer = answer
		r.trace.Finish(core.StatusCompleted)
		if answer != "" {
			r.msg.Content(answer)
		}
	case errors.Is(err, core.ErrCancelled):
		r.trace.Finish(core.StatusCancelled)
		r.trace.Err = err.Error()
	default:
		r.trace.Finish(core.StatusFailed)
		r.trace.Err = err.Error()
		r.msg.Error("execute", err.Error())
	}
	r.msg.Complete()

	r.logger.Info("engine.run.finished",
		"engine", string(r.trace.Engine),
		"status", string(r.trace.Status),
		"iterations", r.trace.Iterations,
		"model_calls", r.trace.ModelCalls,
		"tool_calls", len(r.trace.ToolCalls()))
	return r.trace, err
}

// completeModel calls the completion service and applies the post-call
// cancellation checkpoint before the caller may act on the output.
func (r *run) completeModel(ctx context.Context, req model.Request) (string, error) {
	if err := r.budget.Spend(); err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrBudgetExhausted, err)
	}
	r.trace.ModelCalls++
	out, err := r.deps.Model.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("completion service: %w", err)
	}
	if err := r.checkpoint(); err != nil {
		return "", err
	}
	return out, nil
}

// callTool routes one tool call, records it on the trace and emits the tool
// chunks. observation carries either the rendered result or the failure
// text; failed reports which. A non-nil err is reserved for cancellation
// detected at the post-call checkpoint.
func (r *run) callTool(ctx context.Context, name string, args map[string]any) (observation string, failed bool, err error) {
	_, observation, failed, err = r.callToolValue(ctx, name, args)
	return observation, failed, err
}

// callToolValue is callTool plus the typed result, for engines that
// substitute one step's output into a later step's arguments.
func (r *run) callToolValue(ctx context.Context, name string, args map[string]any) (result any, observation string, failed bool, err error) {
	argsJSON, _ := json.Marshal(args)
	r.msg.ToolCall(name, string(argsJSON))

	rec := core.ToolCallRecord{Tool: name, Arguments: args, StartedAt: time.Now().UTC()}
	result, callErr := r.deps.Router.Call(ctx, name, args, r.deps.Permissions)
	rec.Duration = time.Since(rec.StartedAt)

	if callErr != nil {
		rec.Err = callErr.Error()
		r.trace.RecordToolCall(rec)
		r.msg.ToolResult(name, callErr.Error(), map[string]any{"error": true})
		r.logger.Warn("engine.tool.failed", "tool", name, "error", callErr.Error())
		if err := r.checkpoint(); err != nil {
			return nil, "", true, err
		}
		return nil, fmt.Sprintf("tool %s failed: %v", name, callErr), true, nil
	}

	rendered := renderResult(result)
	rec.Result = json.RawMessage(mustJSON(result))
	r.trace.RecordToolCall(rec)
	r.msg.ToolResult(name, rendered, structured(result))

	if err := r.checkpoint(); err != nil {
		return nil, "", false, err
	}
	return result, rendered, false, nil
}

// listTools resolves the offered tool set and renders it for prompts.
func (r *run) listTools(ctx context.Context) ([]tool.Definition, string, error) {
	defs, err := r.deps.Router.ListTools(ctx, r.deps.Permissions, r.task.Description)
	if err != nil {
		return nil, "", fmt.Errorf("list tools: %w", err)
	}
	return defs, renderToolList(defs), nil
}

func renderToolList(defs []tool.Definition) string {
	if len(defs) == 0 {
		return "(no tools available)"
	}
	var sb []byte
	for _, def := range defs {
		sb = fmt.Appendf(sb, "- %s: %s\n", def.Name, def.Description)
	}
	return string(sb)
}

// renderResult turns a typed tool result into observation text for prompts.
func renderResult(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return mustJSON(v)
	}
}

// structured extracts a map payload for the ToolResult chunk when the result
// has one.
func structured(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// taskPrompt renders the task description plus its structured target for
// planning and reasoning calls.
func taskPrompt(task *core.Task) string {
	out := task.Description
	if task.Target != nil {
		t, _ := json.Marshal(task.Target)
		out += "\nTarget: " + string(t)
	}
	return out
}
