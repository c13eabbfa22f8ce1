package core

import "github.com/google/uuid"

// EngineKind selects one of the interchangeable execution strategies.
// Engines form a closed set of tagged variants; selection happens at
// dispatch time, never by subclassing.
type EngineKind string

const (
	// EngineReAct interleaves reasoning and acting one step at a time.
	EngineReAct EngineKind = "react"
	// EngineReWOO plans once, executes all steps, then solves once.
	EngineReWOO EngineKind = "rewoo"
	// EnginePlanExecute executes a sequential plan with replanning.
	EnginePlanExecute EngineKind = "plan_execute"
	// EngineCompiler compiles a dependency DAG and joins completion waves.
	EngineCompiler EngineKind = "compiler"
	// EngineOrchestrator plans steps and dispatches each to a sub-agent.
	EngineOrchestrator EngineKind = "orchestrator"
	// EngineTravel runs repeated Observe-Orient-Decide-Act cycles.
	EngineTravel EngineKind = "travel"
)

// Valid reports whether k names a known engine.
func (k EngineKind) Valid() bool {
	switch k {
	case EngineReAct, EngineReWOO, EnginePlanExecute, EngineCompiler, EngineOrchestrator, EngineTravel:
		return true
	}
	return false
}

// TargetSpec is the optional structured target of a security-testing task.
type TargetSpec struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty"`
	Port   int    `json:"port,omitempty" yaml:"port,omitempty"`
	URL    string `json:"url,omitempty" yaml:"url,omitempty"`
	Scheme string `json:"scheme,omitempty" yaml:"scheme,omitempty"`
}

// Task describes one unit of work handed to the dispatcher. A Task is
// immutable once execution starts; engines read it but never mutate it.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Target      *TargetSpec    `json:"target,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Engine      EngineKind     `json:"engine"`
}

// NewTask creates a task with a fresh identifier.
func NewTask(description string, kind EngineKind) *Task {
	return &Task{
		ID:          NewID(),
		Description: description,
		Engine:      kind,
	}
}

// NewID generates a unique identifier for tasks, executions and messages.
func NewID() string { return uuid.NewString() }
