package core

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the terminal state of an execution trace.
type Status string

const (
	// StatusRunning marks a trace whose engine has not yet finished.
	StatusRunning Status = "running"
	// StatusCompleted marks normal completion with a final answer.
	StatusCompleted Status = "completed"
	// StatusFailed marks an abort caused by a completion-service failure,
	// an unparseable plan or an exhausted hard budget.
	StatusFailed Status = "failed"
	// StatusCancelled marks cooperative cancellation. Cancelled always wins
	// over any other classification.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three final states.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ToolCallRecord captures one mediated tool invocation. Records are
// append-only per engine trace.
type ToolCallRecord struct {
	Tool      string          `json:"tool"`
	Arguments map[string]any  `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Err       string          `json:"error,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// ExecutionTrace is the durable record of one engine run: what was asked,
// which tools ran, how it ended. The dispatcher retains traces for
// reconnect/replay via GetTrace.
type ExecutionTrace struct {
	ExecutionID string     `json:"execution_id"`
	TaskID      string     `json:"task_id"`
	Engine      EngineKind `json:"engine"`
	Status      Status     `json:"status"`
	FinalAnswer string     `json:"final_answer,omitempty"`
	Err         string     `json:"error,omitempty"`
	ModelCalls  int        `json:"model_calls"`
	Iterations  int        `json:"iterations"`
	StartedAt   time.Time  `json:"started_at"`
	Duration    time.Duration `json:"duration"`

	mu        sync.Mutex
	toolCalls []ToolCallRecord
}

// NewExecutionTrace starts a running trace for the given task.
func NewExecutionTrace(executionID string, task *Task) *ExecutionTrace {
	return &ExecutionTrace{
		ExecutionID: executionID,
		TaskID:      task.ID,
		Engine:      task.Engine,
		Status:      StatusRunning,
		StartedAt:   time.Now().UTC(),
	}
}

// RecordToolCall appends a tool call record. Safe for concurrent use by
// parallel DAG workers sharing one trace.
func (t *ExecutionTrace) RecordToolCall(rec ToolCallRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.toolCalls = append(t.toolCalls, rec)
}

// ToolCalls returns a copy of the recorded tool calls in arrival order.
func (t *ExecutionTrace) ToolCalls() []ToolCallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ToolCallRecord, len(t.toolCalls))
	copy(out, t.toolCalls)
	return out
}

// Finish stamps the terminal status and duration. A trace already finished
// with StatusCancelled keeps it: cancellation wins over later classification.
func (t *ExecutionTrace) Finish(status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status == StatusCancelled {
		return
	}
	t.Status = status
	t.Duration = time.Since(t.StartedAt)
}

// MarshalJSON includes the mutex-guarded tool calls in the serialized form.
func (t *ExecutionTrace) MarshalJSON() ([]byte, error) {
	type alias struct {
		ExecutionID string           `json:"execution_id"`
		TaskID      string           `json:"task_id"`
		Engine      EngineKind       `json:"engine"`
		Status      Status           `json:"status"`
		FinalAnswer string           `json:"final_answer,omitempty"`
		Err         string           `json:"error,omitempty"`
		ModelCalls  int              `json:"model_calls"`
		Iterations  int              `json:"iterations"`
		StartedAt   time.Time        `json:"started_at"`
		Duration    time.Duration    `json:"duration"`
		ToolCalls   []ToolCallRecord `json:"tool_calls,omitempty"`
	}
	return json.Marshal(alias{
		ExecutionID: t.ExecutionID,
		TaskID:      t.TaskID,
		Engine:      t.Engine,
		Status:      t.Status,
		FinalAnswer: t.FinalAnswer,
		Err:         t.Err,
		ModelCalls:  t.ModelCalls,
		Iterations:  t.Iterations,
		StartedAt:   t.StartedAt,
		Duration:    t.Duration,
		ToolCalls:   t.ToolCalls(),
	})
}
