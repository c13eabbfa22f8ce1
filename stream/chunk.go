package stream

import (
	"time"
)

// Architecture identifies which engine strategy produced a chunk so the
// observer can render strategy-specific stages without knowing the engine.
type Architecture string

// Architecture tags, one per engine plus Unknown for framework-level chunks.
const (
	ArchReAct        Architecture = "react"
	ArchReWOO        Architecture = "rewoo"
	ArchPlanExecute  Architecture = "plan_execute"
	ArchCompiler     Architecture = "compiler"
	ArchOrchestrator Architecture = "orchestrator"
	ArchTravel       Architecture = "travel"
	ArchUnknown      Architecture = "unknown"
)

// ChunkKind is the typed category of one progress chunk.
type ChunkKind string

const (
	// KindContent carries final-answer or other user-facing content.
	KindContent ChunkKind = "content"
	// KindThinking carries model reasoning output.
	KindThinking ChunkKind = "thinking"
	// KindToolResult carries the outcome of a mediated tool call.
	KindToolResult ChunkKind = "tool_result"
	// KindPlanInfo carries a serialized plan or plan update.
	KindPlanInfo ChunkKind = "plan_info"
	// KindError carries a recovered or fatal error for inline rendering.
	KindError ChunkKind = "error"
	// KindMeta carries auxiliary signals such as tool-call announcements.
	KindMeta ChunkKind = "meta"
	// KindStreamComplete is the terminal chunk of a message.
	KindStreamComplete ChunkKind = "stream_complete"
)

// Chunk is one append-only unit of the ordered progress protocol. Sequence
// numbers are strictly increasing per MessageID with no gaps, even under
// concurrent producers; there is no ordering guarantee across messages.
//
// A message is complete once a KindStreamComplete chunk (or, for legacy
// producers, IsFinal) is observed.
type Chunk struct {
	ExecutionID    string         `json:"execution_id"`
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Sequence       uint64         `json:"sequence"`
	Kind           ChunkKind      `json:"kind"`
	Content        string         `json:"content,omitempty"`
	Stage          string         `json:"stage,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	Architecture   Architecture   `json:"architecture,omitempty"`
	StructuredData map[string]any `json:"structured_data,omitempty"`
	IsFinal        bool           `json:"is_final"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Terminal reports whether this chunk completes its message.
func (c Chunk) Terminal() bool {
	return c.Kind == KindStreamComplete || c.IsFinal
}

// Sink receives chunks pushed by the emitter. Implementations must be safe
// for concurrent use; Write is called on the producer goroutine and should
// return quickly.
type Sink interface {
	Write(chunk Chunk)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(chunk Chunk)

// Write implements Sink.
func (f SinkFunc) Write(chunk Chunk) { f(chunk) }
