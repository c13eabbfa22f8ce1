package stream

import (
	"sync"
	"time"

	"github.com/probemesh/probemesh/logging"
)

// EmitterOptions configures an Emitter.
type EmitterOptions struct {
	// Logger records dropped chunks and double completions.
	Logger logging.Logger
}

// Emitter assigns sequence numbers and fans chunks out to sinks. One Emitter
// is shared by all executions of a dispatcher; per-message counters keep
// sequences totally ordered per message even when parallel DAG workers share
// a message identity.
type Emitter struct {
	mu        sync.Mutex
	counters  map[string]uint64
	completed map[string]bool

	sinkMu sync.RWMutex
	sinks  []Sink

	logger logging.Logger
}

// NewEmitter creates an emitter delivering to the given sinks.
func NewEmitter(optFns ...func(o *EmitterOptions)) *Emitter {
	opts := EmitterOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Emitter{
		counters:  make(map[string]uint64),
		completed: make(map[string]bool),
		logger:    opts.Logger,
	}
}

// AddSink registers an additional chunk consumer.
func (e *Emitter) AddSink(s Sink) {
	e.sinkMu.Lock()
	defer e.sinkMu.Unlock()
	e.sinks = append(e.sinks, s)
}

// ChunkOption customizes a single emission.
type ChunkOption func(*Chunk)

// WithStage tags the chunk with an engine stage label.
func WithStage(stage string) ChunkOption {
	return func(c *Chunk) { c.Stage = stage }
}

// WithToolName tags the chunk with the tool it concerns.
func WithToolName(name string) ChunkOption {
	return func(c *Chunk) { c.ToolName = name }
}

// WithArchitecture tags the chunk with the producing strategy.
func WithArchitecture(arch Architecture) ChunkOption {
	return func(c *Chunk) { c.Architecture = arch }
}

// WithStructuredData attaches strategy-specific structured payload.
func WithStructuredData(data map[string]any) ChunkOption {
	return func(c *Chunk) { c.StructuredData = data }
}

// WithConversationID attaches the conversation identity.
func WithConversationID(id string) ChunkOption {
	return func(c *Chunk) { c.ConversationID = id }
}

// Emit appends one chunk to the message stream, assigning the next sequence
// number atomically. Chunks emitted after the message completed are dropped
// so sequence numbers are never reused.
func (e *Emitter) Emit(executionID, messageID string, kind ChunkKind, content string, optFns ...ChunkOption) {
	chunk := Chunk{
		ExecutionID: executionID,
		MessageID:   messageID,
		Kind:        kind,
		Content:     content,
		Timestamp:   time.Now().UTC(),
	}
	for _, fn := range optFns {
		fn(&chunk)
	}

	e.mu.Lock()
	if e.completed[messageID] {
		e.mu.Unlock()
		e.logger.Warn("Dropping chunk emitted after message completion",
			"message_id", messageID, "kind", string(kind))
		return
	}
	e.counters[messageID]++
	chunk.Sequence = e.counters[messageID]
	e.mu.Unlock()

	e.deliver(chunk)
}

// Complete emits the terminal chunk for a message. It must be called exactly
// once per message, including on error paths; additional calls are ignored
// so a retried teardown never emits a duplicate terminal status.
func (e *Emitter) Complete(executionID, messageID string, optFns ...ChunkOption) {
	chunk := Chunk{
		ExecutionID: executionID,
		MessageID:   messageID,
		Kind:        KindStreamComplete,
		IsFinal:     true,
		Timestamp:   time.Now().UTC(),
	}
	for _, fn := range optFns {
		fn(&chunk)
	}

	e.mu.Lock()
	if e.completed[messageID] {
		e.mu.Unlock()
		e.logger.Debug("Ignoring duplicate completion", "message_id", messageID)
		return
	}
	e.completed[messageID] = true
	e.counters[messageID]++
	chunk.Sequence = e.counters[messageID]
	e.mu.Unlock()

	e.deliver(chunk)
}

// Forget releases the bookkeeping for a message. Called by the dispatcher on
// teardown once the terminal chunk has been observed downstream.
func (e *Emitter) Forget(messageID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counters, messageID)
	delete(e.completed, messageID)
}

func (e *Emitter) deliver(chunk Chunk) {
	e.sinkMu.RLock()
	sinks := e.sinks
	e.sinkMu.RUnlock()
	for _, s := range sinks {
		s.Write(chunk)
	}
}

// MessageEmitter binds an Emitter to one execution's identity and strategy
// tag so engine code can emit without repeating correlation fields. All six
// engines use this instead of the raw Emitter.
type MessageEmitter struct {
	e              *Emitter
	executionID    string
	messageID      string
	conversationID string
	arch           Architecture
}

// NewMessageEmitter binds the emitter to one execution and architecture.
func NewMessageEmitter(e *Emitter, executionID, messageID, conversationID string, arch Architecture) *MessageEmitter {
	return &MessageEmitter{
		e:              e,
		executionID:    executionID,
		messageID:      messageID,
		conversationID: conversationID,
		arch:           arch,
	}
}

func (m *MessageEmitter) opts(extra ...ChunkOption) []ChunkOption {
	base := []ChunkOption{WithArchitecture(m.arch)}
	if m.conversationID != "" {
		base = append(base, WithConversationID(m.conversationID))
	}
	return append(base, extra...)
}

// Thinking emits model reasoning output for a stage.
func (m *MessageEmitter) Thinking(stage, content string) {
	m.e.Emit(m.executionID, m.messageID, KindThinking, content, m.opts(WithStage(stage))...)
}

// Content emits user-facing content such as the final answer.
func (m *MessageEmitter) Content(content string) {
	m.e.Emit(m.executionID, m.messageID, KindContent, content, m.opts()...)
}

// ToolCall announces a tool invocation before it runs.
func (m *MessageEmitter) ToolCall(tool, argsJSON string) {
	m.e.Emit(m.executionID, m.messageID, KindMeta, argsJSON,
		m.opts(WithStage("tool_call"), WithToolName(tool))...)
}

// ToolResult emits the outcome of a tool call.
func (m *MessageEmitter) ToolResult(tool, content string, data map[string]any) {
	m.e.Emit(m.executionID, m.messageID, KindToolResult, content,
		m.opts(WithToolName(tool), WithStructuredData(data))...)
}

// PlanInfo emits a serialized plan or plan update.
func (m *MessageEmitter) PlanInfo(content string, data map[string]any) {
	m.e.Emit(m.executionID, m.messageID, KindPlanInfo, content,
		m.opts(WithStructuredData(data))...)
}

// Error emits a recovered or fatal error for inline rendering.
func (m *MessageEmitter) Error(stage, msg string) {
	m.e.Emit(m.executionID, m.messageID, KindError, msg, m.opts(WithStage(stage))...)
}

// Meta emits an auxiliary signal with structured payload.
func (m *MessageEmitter) Meta(stage string, data map[string]any) {
	m.e.Emit(m.executionID, m.messageID, KindMeta, "", m.opts(WithStage(stage), WithStructuredData(data))...)
}

// Complete emits the terminal chunk. Idempotent.
func (m *MessageEmitter) Complete() {
	m.e.Complete(m.executionID, m.messageID, m.opts()...)
}
