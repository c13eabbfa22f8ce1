package stream

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/probemesh/probemesh/logging"
)

// ToolResultSummary is the condensed record of one tool-result chunk kept in
// a turn summary.
type ToolResultSummary struct {
	Tool    string `json:"tool"`
	Content string `json:"content,omitempty"`
}

// Summary is the durable artifact derived from a completed message: merged
// content, the producing architecture and the union of structured data. The
// raw chunk buffer is discarded once the summary exists, so it is the only
// thing that survives long sessions.
type Summary struct {
	MessageID      string              `json:"message_id"`
	ExecutionID    string              `json:"execution_id"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Architecture   Architecture        `json:"architecture"`
	Content        string              `json:"content"`
	StructuredData map[string]any      `json:"structured_data,omitempty"`
	ToolResults    []ToolResultSummary `json:"tool_results,omitempty"`
	ChunkCount     int                 `json:"chunk_count"`
	Inferred       bool                `json:"inferred,omitempty"`
	CompletedAt    time.Time           `json:"completed_at"`
}

// SummaryStore persists turn summaries. Writes are fire-and-forget from the
// collector's point of view; a failing store is logged, never fatal.
type SummaryStore interface {
	SaveSummary(ctx context.Context, s *Summary) error
	GetSummary(ctx context.Context, messageID string) (*Summary, error)
}

// CollectorOptions configures a Collector.
type CollectorOptions struct {
	// Store receives derived summaries. Optional.
	Store SummaryStore
	// StaleAfter is how long a message buffer may sit without a terminal
	// chunk before completion is inferred. A crashed engine is a
	// recoverable condition, not an indefinite wait.
	StaleAfter time.Duration
	// MaxBufferedMessages bounds how many incomplete messages are buffered.
	MaxBufferedMessages int
	// Logger records inferred completions and store failures.
	Logger logging.Logger
}

type messageBuffer struct {
	mu        sync.Mutex
	chunks    []Chunk
	finalized bool
}

// Collector is the consumer side of the progress protocol. It implements
// Sink: chunks are buffered per message, and the instant a terminal chunk
// arrives the summary is derived, persisted and the buffer dropped. Buffers
// that go stale without a terminal chunk are finalized by timeout through
// the expiring cache's eviction callback.
type Collector struct {
	mu        sync.RWMutex
	buffers   *lru.LRU[string, *messageBuffer]
	summaries map[string]*Summary

	store  SummaryStore
	logger logging.Logger
}

// NewCollector creates a collector and registers nothing; attach it to an
// emitter with AddSink.
func NewCollector(optFns ...func(o *CollectorOptions)) *Collector {
	opts := CollectorOptions{
		StaleAfter:          2 * time.Minute,
		MaxBufferedMessages: 1024,
		Logger:              logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	c := &Collector{
		summaries: make(map[string]*Summary),
		store:     opts.Store,
		logger:    opts.Logger,
	}
	c.buffers = lru.NewLRU(opts.MaxBufferedMessages, func(messageID string, buf *messageBuffer) {
		c.onEvict(messageID, buf)
	}, opts.StaleAfter)
	return c
}

// Write implements Sink.
func (c *Collector) Write(chunk Chunk) {
	buf, ok := c.buffers.Get(chunk.MessageID)
	if !ok {
		c.mu.Lock()
		if _, done := c.summaries[chunk.MessageID]; done {
			// Late chunk for an already summarized message.
			c.mu.Unlock()
			return
		}
		// Re-check under the lock: two concurrent first chunks must end
		// up in one shared buffer, and Add on an existing key would
		// replace the first writer's buffer without firing the evict
		// callback.
		if buf, ok = c.buffers.Get(chunk.MessageID); !ok {
			buf = &messageBuffer{}
			c.buffers.Add(chunk.MessageID, buf)
		}
		c.mu.Unlock()
	}

	buf.mu.Lock()
	buf.chunks = append(buf.chunks, chunk)
	terminal := chunk.Terminal()
	buf.mu.Unlock()

	if terminal {
		c.finalize(chunk.MessageID, buf, false)
		c.buffers.Remove(chunk.MessageID)
	}
}

// onEvict fires for staleness expiry, capacity eviction and Remove. Buffers
// already finalized through the terminal-chunk path are skipped.
func (c *Collector) onEvict(messageID string, buf *messageBuffer) {
	buf.mu.Lock()
	done := buf.finalized
	buf.mu.Unlock()
	if done {
		return
	}
	c.logger.Warn("Inferring completion for stale message buffer", "message_id", messageID)
	c.finalize(messageID, buf, true)
}

func (c *Collector) finalize(messageID string, buf *messageBuffer, inferred bool) {
	buf.mu.Lock()
	if buf.finalized {
		buf.mu.Unlock()
		return
	}
	buf.finalized = true
	chunks := make([]Chunk, len(buf.chunks))
	copy(chunks, buf.chunks)
	buf.mu.Unlock()

	summary := deriveSummary(messageID, chunks)
	summary.Inferred = inferred

	c.mu.Lock()
	// First completion wins; a second terminal observation never changes
	// the persisted summary.
	if _, exists := c.summaries[messageID]; exists {
		c.mu.Unlock()
		return
	}
	c.summaries[messageID] = summary
	c.mu.Unlock()

	if c.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.store.SaveSummary(ctx, summary); err != nil {
				c.logger.Error("Failed to persist turn summary", "message_id", messageID, "error", err.Error())
			}
		}()
	}
}

// Summary returns the derived summary for a message. Reads always prefer the
// persisted summary over re-deriving from a possibly discarded buffer.
func (c *Collector) Summary(messageID string) (*Summary, bool) {
	c.mu.RLock()
	s, ok := c.summaries[messageID]
	c.mu.RUnlock()
	return s, ok
}

// Pending returns how many incomplete message buffers are held.
func (c *Collector) Pending() int { return c.buffers.Len() }

func deriveSummary(messageID string, chunks []Chunk) *Summary {
	sort.SliceStable(chunks, func(i, j int) bool { return chunks[i].Sequence < chunks[j].Sequence })

	s := &Summary{
		MessageID:    messageID,
		Architecture: ArchUnknown,
		CompletedAt:  time.Now().UTC(),
	}
	var content string
	merged := make(map[string]any)
	for _, ch := range chunks {
		if s.ExecutionID == "" {
			s.ExecutionID = ch.ExecutionID
		}
		if s.ConversationID == "" {
			s.ConversationID = ch.ConversationID
		}
		if ch.Architecture != "" && ch.Architecture != ArchUnknown {
			s.Architecture = ch.Architecture
		}
		switch ch.Kind {
		case KindContent:
			content += ch.Content
		case KindToolResult:
			s.ToolResults = append(s.ToolResults, ToolResultSummary{Tool: ch.ToolName, Content: ch.Content})
		}
		for k, v := range ch.StructuredData {
			merged[k] = v
		}
	}
	s.Content = content
	if len(merged) > 0 {
		s.StructuredData = merged
	}
	s.ChunkCount = len(chunks)
	return s
}
