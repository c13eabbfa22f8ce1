package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/probemesh/probemesh/stream"
)

// SQLiteStore persists summaries in a SQLite database. The variable-shaped
// parts of a summary (structured data, tool results) are stored as JSON
// columns; the identity and lookup columns are plain.
type SQLiteStore struct {
	db *sql.DB
}

const summarySchema = `
CREATE TABLE IF NOT EXISTS summaries (
    message_id      TEXT PRIMARY KEY,
    execution_id    TEXT NOT NULL,
    conversation_id TEXT NOT NULL DEFAULT '',
    architecture    TEXT NOT NULL,
    content         TEXT NOT NULL,
    structured_data TEXT,
    tool_results    TEXT,
    chunk_count     INTEGER NOT NULL,
    inferred        INTEGER NOT NULL DEFAULT 0,
    completed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_summaries_conversation
    ON summaries (conversation_id);
`

// OpenSQLite opens (and if needed initializes) a summary database at path.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open summary db: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids lock
	// contention errors under concurrent saves.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(summarySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init summary schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// SaveSummary implements stream.SummaryStore with upsert semantics.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sum *stream.Summary) error {
	structured, err := json.Marshal(sum.StructuredData)
	if err != nil {
		return fmt.Errorf("encode structured data: %w", err)
	}
	toolResults, err := json.Marshal(sum.ToolResults)
	if err != nil {
		return fmt.Errorf("encode tool results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO summaries
    (message_id, execution_id, conversation_id, architecture, content,
     structured_data, tool_results, chunk_count, inferred, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(message_id) DO UPDATE SET
    execution_id    = excluded.execution_id,
    conversation_id = excluded.conversation_id,
    architecture    = excluded.architecture,
    content         = excluded.content,
    structured_data = excluded.structured_data,
    tool_results    = excluded.tool_results,
    chunk_count     = excluded.chunk_count,
    inferred        = excluded.inferred,
    completed_at    = excluded.completed_at`,
		sum.MessageID, sum.ExecutionID, sum.ConversationID, string(sum.Architecture),
		sum.Content, string(structured), string(toolResults), sum.ChunkCount,
		boolToInt(sum.Inferred), sum.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save summary %s: %w", sum.MessageID, err)
	}
	return nil
}

// GetSummary implements stream.SummaryStore.
func (s *SQLiteStore) GetSummary(ctx context.Context, messageID string) (*stream.Summary, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT message_id, execution_id, conversation_id, architecture, content,
       structured_data, tool_results, chunk_count, inferred, completed_at
FROM summaries WHERE message_id = ?`, messageID)

	var (
		sum         stream.Summary
		arch        string
		structured  string
		toolResults string
		inferred    int
		completedAt string
	)
	err := row.Scan(&sum.MessageID, &sum.ExecutionID, &sum.ConversationID, &arch,
		&sum.Content, &structured, &toolResults, &sum.ChunkCount, &inferred, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load summary %s: %w", messageID, err)
	}

	sum.Architecture = stream.Architecture(arch)
	sum.Inferred = inferred != 0
	if structured != "" && structured != "null" {
		if err := json.Unmarshal([]byte(structured), &sum.StructuredData); err != nil {
			return nil, fmt.Errorf("decode structured data: %w", err)
		}
	}
	if toolResults != "" && toolResults != "null" {
		if err := json.Unmarshal([]byte(toolResults), &sum.ToolResults); err != nil {
			return nil, fmt.Errorf("decode tool results: %w", err)
		}
	}
	if sum.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
		return nil, fmt.Errorf("decode completion time: %w", err)
	}
	return &sum, nil
}

// ListByConversation returns the summaries of one conversation ordered by
// completion time.
func (s *SQLiteStore) ListByConversation(ctx context.Context, conversationID string) ([]*stream.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT message_id FROM summaries
WHERE conversation_id = ? ORDER BY completed_at`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*stream.Summary, 0, len(ids))
	for _, id := range ids {
		sum, err := s.GetSummary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
