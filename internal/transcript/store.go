// Package transcript is a local SQLite-backed record of completed thinking
// sessions. The orchestrator writes to it after a run returns; the loop
// itself never touches it.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Store persists session and tool-call records.
//
// WAL is enabled to support concurrent reads while writing.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	// modernc.org/sqlite uses a file path as DSN.
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SessionRecord is one completed orchestration run.
type SessionRecord struct {
	SessionID       string `json:"session_id"`
	ConversationID  string `json:"conversation_id"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	State           string `json:"state"`
	Steps           int    `json:"steps"`
	Degraded        bool   `json:"degraded"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	ResponseJSON    string `json:"response_json"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// ToolCallRecord is one tool invocation within a session, in request order.
type ToolCallRecord struct {
	SessionID     string `json:"session_id"`
	Position      int    `json:"position"`
	CorrelationID string `json:"correlation_id"`
	Tool          string `json:"tool"`
	ArgsJSON      string `json:"args_json"`
	ResultText    string `json:"result_text"`
	IsError       bool   `json:"is_error"`
}

// SaveSession writes one session and its tool calls atomically.
func (s *Store) SaveSession(ctx context.Context, rec SessionRecord, calls []ToolCallRecord) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	rec.ConversationID = strings.TrimSpace(rec.ConversationID)
	if rec.SessionID == "" {
		return errors.New("missing session_id")
	}
	if rec.ConversationID == "" {
		return errors.New("missing conversation_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO thinking_sessions (
  session_id, conversation_id, provider, model, state, steps, degraded,
  input_tokens, output_tokens, response_json, created_at_unix_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, rec.SessionID, rec.ConversationID, rec.Provider, rec.Model, rec.State, rec.Steps,
		boolToInt(rec.Degraded), rec.InputTokens, rec.OutputTokens, rec.ResponseJSON, rec.CreatedAtUnixMs); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	for i, call := range calls {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO session_tool_calls (
  session_id, position, correlation_id, tool, args_json, result_text, is_error
) VALUES (?, ?, ?, ?, ?, ?, ?)
`, rec.SessionID, i, call.CorrelationID, call.Tool, call.ArgsJSON, call.ResultText, boolToInt(call.IsError)); err != nil {
			return fmt.Errorf("insert tool call %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// ListSessions returns a conversation's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, conversationID string, limit int) ([]SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, errors.New("missing conversation_id")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, conversation_id, provider, model, state, steps, degraded,
       input_tokens, output_tokens, response_json, created_at_unix_ms
FROM thinking_sessions
WHERE conversation_id = ?
ORDER BY created_at_unix_ms DESC, session_id DESC
LIMIT ?
`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		var degraded int
		if err := rows.Scan(&rec.SessionID, &rec.ConversationID, &rec.Provider, &rec.Model, &rec.State,
			&rec.Steps, &degraded, &rec.InputTokens, &rec.OutputTokens, &rec.ResponseJSON, &rec.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		rec.Degraded = degraded != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListToolCalls returns a session's tool calls in request order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string) ([]ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, position, correlation_id, tool, args_json, result_text, is_error
FROM session_tool_calls
WHERE session_id = ?
ORDER BY position ASC
`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []ToolCallRecord
	for rows.Next() {
		var rec ToolCallRecord
		var isErr int
		if err := rows.Scan(&rec.SessionID, &rec.Position, &rec.CorrelationID, &rec.Tool, &rec.ArgsJSON, &rec.ResultText, &isErr); err != nil {
			return nil, err
		}
		rec.IsError = isErr != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS thinking_sessions (
  session_id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  provider TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  steps INTEGER NOT NULL DEFAULT 0,
  degraded INTEGER NOT NULL DEFAULT 0,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  response_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_thinking_sessions_conversation ON thinking_sessions(conversation_id, created_at_unix_ms DESC, session_id DESC);
CREATE TABLE IF NOT EXISTS session_tool_calls (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  correlation_id TEXT NOT NULL DEFAULT '',
  tool TEXT NOT NULL,
  args_json TEXT NOT NULL DEFAULT '',
  result_text TEXT NOT NULL DEFAULT '',
  is_error INTEGER NOT NULL DEFAULT 0,
  UNIQUE(session_id, position)
);
CREATE INDEX IF NOT EXISTS idx_session_tool_calls_session ON session_tool_calls(session_id, position ASC);
`)
	return err
}
