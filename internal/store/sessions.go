package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftworks/conduit/internal/providers"
)

// SessionRow is the persisted form of a session.
type SessionRow struct {
	Key      string
	Created  time.Time
	Updated  time.Time
	Metadata map[string]string
	Messages []providers.Message
}

// SessionInfo is lightweight session metadata for listing.
type SessionInfo struct {
	Key          string    `json:"key"`
	MessageCount int       `json:"messageCount"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// SessionStore persists sessions with replace-on-save semantics.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Load returns the session row with its messages in insertion order,
// or nil when the key does not exist.
func (s *SessionStore) Load(key string) (*SessionRow, error) {
	row := s.db.QueryRow(
		`SELECT key, created_at, updated_at, metadata_json FROM sessions WHERE key = ?`, key)

	var r SessionRow
	var metaJSON string
	if err := row.Scan(&r.Key, &r.Created, &r.Updated, &metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load session %s: %w", key, err)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	}

	rows, err := s.db.Query(
		`SELECT role, content, timestamp, tool_calls_json, tool_call_id
		 FROM messages WHERE session_key = ? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var m providers.Message
		var ts time.Time
		var toolCallsJSON, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &ts, &toolCallsJSON, &toolCallID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = ts
		if toolCallsJSON.Valid && toolCallsJSON.String != "" {
			_ = json.Unmarshal([]byte(toolCallsJSON.String), &m.ToolCalls)
		}
		m.ToolCallID = toolCallID.String
		r.Messages = append(r.Messages, m)
	}
	return &r, rows.Err()
}

// Save upserts the session row, deletes all prior message rows for the key,
// and re-inserts the current messages in order — one transaction. The full
// replace keeps DB and memory identical even after mid-turn compaction
// rewrote history.
func (s *SessionStore) Save(r *SessionRow) error {
	metaJSON, err := json.Marshal(orEmpty(r.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO sessions (key, created_at, updated_at, metadata_json)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET updated_at = excluded.updated_at,
		                                metadata_json = excluded.metadata_json`,
		r.Key, r.Created, r.Updated, string(metaJSON),
	); err != nil {
		return fmt.Errorf("upsert session %s: %w", r.Key, err)
	}

	if _, err := tx.Exec(`DELETE FROM messages WHERE session_key = ?`, r.Key); err != nil {
		return fmt.Errorf("clear messages %s: %w", r.Key, err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO messages (session_key, role, content, timestamp, tool_calls_json, tool_call_id)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range r.Messages {
		var toolCallsJSON any
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			toolCallsJSON = string(b)
		}
		var toolCallID any
		if m.ToolCallID != "" {
			toolCallID = m.ToolCallID
		}
		if _, err := stmt.Exec(r.Key, m.Role, m.Content, m.Timestamp, toolCallsJSON, toolCallID); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	return tx.Commit()
}

// Delete removes the session and (by cascade) its messages.
// Returns whether a row existed.
func (s *SessionStore) Delete(key string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete session %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns all sessions ordered by updated_at descending, with message
// counts resolved in a single join.
func (s *SessionStore) List() ([]SessionInfo, error) {
	rows, err := s.db.Query(
		`SELECT s.key, s.created_at, s.updated_at, COUNT(m.id)
		 FROM sessions s LEFT JOIN messages m ON m.session_key = s.key
		 GROUP BY s.key ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		if err := rows.Scan(&info.Key, &info.Created, &info.Updated, &info.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
