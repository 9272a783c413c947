package store

import (
	"fmt"
	"time"
)

// UsageEntry is one appended accounting row per completed turn.
type UsageEntry struct {
	ID              int64     `json:"id,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Channel         string    `json:"channel"`
	SessionKey      string    `json:"sessionKey"`
	Model           string    `json:"model"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	Iterations      int       `json:"iterations"`
	PromptTokens    int       `json:"promptTokens"`
	CompletionTokens int      `json:"completionTokens"`
	TotalTokens     int       `json:"totalTokens"`
	LLMDurationMs   int64     `json:"llmDurationMs"`
	ToolCalls       int       `json:"toolCalls"`
	FailedToolCalls int       `json:"failedToolCalls"`
	ToolDurationMs  int64     `json:"toolDurationMs"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	ToolNames       []string  `json:"toolNames,omitempty"` // distinct tools used this turn
}

// UsageStore appends and queries per-turn usage accounting.
type UsageStore struct {
	db *DB
}

func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Append inserts the usage row and its distinct tool names.
func (s *UsageStore) Append(e *UsageEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin usage append: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT INTO usage (timestamp, channel, session_key, model, success, error,
		                    iterations, prompt_tokens, completion_tokens, total_tokens,
		                    llm_duration_ms, tool_calls, failed_tool_calls, tool_duration_ms,
		                    total_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp, e.Channel, e.SessionKey, e.Model, e.Success, nullIfEmpty(e.Error),
		e.Iterations, e.PromptTokens, e.CompletionTokens, e.TotalTokens,
		e.LLMDurationMs, e.ToolCalls, e.FailedToolCalls, e.ToolDurationMs,
		e.TotalDurationMs,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	e.ID, _ = res.LastInsertId()

	for _, name := range e.ToolNames {
		if _, err := tx.Exec(
			`INSERT INTO usage_tools (usage_id, tool_name) VALUES (?, ?)`, e.ID, name); err != nil {
			return fmt.Errorf("insert usage tool: %w", err)
		}
	}
	return tx.Commit()
}

// Recent returns the most recent usage entries, newest first.
func (s *UsageStore) Recent(limit int) ([]UsageEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, channel, session_key, model, success, COALESCE(error, ''),
		        iterations, prompt_tokens, completion_tokens, total_tokens,
		        llm_duration_ms, tool_calls, failed_tool_calls, tool_duration_ms,
		        total_duration_ms
		 FROM usage ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []UsageEntry
	for rows.Next() {
		var e UsageEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Channel, &e.SessionKey, &e.Model,
			&e.Success, &e.Error, &e.Iterations, &e.PromptTokens, &e.CompletionTokens,
			&e.TotalTokens, &e.LLMDurationMs, &e.ToolCalls, &e.FailedToolCalls,
			&e.ToolDurationMs, &e.TotalDurationMs); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
