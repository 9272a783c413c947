package store

import (
	"time"
)

// LogRecord is one persisted log row.
type LogRecord struct {
	Timestamp time.Time
	Level     int
	LevelName string
	Category  string
	Message   string
	Exception string
}

// LogStore appends log records. Failures here must not take down the caller;
// the logging handler swallows the returned error.
type LogStore struct {
	db *DB
}

func NewLogStore(db *DB) *LogStore {
	return &LogStore{db: db}
}

// Append inserts one log row.
func (s *LogStore) Append(r LogRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO logs (timestamp, level, level_name, category, message, exception)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.Timestamp, r.Level, r.LevelName, r.Category, r.Message, nullIfEmpty(r.Exception))
	return err
}

// Recent returns the most recent records at or above minLevel, newest first.
func (s *LogStore) Recent(minLevel, limit int) ([]LogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT timestamp, level, level_name, category, message, COALESCE(exception, '')
		 FROM logs WHERE level >= ? ORDER BY timestamp DESC LIMIT ?`, minLevel, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var r LogRecord
		if err := rows.Scan(&r.Timestamp, &r.Level, &r.LevelName, &r.Category, &r.Message, &r.Exception); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
