package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Schedule kinds.
const (
	ScheduleAt    = "at"    // one-shot at a unix-ms instant
	ScheduleEvery = "every" // fixed interval in ms
	ScheduleCron  = "cron"  // cron expression, optional timezone
)

// Job statuses.
const (
	JobStatusOK    = "ok"
	JobStatusError = "error"
)

// ErrJobNotFound is returned when a cron job id does not exist.
var ErrJobNotFound = errors.New("cron job not found")

// CronSchedule is the tagged schedule variant of a job.
type CronSchedule struct {
	Kind    string `json:"kind"` // at | every | cron
	AtMs    int64  `json:"atMs,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	Tz      string `json:"tz,omitempty"`
}

// CronPayload describes what a job does when it fires.
type CronPayload struct {
	Kind    string `json:"kind"` // "agent-turn"
	Message string `json:"message"`
	Deliver bool   `json:"deliver,omitempty"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronState is the mutable execution state of a job.
type CronState struct {
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // ok | error
	LastError   string `json:"lastError,omitempty"`
}

// CronJob is one persisted scheduled job.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Enabled        bool         `json:"enabled"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	State          CronState    `json:"state"`
	CreatedAtMs    int64        `json:"createdAtMs"`
	UpdatedAtMs    int64        `json:"updatedAtMs"`
	DeleteAfterRun bool         `json:"deleteAfterRun,omitempty"`
}

// CronStore persists scheduler jobs in the cron_jobs table.
type CronStore struct {
	db *DB
}

func NewCronStore(db *DB) *CronStore {
	return &CronStore{db: db}
}

const cronColumns = `id, name, enabled, schedule_kind, schedule_at_ms, schedule_every_ms,
	schedule_expr, schedule_tz, payload_kind, payload_message, payload_deliver,
	payload_channel, payload_to, next_run_at_ms, last_run_at_ms, last_status,
	last_error, created_at_ms, updated_at_ms, delete_after_run`

// Insert adds a new job row.
func (s *CronStore) Insert(j *CronJob) error {
	now := time.Now().UnixMilli()
	if j.CreatedAtMs == 0 {
		j.CreatedAtMs = now
	}
	j.UpdatedAtMs = now

	_, err := s.db.Exec(
		`INSERT INTO cron_jobs (`+cronColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Enabled, j.Schedule.Kind,
		nullInt(j.Schedule.AtMs), nullInt(j.Schedule.EveryMs),
		nullIfEmpty(j.Schedule.Expr), nullIfEmpty(j.Schedule.Tz),
		j.Payload.Kind, j.Payload.Message, j.Payload.Deliver,
		nullIfEmpty(j.Payload.Channel), nullIfEmpty(j.Payload.To),
		nullIntPtr(j.State.NextRunAtMs), nullIntPtr(j.State.LastRunAtMs),
		nullIfEmpty(j.State.LastStatus), nullIfEmpty(j.State.LastError),
		j.CreatedAtMs, j.UpdatedAtMs, j.DeleteAfterRun,
	)
	if err != nil {
		return fmt.Errorf("insert cron job %s: %w", j.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing job.
func (s *CronStore) Update(j *CronJob) error {
	j.UpdatedAtMs = time.Now().UnixMilli()
	res, err := s.db.Exec(
		`UPDATE cron_jobs SET name = ?, enabled = ?, schedule_kind = ?, schedule_at_ms = ?,
		        schedule_every_ms = ?, schedule_expr = ?, schedule_tz = ?,
		        payload_kind = ?, payload_message = ?, payload_deliver = ?,
		        payload_channel = ?, payload_to = ?, next_run_at_ms = ?, last_run_at_ms = ?,
		        last_status = ?, last_error = ?, updated_at_ms = ?, delete_after_run = ?
		 WHERE id = ?`,
		j.Name, j.Enabled, j.Schedule.Kind, nullInt(j.Schedule.AtMs),
		nullInt(j.Schedule.EveryMs), nullIfEmpty(j.Schedule.Expr), nullIfEmpty(j.Schedule.Tz),
		j.Payload.Kind, j.Payload.Message, j.Payload.Deliver,
		nullIfEmpty(j.Payload.Channel), nullIfEmpty(j.Payload.To),
		nullIntPtr(j.State.NextRunAtMs), nullIntPtr(j.State.LastRunAtMs),
		nullIfEmpty(j.State.LastStatus), nullIfEmpty(j.State.LastError),
		j.UpdatedAtMs, j.DeleteAfterRun, j.ID,
	)
	if err != nil {
		return fmt.Errorf("update cron job %s: %w", j.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Delete removes a job. Returns ErrJobNotFound when absent.
func (s *CronStore) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get loads one job by id.
func (s *CronStore) Get(id string) (*CronJob, error) {
	row := s.db.QueryRow(`SELECT `+cronColumns+` FROM cron_jobs WHERE id = ?`, id)
	j, err := scanCronJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return j, err
}

// List returns all jobs ordered by creation time.
func (s *CronStore) List() ([]*CronJob, error) {
	return s.query(`SELECT ` + cronColumns + ` FROM cron_jobs ORDER BY created_at_ms`)
}

// Enabled returns all enabled jobs.
func (s *CronStore) Enabled() ([]*CronJob, error) {
	return s.query(`SELECT ` + cronColumns + ` FROM cron_jobs WHERE enabled = 1 ORDER BY created_at_ms`)
}

// Due returns enabled jobs whose next run is at or before nowMs,
// ordered by next run time.
func (s *CronStore) Due(nowMs int64) ([]*CronJob, error) {
	return s.query(
		`SELECT `+cronColumns+` FROM cron_jobs
		 WHERE enabled = 1 AND next_run_at_ms IS NOT NULL AND next_run_at_ms <= ?
		 ORDER BY next_run_at_ms`, nowMs)
}

// NextWakeMs returns the earliest next_run_at_ms across enabled jobs,
// or nil when nothing is armed.
func (s *CronStore) NextWakeMs() (*int64, error) {
	row := s.db.QueryRow(
		`SELECT MIN(next_run_at_ms) FROM cron_jobs WHERE enabled = 1 AND next_run_at_ms IS NOT NULL`)
	var next sql.NullInt64
	if err := row.Scan(&next); err != nil {
		return nil, fmt.Errorf("next wake: %w", err)
	}
	if !next.Valid {
		return nil, nil
	}
	v := next.Int64
	return &v, nil
}

// Count returns the total number of jobs.
func (s *CronStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cron_jobs`).Scan(&n)
	return n, err
}

func (s *CronStore) query(q string, args ...any) ([]*CronJob, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*CronJob
	for rows.Next() {
		j, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCronJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	var atMs, everyMs, nextRun, lastRun sql.NullInt64
	var expr, tz, channel, to, lastStatus, lastErr sql.NullString

	err := row.Scan(&j.ID, &j.Name, &j.Enabled, &j.Schedule.Kind, &atMs, &everyMs,
		&expr, &tz, &j.Payload.Kind, &j.Payload.Message, &j.Payload.Deliver,
		&channel, &to, &nextRun, &lastRun, &lastStatus, &lastErr,
		&j.CreatedAtMs, &j.UpdatedAtMs, &j.DeleteAfterRun)
	if err != nil {
		return nil, err
	}

	j.Schedule.AtMs = atMs.Int64
	j.Schedule.EveryMs = everyMs.Int64
	j.Schedule.Expr = expr.String
	j.Schedule.Tz = tz.String
	j.Payload.Channel = channel.String
	j.Payload.To = to.String
	if nextRun.Valid {
		v := nextRun.Int64
		j.State.NextRunAtMs = &v
	}
	if lastRun.Valid {
		v := lastRun.Int64
		j.State.LastRunAtMs = &v
	}
	j.State.LastStatus = lastStatus.String
	j.State.LastError = lastErr.String
	return &j, nil
}

func nullInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIntPtr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
