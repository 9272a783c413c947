package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftworks/conduit/internal/store"
)

// ErrNotFound is returned for operations on a job id that does not exist.
var ErrNotFound = store.ErrJobNotFound

// Callback performs the work of a fired job. The scheduler records the
// outcome; it never retries.
type Callback func(job *store.CronJob) error

// Scheduler owns one rearmable timer over the cron_jobs table. Due jobs are
// executed sequentially; mutations rearm the timer to the earliest wake.
type Scheduler struct {
	store *store.CronStore
	onJob Callback
	now   func() time.Time

	mu      sync.Mutex
	running map[string]bool // per-job in-flight guard
	started bool

	rearm chan struct{}
	done  chan struct{}
}

func New(st *store.CronStore, onJob Callback) *Scheduler {
	return &Scheduler{
		store:   st,
		onJob:   onJob,
		now:     time.Now,
		running: make(map[string]bool),
		rearm:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start recomputes every enabled job's next run from the current time (missed
// firings between restarts are not compensated) and launches the timer loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("cron: scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	jobs, err := s.store.Enabled()
	if err != nil {
		return fmt.Errorf("cron: sweep: %w", err)
	}
	for _, j := range jobs {
		next, err := nextRunAt(j.Schedule, s.now())
		if err != nil {
			slog.Warn("cron: job has unschedulable spec", "job", j.ID, "error", err)
			continue
		}
		j.State.NextRunAtMs = next
		if err := s.store.Update(j); err != nil {
			slog.Warn("cron: sweep update failed", "job", j.ID, "error", err)
		}
	}

	go s.loop(ctx)
	return nil
}

// Done is closed when the timer loop has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	for {
		wait, armed := s.nextWait()

		var timerC <-chan time.Time
		var timer *time.Timer
		if armed {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.rearm:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-timerC:
			s.fireDue(ctx)
		}
	}
}

// nextWait returns how long to sleep until the earliest enabled job is due.
func (s *Scheduler) nextWait() (time.Duration, bool) {
	next, err := s.store.NextWakeMs()
	if err != nil {
		slog.Error("cron: next wake query failed", "error", err)
		return time.Minute, true
	}
	if next == nil {
		return 0, false
	}
	wait := time.Duration(*next-s.now().UnixMilli()) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// fireDue runs every due job one after another, late firings included.
func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.store.Due(s.now().UnixMilli())
	if err != nil {
		slog.Error("cron: due query failed", "error", err)
		return
	}
	for _, j := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.execute(j.ID, false); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Error("cron: job execution failed", "job", j.ID, "error", err)
		}
	}
}

// AddJob validates the schedule, computes the first run, and inserts the job.
func (s *Scheduler) AddJob(j *store.CronJob) error {
	if err := ValidateSchedule(j.Schedule); err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	next, err := nextRunAt(j.Schedule, s.now())
	if err != nil {
		return fmt.Errorf("cron: %w", err)
	}
	j.State.NextRunAtMs = next
	if err := s.store.Insert(j); err != nil {
		return err
	}
	s.requestRearm()
	slog.Info("cron: job added", "job", j.ID, "name", j.Name, "kind", j.Schedule.Kind)
	return nil
}

// RemoveJob deletes the job.
func (s *Scheduler) RemoveJob(id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.requestRearm()
	slog.Info("cron: job removed", "job", id)
	return nil
}

// EnableJob flips the enabled flag. Disabling clears the next run; enabling
// recomputes it from now.
func (s *Scheduler) EnableJob(id string, enabled bool) error {
	j, err := s.store.Get(id)
	if err != nil {
		return err
	}
	j.Enabled = enabled
	if enabled {
		next, err := nextRunAt(j.Schedule, s.now())
		if err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		j.State.NextRunAtMs = next
	} else {
		j.State.NextRunAtMs = nil
	}
	if err := s.store.Update(j); err != nil {
		return err
	}
	s.requestRearm()
	return nil
}

// RunJob executes the job immediately when enabled, or regardless with force.
func (s *Scheduler) RunJob(id string, force bool) error {
	return s.execute(id, force)
}

// ListJobs returns all jobs.
func (s *Scheduler) ListJobs() ([]*store.CronJob, error) {
	return s.store.List()
}

// GetJob returns one job.
func (s *Scheduler) GetJob(id string) (*store.CronJob, error) {
	return s.store.Get(id)
}

// Status reports the job count and the earliest next wake.
func (s *Scheduler) Status() (jobs int, nextWakeMs *int64, err error) {
	jobs, err = s.store.Count()
	if err != nil {
		return 0, nil, err
	}
	nextWakeMs, err = s.store.NextWakeMs()
	return jobs, nextWakeMs, err
}

func (s *Scheduler) execute(id string, force bool) error {
	s.mu.Lock()
	if s.running[id] {
		s.mu.Unlock()
		return nil // already in flight, skip
	}
	s.running[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	j, err := s.store.Get(id)
	if err != nil {
		return err
	}
	if !j.Enabled && !force {
		return nil
	}

	var runErr error
	if s.onJob != nil {
		runErr = s.invoke(j)
	}

	nowMs := s.now().UnixMilli()
	j.State.LastRunAtMs = &nowMs
	if runErr != nil {
		j.State.LastStatus = store.JobStatusError
		j.State.LastError = runErr.Error()
		slog.Warn("cron: job failed", "job", j.ID, "error", runErr)
	} else {
		j.State.LastStatus = store.JobStatusOK
		j.State.LastError = ""
	}

	if j.Schedule.Kind == store.ScheduleAt {
		// One-shot: remove or retire.
		if j.DeleteAfterRun {
			if err := s.store.Delete(j.ID); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			s.requestRearm()
			return nil
		}
		j.Enabled = false
		j.State.NextRunAtMs = nil
	} else {
		// Recurring: next run counts from completion, not from the
		// scheduled instant.
		next, err := nextRunAt(j.Schedule, s.now())
		if err != nil {
			return fmt.Errorf("cron: %w", err)
		}
		j.State.NextRunAtMs = next
	}

	if err := s.store.Update(j); err != nil {
		return err
	}
	s.requestRearm()
	return nil
}

// invoke shields the scheduler from a panicking callback.
func (s *Scheduler) invoke(j *store.CronJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job callback panicked: %v", rec)
		}
	}()
	return s.onJob(j)
}

func (s *Scheduler) requestRearm() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}
