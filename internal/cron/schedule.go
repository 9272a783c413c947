// Package cron runs persisted scheduled jobs off a single rearmable timer.
package cron

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/driftworks/conduit/internal/store"
)

// ValidateSchedule rejects malformed schedules before they reach the table.
func ValidateSchedule(s store.CronSchedule) error {
	switch s.Kind {
	case store.ScheduleAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule needs a positive unix-ms instant")
		}
	case store.ScheduleEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule needs a positive interval")
		}
	case store.ScheduleCron:
		if !gronx.New().IsValid(s.Expr) {
			return fmt.Errorf("invalid cron expression %q", s.Expr)
		}
		if s.Tz != "" {
			if _, err := time.LoadLocation(s.Tz); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.Tz, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// nextRunAt computes the next firing as unix ms, or nil when the schedule
// has nothing left to fire.
//
//   - every: now + interval.
//   - at: the literal instant when still in the future, else nil.
//   - cron: the next occurrence strictly after now, in the schedule's zone
//     (UTC when absent).
func nextRunAt(s store.CronSchedule, now time.Time) (*int64, error) {
	switch s.Kind {
	case store.ScheduleEvery:
		if s.EveryMs <= 0 {
			return nil, nil
		}
		v := now.UnixMilli() + s.EveryMs
		return &v, nil

	case store.ScheduleAt:
		if s.AtMs > now.UnixMilli() {
			v := s.AtMs
			return &v, nil
		}
		return nil, nil

	case store.ScheduleCron:
		loc := time.UTC
		if s.Tz != "" {
			l, err := time.LoadLocation(s.Tz)
			if err != nil {
				return nil, fmt.Errorf("timezone %q: %w", s.Tz, err)
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(s.Expr, now.In(loc), false)
		if err != nil {
			return nil, fmt.Errorf("cron expression %q: %w", s.Expr, err)
		}
		v := next.UnixMilli()
		return &v, nil

	default:
		return nil, fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
}
