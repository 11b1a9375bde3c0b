package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects the firing rule for a job.
type ScheduleKind string

const (
	KindAt    ScheduleKind = "at"
	KindEvery ScheduleKind = "every"
	KindCron  ScheduleKind = "cron"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule describes when a job fires. Times are UTC milliseconds.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	AtMs int64 `json:"at_ms,omitempty"` // at: absolute fire time

	EveryMs int64 `json:"every_ms,omitempty"` // every: interval
	StartMs int64 `json:"start_ms,omitempty"` // every: grid anchor

	Expr     string `json:"expr,omitempty"` // cron: 5-field expression
	Timezone string `json:"tz,omitempty"`   // cron: IANA zone, UTC default
}

// Validate checks the schedule's shape for its kind.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return errors.New("at schedule requires at_ms")
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return errors.New("every schedule requires a positive interval")
		}
	case KindCron:
		if strings.TrimSpace(s.Expr) == "" {
			return errors.New("cron schedule requires an expression")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		if s.Timezone != "" {
			if _, err := time.LoadLocation(s.Timezone); err != nil {
				return fmt.Errorf("invalid timezone: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the next fire time at or after nowMs, or false when the
// schedule has no further runs.
//
// For every schedules the result realigns to the interval grid anchored
// at start_ms, so missed ticks during downtime coalesce into one run.
func (s Schedule) Next(nowMs int64) (int64, bool) {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 || nowMs > s.AtMs {
			return 0, false
		}
		return s.AtMs, true
	case KindEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		// An unanchored schedule falls back to the epoch grid, so
		// successive next runs still advance by the interval. Add and
		// Update pin start_ms at creation, so this only covers schedules
		// evaluated outside the service.
		anchor := s.StartMs
		if anchor < 0 {
			anchor = 0
		}
		if nowMs <= anchor {
			return anchor, true
		}
		elapsed := nowMs - anchor
		steps := elapsed / s.EveryMs
		if elapsed%s.EveryMs != 0 {
			steps++
		}
		return anchor + steps*s.EveryMs, true
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return 0, false
		}
		loc := time.UTC
		if s.Timezone != "" {
			if tz, err := time.LoadLocation(s.Timezone); err == nil {
				loc = tz
			}
		}
		now := time.UnixMilli(nowMs).In(loc)
		next := sched.Next(now)
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true
	default:
		return 0, false
	}
}
