// ABOUTME: Schedule records and next-fire computation for one-shot and cron triggers
// ABOUTME: Cron expressions accept an optional seconds field, descriptors, and CRON_TZ prefixes

package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrNotFound is returned when a schedule id is not known for a session.
	ErrNotFound = errors.New("schedule not found")

	// ErrSessionNotLoaded is returned when mutating schedules of a session that was never loaded.
	ErrSessionNotLoaded = errors.New("session schedules not loaded")

	// ErrInvalidCron is returned when a repeat expression cannot be parsed.
	ErrInvalidCron = errors.New("invalid cron expression")
)

// Schedule is a timed trigger that delivers Memo to its session.
// A nil NextRunAt means the schedule will not fire again.
type Schedule struct {
	ID         string     `json:"id"`
	StartAt    time.Time  `json:"start_at"`
	RepeatCron string     `json:"repeat_cron,omitempty"`
	Memo       string     `json:"memo"`
	Enabled    bool       `json:"enabled"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Repeating reports whether the schedule carries a cron expression.
func (s Schedule) Repeating() bool {
	return s.RepeatCron != ""
}

func (s Schedule) clone() Schedule {
	c := s
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		c.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		c.NextRunAt = &t
	}
	return c
}

// Spec describes a schedule to create.
type Spec struct {
	StartAt    time.Time
	RepeatCron string
	Memo       string
	Disabled   bool
}

// Patch carries optional updates; nil fields are left unchanged.
type Patch struct {
	StartAt    *time.Time
	RepeatCron *string
	Memo       *string
	Enabled    *bool
}

// Trigger is handed to the trigger callback when a schedule fires.
type Trigger struct {
	SessionID string
	Schedule  Schedule
	FiredAt   time.Time
}

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseCron parses expr, evaluating it in loc unless the expression carries
// its own CRON_TZ or TZ prefix.
func ParseCron(expr string, loc *time.Location) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	if loc != nil && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		expr = "CRON_TZ=" + loc.String() + " " + expr
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCron, err)
	}
	return sched, nil
}

// NextRun computes when s should next fire relative to now.
//
// One-shots that never ran fire at max(StartAt, now) and never again after.
// Cron schedules that never ran and start in the future fire at StartAt;
// otherwise they fire at the first occurrence strictly after max(StartAt, now).
func NextRun(s Schedule, now time.Time, loc *time.Location) (*time.Time, error) {
	if !s.Enabled {
		return nil, nil
	}

	if !s.Repeating() {
		if s.LastRunAt != nil {
			return nil, nil
		}
		next := laterOf(s.StartAt, now)
		return &next, nil
	}

	sched, err := ParseCron(s.RepeatCron, loc)
	if err != nil {
		return nil, err
	}

	if s.LastRunAt == nil && s.StartAt.After(now) {
		next := s.StartAt
		return &next, nil
	}

	next := sched.Next(laterOf(s.StartAt, now))
	if next.IsZero() {
		return nil, nil
	}
	return &next, nil
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// sameMinute reports whether a and b fall in the same UTC calendar minute.
func sameMinute(a, b time.Time) bool {
	return a.UTC().Truncate(time.Minute).Equal(b.UTC().Truncate(time.Minute))
}
