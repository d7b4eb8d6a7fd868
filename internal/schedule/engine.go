// ABOUTME: Schedule engine holding per-session schedule lists behind a single global wake-up timer
// ABOUTME: Fires due schedules through a trigger callback and persists every mutation

package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default timer bounds.
const (
	DefaultMinDelay       = time.Second
	DefaultIdlePoll       = time.Minute
	DefaultTriggerTimeout = 30 * time.Second
)

// TriggerFunc is invoked once per due schedule. Returning an error is logged.
type TriggerFunc func(ctx context.Context, t Trigger) error

// Options configures an Engine.
type Options struct {
	MinDelay       time.Duration
	IdlePoll       time.Duration
	TriggerTimeout time.Duration
	Location       *time.Location
	Logger         *slog.Logger

	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

type sessionList struct {
	dir  string
	list []*Schedule

	// fileMu orders writes of this session's file.
	fileMu sync.Mutex
}

// Engine owns every loaded session's schedules and the single wake-up timer.
type Engine struct {
	mu       sync.Mutex
	sessions map[string]*sessionList
	trigger  TriggerFunc

	timer   *time.Timer
	timerAt time.Time
	gen     uint64
	started bool
	ticking bool
	baseCtx context.Context

	minDelay       time.Duration
	idlePoll       time.Duration
	triggerTimeout time.Duration
	loc            *time.Location
	now            func() time.Time
	logger         *slog.Logger
}

// NewEngine creates an engine that calls trigger for every due schedule.
func NewEngine(trigger TriggerFunc, opts Options) *Engine {
	e := &Engine{
		sessions:       make(map[string]*sessionList),
		trigger:        trigger,
		minDelay:       opts.MinDelay,
		idlePoll:       opts.IdlePoll,
		triggerTimeout: opts.TriggerTimeout,
		loc:            opts.Location,
		now:            opts.Now,
		logger:         opts.Logger,
		baseCtx:        context.Background(),
	}
	if e.minDelay <= 0 {
		e.minDelay = DefaultMinDelay
	}
	if e.idlePoll <= 0 {
		e.idlePoll = DefaultIdlePoll
	}
	if e.idlePoll < e.minDelay {
		e.idlePoll = e.minDelay
	}
	if e.triggerTimeout <= 0 {
		e.triggerTimeout = DefaultTriggerTimeout
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "schedule")
	return e
}

// Start arms the timer. Trigger callbacks derive their context from ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.baseCtx = ctx
	e.started = true
	e.rearmLocked()
	e.logger.Info("schedule engine started", "sessions", len(e.sessions))
}

// Stop cancels the outstanding timer. A tick already running completes.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = false
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.logger.Info("schedule engine stopped")
}

// LoadSession reads <dir>/schedules.json and starts considering its schedules.
// Malformed cron entries are dropped with a warning. Loading an already
// loaded session from the same dir keeps the in-memory list.
func (e *Engine) LoadSession(sessionID, dir string) error {
	e.mu.Lock()
	if existing, ok := e.sessions[sessionID]; ok && existing.dir == dir {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	raw, err := ReadFile(dir)
	if err != nil {
		return fmt.Errorf("loading schedules for %s: %w", sessionID, err)
	}

	now := e.now()
	list := make([]*Schedule, 0, len(raw))
	changed := false
	for i := range raw {
		s := raw[i]
		if s.ID == "" {
			s.ID = uuid.New().String()
			changed = true
		}
		next, err := NextRun(s, now, e.loc)
		if err != nil {
			e.logger.Warn("dropping schedule with malformed cron",
				"session_id", sessionID,
				"schedule_id", s.ID,
				"cron", s.RepeatCron,
				"error", err,
			)
			changed = true
			continue
		}
		if !timesEqual(next, s.NextRunAt) {
			changed = true
		}
		s.NextRunAt = next
		list = append(list, &s)
	}

	e.mu.Lock()
	sl := &sessionList{dir: dir, list: list}
	e.sessions[sessionID] = sl
	e.rearmLocked()
	e.mu.Unlock()

	e.logger.Debug("loaded session schedules", "session_id", sessionID, "count", len(list))

	if changed {
		if err := e.persist(sessionID, sl); err != nil {
			e.logger.Warn("failed to persist sanitized schedules", "session_id", sessionID, "error", err)
		}
	}
	return nil
}

// UnloadSession stops considering a session's schedules. The file is kept.
func (e *Engine) UnloadSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.sessions[sessionID]; !ok {
		return
	}
	delete(e.sessions, sessionID)
	e.rearmLocked()
}

// DeleteSession unloads the session and removes its persisted schedules.
// dir is used when the session is not currently loaded.
func (e *Engine) DeleteSession(sessionID, dir string) error {
	e.mu.Lock()
	if sl, ok := e.sessions[sessionID]; ok {
		dir = sl.dir
		delete(e.sessions, sessionID)
		e.rearmLocked()
	}
	e.mu.Unlock()

	if dir == "" {
		return nil
	}
	return removeFile(dir)
}

// Loaded reports whether the session's schedules are being considered.
func (e *Engine) Loaded(sessionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.sessions[sessionID]
	return ok
}

// Create adds a schedule to a loaded session and persists the list.
func (e *Engine) Create(sessionID string, spec Spec) (Schedule, error) {
	now := e.now()
	s := Schedule{
		ID:         uuid.New().String(),
		StartAt:    spec.StartAt,
		RepeatCron: spec.RepeatCron,
		Memo:       spec.Memo,
		Enabled:    !spec.Disabled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s.StartAt.IsZero() {
		s.StartAt = now
	}

	next, err := NextRun(s, now, e.loc)
	if err != nil {
		return Schedule{}, err
	}
	s.NextRunAt = next

	e.mu.Lock()
	sl, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return Schedule{}, fmt.Errorf("%w: %s", ErrSessionNotLoaded, sessionID)
	}
	sl.list = append(sl.list, &s)
	out := s.clone()
	e.rearmLocked()
	e.mu.Unlock()

	e.logger.Info("schedule created",
		"session_id", sessionID,
		"schedule_id", s.ID,
		"repeat", s.RepeatCron,
		"next_run_at", formatTime(out.NextRunAt),
	)

	return out, e.persist(sessionID, sl)
}

// Update applies patch to an existing schedule and re-derives its next run.
func (e *Engine) Update(sessionID, scheduleID string, patch Patch) (Schedule, error) {
	e.mu.Lock()
	sl, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return Schedule{}, fmt.Errorf("%w: %s", ErrSessionNotLoaded, sessionID)
	}
	idx := indexOf(sl.list, scheduleID)
	if idx < 0 {
		e.mu.Unlock()
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, scheduleID)
	}

	updated := sl.list[idx].clone()
	if patch.StartAt != nil {
		updated.StartAt = *patch.StartAt
	}
	if patch.RepeatCron != nil {
		updated.RepeatCron = *patch.RepeatCron
	}
	if patch.Memo != nil {
		updated.Memo = *patch.Memo
	}
	if patch.Enabled != nil {
		updated.Enabled = *patch.Enabled
	}

	now := e.now()
	next, err := NextRun(updated, now, e.loc)
	if err != nil {
		e.mu.Unlock()
		return Schedule{}, err
	}
	updated.NextRunAt = next
	updated.UpdatedAt = now
	sl.list[idx] = &updated
	out := updated.clone()
	e.rearmLocked()
	e.mu.Unlock()

	return out, e.persist(sessionID, sl)
}

// Remove deletes a schedule from a loaded session.
func (e *Engine) Remove(sessionID, scheduleID string) error {
	e.mu.Lock()
	sl, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotLoaded, sessionID)
	}
	idx := indexOf(sl.list, scheduleID)
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, scheduleID)
	}
	sl.list = append(sl.list[:idx], sl.list[idx+1:]...)
	e.rearmLocked()
	e.mu.Unlock()

	e.logger.Info("schedule removed", "session_id", sessionID, "schedule_id", scheduleID)
	return e.persist(sessionID, sl)
}

// Get returns one schedule by id.
func (e *Engine) Get(sessionID, scheduleID string) (Schedule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sl, ok := e.sessions[sessionID]
	if !ok {
		return Schedule{}, fmt.Errorf("%w: %s", ErrSessionNotLoaded, sessionID)
	}
	idx := indexOf(sl.list, scheduleID)
	if idx < 0 {
		return Schedule{}, fmt.Errorf("%w: %s", ErrNotFound, scheduleID)
	}
	return sl.list[idx].clone(), nil
}

// List returns a session's schedules sorted by NextRunAt ascending, nil last.
func (e *Engine) List(sessionID string) []Schedule {
	e.mu.Lock()
	sl, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	out := make([]Schedule, 0, len(sl.list))
	for _, s := range sl.list {
		out = append(out, s.clone())
	}
	e.mu.Unlock()

	SortByNextRun(out)
	return out
}

// SortByNextRun orders schedules by NextRunAt ascending with nil entries last.
func SortByNextRun(list []Schedule) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].NextRunAt, list[j].NextRunAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
}

// NextWake returns when the timer is currently armed to fire.
func (e *Engine) NextWake() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer == nil {
		return time.Time{}, false
	}
	return e.timerAt, true
}

// rearmLocked replaces the pending timer. Must be called with mu held.
// While a tick runs the re-arm is deferred to the end of that tick.
func (e *Engine) rearmLocked() {
	if !e.started || e.ticking {
		return
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	now := e.now()
	delay := e.idlePoll
	if earliest := e.earliestLocked(); earliest != nil {
		if d := earliest.Sub(now); d < delay {
			delay = d
		}
	}
	if delay < e.minDelay {
		delay = e.minDelay
	}

	e.gen++
	gen := e.gen
	e.timerAt = now.Add(delay)
	e.timer = time.AfterFunc(delay, func() { e.tick(gen) })
}

func (e *Engine) earliestLocked() *time.Time {
	var earliest *time.Time
	for _, sl := range e.sessions {
		for _, s := range sl.list {
			if s.NextRunAt == nil {
				continue
			}
			if earliest == nil || s.NextRunAt.Before(*earliest) {
				t := *s.NextRunAt
				earliest = &t
			}
		}
	}
	return earliest
}

type dueItem struct {
	sessionID string
	schedule  Schedule
}

type fireResult struct {
	dueItem
	err error
}

// tick fires every due schedule, applies the outcomes and re-arms.
func (e *Engine) tick(gen uint64) {
	e.mu.Lock()
	if !e.started || gen != e.gen || e.ticking {
		e.mu.Unlock()
		return
	}
	e.ticking = true
	e.timer = nil
	ctx := e.baseCtx
	now := e.now()

	var due []dueItem
	dirty := make(map[string]*sessionList)
	for sessionID, sl := range e.sessions {
		for _, s := range sl.list {
			if s.NextRunAt == nil || s.NextRunAt.After(now) {
				continue
			}
			if s.LastRunAt != nil && sameMinute(*s.LastRunAt, now) {
				next, err := NextRun(*s, now.Add(time.Second), e.loc)
				if err == nil {
					s.NextRunAt = next
					dirty[sessionID] = sl
				}
				continue
			}
			due = append(due, dueItem{sessionID: sessionID, schedule: s.clone()})
		}
	}
	e.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].schedule.NextRunAt.Before(*due[j].schedule.NextRunAt)
	})

	results := make([]fireResult, 0, len(due))
	for _, item := range due {
		results = append(results, fireResult{dueItem: item, err: e.fire(ctx, item, now)})
	}

	e.mu.Lock()
	for _, r := range results {
		sl, ok := e.sessions[r.sessionID]
		if !ok {
			continue
		}
		idx := indexOf(sl.list, r.schedule.ID)
		if idx < 0 {
			continue
		}
		dirty[r.sessionID] = sl

		if !r.schedule.Repeating() {
			sl.list = append(sl.list[:idx], sl.list[idx+1:]...)
			continue
		}

		s := sl.list[idx]
		after := e.now()
		if r.err == nil {
			ran := now
			s.LastRunAt = &ran
		}
		next, err := NextRun(*s, laterOf(after, now), e.loc)
		if err != nil {
			next = nil
		}
		s.NextRunAt = next
		s.UpdatedAt = after
	}
	e.ticking = false
	e.rearmLocked()
	e.mu.Unlock()

	for sessionID, sl := range dirty {
		if err := e.persist(sessionID, sl); err != nil {
			e.logger.Error("failed to persist schedules after tick", "session_id", sessionID, "error", err)
		}
	}
}

func (e *Engine) fire(ctx context.Context, item dueItem, now time.Time) error {
	if e.trigger == nil {
		return errors.New("no trigger configured")
	}

	fireCtx, cancel := context.WithTimeout(ctx, e.triggerTimeout)
	defer cancel()

	e.logger.Info("firing schedule",
		"session_id", item.sessionID,
		"schedule_id", item.schedule.ID,
		"repeat", item.schedule.RepeatCron,
	)

	err := e.trigger(fireCtx, Trigger{
		SessionID: item.sessionID,
		Schedule:  item.schedule,
		FiredAt:   now,
	})
	if err != nil {
		e.logger.Warn("schedule trigger failed",
			"session_id", item.sessionID,
			"schedule_id", item.schedule.ID,
			"error", err,
		)
	}
	return err
}

// persist writes the current list of sl. Snapshots are taken after fileMu
// is held so the last write always carries the newest state.
func (e *Engine) persist(sessionID string, sl *sessionList) error {
	sl.fileMu.Lock()
	defer sl.fileMu.Unlock()

	e.mu.Lock()
	if current, ok := e.sessions[sessionID]; !ok || current != sl {
		e.mu.Unlock()
		return nil
	}
	snapshot := make([]Schedule, 0, len(sl.list))
	for _, s := range sl.list {
		snapshot = append(snapshot, s.clone())
	}
	dir := sl.dir
	e.mu.Unlock()

	if err := writeFile(dir, snapshot); err != nil {
		return fmt.Errorf("persisting schedules for %s: %w", sessionID, err)
	}
	return nil
}

func indexOf(list []*Schedule, id string) int {
	for i, s := range list {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
