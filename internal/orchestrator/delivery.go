// ABOUTME: Mention delivery pipeline: per-session queues retried until the target reads or receives them
// ABOUTME: One attempt in flight per session; busy workers retry soon, failures back off exponentially

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/dedupe"
	"github.com/2389/coven-fleet/internal/orgchat"
	"github.com/2389/coven-fleet/internal/store"
)

type delivery struct {
	mu       sync.Mutex
	queues   map[string][]orgchat.PendingMention
	inflight map[string]bool
	rerun    map[string]bool
	timers   map[string]*time.Timer
	failures map[string]*retryState
	cancels  map[string]context.CancelFunc
	closed   bool

	o      *Orchestrator
	cfg    config.DeliveryConfig
	seen   *dedupe.Cache
	logger *slog.Logger
}

func newDelivery(o *Orchestrator, cfg config.DeliveryConfig, seen *dedupe.Cache, logger *slog.Logger) *delivery {
	if cfg.ActiveRetry <= 0 {
		cfg.ActiveRetry = config.DefaultActiveRetry
	}
	if cfg.InactiveRetry <= 0 {
		cfg.InactiveRetry = config.DefaultInactiveRetry
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = config.DefaultMaxBackoff
	}
	return &delivery{
		queues:   make(map[string][]orgchat.PendingMention),
		inflight: make(map[string]bool),
		rerun:    make(map[string]bool),
		timers:   make(map[string]*time.Timer),
		failures: make(map[string]*retryState),
		cancels:  make(map[string]context.CancelFunc),
		o:        o,
		cfg:      cfg,
		seen:     seen,
		logger:   logger.With("component", "delivery"),
	}
}

// Enqueue implements orgchat.MentionQueue.
func (d *delivery) Enqueue(m orgchat.PendingMention) {
	if d.seen.Seen(dedupe.Key{SessionID: m.TargetSessionID, MessageID: m.MessageID}) {
		return
	}

	d.mu.Lock()
	for _, q := range d.queues[m.TargetSessionID] {
		if q.MessageID == m.MessageID {
			d.mu.Unlock()
			return
		}
	}
	d.queues[m.TargetSessionID] = append(d.queues[m.TargetSessionID], m)
	d.mu.Unlock()

	d.logger.Debug("mention queued", "session_id", m.TargetSessionID, "message_id", m.MessageID)
	d.schedule(m.TargetSessionID, 0)
}

// PruneRead implements orgchat.MentionQueue.
func (d *delivery) PruneRead(sessionID string) {
	d.prune(sessionID)
}

// Pending returns a copy of a session's queue.
func (d *delivery) Pending(sessionID string) []orgchat.PendingMention {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]orgchat.PendingMention(nil), d.queues[sessionID]...)
}

// prune drops queued mentions the target has read or already received.
// It returns what is left.
func (d *delivery) prune(sessionID string) []orgchat.PendingMention {
	d.mu.Lock()
	items := append([]orgchat.PendingMention(nil), d.queues[sessionID]...)
	d.mu.Unlock()

	drop := make(map[string]bool)
	for _, m := range items {
		if d.seen.Seen(dedupe.Key{SessionID: sessionID, MessageID: m.MessageID}) ||
			d.o.chat.IsRead(m.OrgID, sessionID, m.MessageID) {
			drop[m.MessageID] = true
		}
	}
	if len(drop) == 0 {
		return items
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []orgchat.PendingMention
	for _, m := range d.queues[sessionID] {
		if !drop[m.MessageID] {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(d.queues, sessionID)
	} else {
		d.queues[sessionID] = kept
	}
	return append([]orgchat.PendingMention(nil), kept...)
}

// Kick schedules an immediate attempt for sessionID if it has pending mentions.
func (d *delivery) Kick(sessionID string) {
	d.mu.Lock()
	n := len(d.queues[sessionID])
	d.mu.Unlock()
	if n > 0 {
		d.schedule(sessionID, 0)
	}
}

func (d *delivery) schedule(sessionID string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if t, ok := d.timers[sessionID]; ok {
		t.Stop()
	}
	d.timers[sessionID] = time.AfterFunc(delay, func() { d.attempt(sessionID) })
}

// retryState tracks consecutive delivery failures for one session.
type retryState struct {
	attempts int
	backoff  *backoff.ExponentialBackOff
}

// newBackoff doubles from ActiveRetry up to MaxBackoff and never gives up.
func newBackoff(cfg config.DeliveryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ActiveRetry
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (d *delivery) attempt(sessionID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if d.inflight[sessionID] {
		d.rerun[sessionID] = true
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.o.baseCtx)
	d.inflight[sessionID] = true
	d.cancels[sessionID] = cancel
	delete(d.timers, sessionID)
	d.mu.Unlock()

	next, delay := d.deliverOne(ctx, sessionID)

	d.mu.Lock()
	delete(d.inflight, sessionID)
	delete(d.cancels, sessionID)
	rerun := d.rerun[sessionID] && ctx.Err() == nil
	delete(d.rerun, sessionID)
	d.mu.Unlock()
	cancel()

	if !next && rerun {
		next, delay = true, 0
	}
	if next {
		d.schedule(sessionID, delay)
	}
}

// deliverOne hands the oldest pending mention to the session's worker. It
// reports whether another attempt is needed and after what delay.
func (d *delivery) deliverOne(ctx context.Context, sessionID string) (bool, time.Duration) {
	pending := d.prune(sessionID)
	if len(pending) == 0 {
		d.resetFailures(sessionID)
		return false, 0
	}

	worker, err := d.o.StartSession(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrShuttingDown) {
			return false, 0
		}
		return true, d.fail(ctx, sessionID, pending[0], err)
	}
	if worker.IsProcessing() {
		return true, d.cfg.ActiveRetry
	}

	m := pending[0]
	key := dedupe.Key{SessionID: sessionID, MessageID: m.MessageID}
	if d.seen.CheckAndMark(key) {
		d.remove(sessionID, m.MessageID)
		return len(d.Pending(sessionID)) > 0, 0
	}
	_, err = worker.ProcessMessage(ctx, formatMention(m), agent.Source{
		Kind:        agent.SourceSystem,
		Platform:    "orgchat",
		ChannelID:   m.OrgID,
		SenderID:    m.SenderSessionID,
		SenderName:  m.SenderName,
		ReferenceID: m.MessageID,
	})
	if err != nil {
		d.seen.Forget(key)
	}
	switch {
	case errors.Is(err, agent.ErrBusy):
		return true, d.cfg.ActiveRetry
	case ctx.Err() != nil:
		// Session stopped mid-delivery; starting it kicks the queue again.
		return false, 0
	case err != nil:
		return true, d.fail(ctx, sessionID, m, err)
	}

	d.remove(sessionID, m.MessageID)
	d.resetFailures(sessionID)
	d.logger.Info("mention delivered", "session_id", sessionID, "org_id", m.OrgID, "message_id", m.MessageID, "delivered_entries", d.seen.Len())
	d.o.record(ctx, &store.Event{
		Type:      store.EventMentionDelivered,
		SessionID: sessionID,
		OrgID:     m.OrgID,
		Summary:   m.MessageID,
	})

	if len(d.Pending(sessionID)) == 0 {
		return false, 0
	}
	if d.o.IsLive(sessionID) {
		return true, d.cfg.ActiveRetry
	}
	return true, d.cfg.InactiveRetry
}

func (d *delivery) fail(ctx context.Context, sessionID string, m orgchat.PendingMention, err error) time.Duration {
	d.mu.Lock()
	r, ok := d.failures[sessionID]
	if !ok {
		r = &retryState{backoff: newBackoff(d.cfg)}
		d.failures[sessionID] = r
	}
	r.attempts++
	n := r.attempts
	delay := r.backoff.NextBackOff()
	d.mu.Unlock()

	d.logger.Warn("mention delivery failed",
		"session_id", sessionID,
		"message_id", m.MessageID,
		"attempt", n,
		"retry_in", delay,
		"error", err,
	)
	d.o.record(ctx, &store.Event{
		Type:      store.EventMentionFailed,
		SessionID: sessionID,
		OrgID:     m.OrgID,
		Summary:   fmt.Sprintf("%s: %v", m.MessageID, err),
	})
	return delay
}

func (d *delivery) resetFailures(sessionID string) {
	d.mu.Lock()
	if r, ok := d.failures[sessionID]; ok {
		r.attempts = 0
		r.backoff.Reset()
	}
	d.mu.Unlock()
}

func (d *delivery) remove(sessionID, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var kept []orgchat.PendingMention
	for _, m := range d.queues[sessionID] {
		if m.MessageID != messageID {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		delete(d.queues, sessionID)
	} else {
		d.queues[sessionID] = kept
	}
}

// Cancel stops any pending or in-flight attempt for sessionID. The queue is kept.
func (d *delivery) Cancel(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[sessionID]; ok {
		t.Stop()
		delete(d.timers, sessionID)
	}
	if cancel, ok := d.cancels[sessionID]; ok {
		cancel()
	}
	delete(d.rerun, sessionID)
	delete(d.failures, sessionID)
}

// Forget cancels delivery and drops everything queued for sessionID.
func (d *delivery) Forget(sessionID string) {
	d.Cancel(sessionID)
	d.mu.Lock()
	delete(d.queues, sessionID)
	d.mu.Unlock()
	d.seen.ForgetSession(sessionID)
}

// Close stops every timer and in-flight attempt.
func (d *delivery) Close() {
	d.mu.Lock()
	d.closed = true
	for id, t := range d.timers {
		t.Stop()
		delete(d.timers, id)
	}
	for _, cancel := range d.cancels {
		cancel()
	}
	d.mu.Unlock()
	d.seen.Close()
}

func formatMention(m orgchat.PendingMention) string {
	return fmt.Sprintf("[org %s] %s mentioned you (message %s):\n%s", m.OrgID, m.SenderName, m.MessageID, m.Content)
}
