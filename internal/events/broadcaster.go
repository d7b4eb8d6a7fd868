// ABOUTME: In-memory fan-out of fleet events to transport-layer subscribers
// ABOUTME: Subscribers register for a session or organization key, or for every event

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-fleet/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// All subscribes to every published event regardless of key.
	All = "*"
)

// Broadcaster provides pub/sub for ledger events. The orchestrator publishes;
// it never knows who, if anyone, is listening.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Event // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Event),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers for events published under key (a session id, an
// organization id, or All). The subscription is removed when ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *store.Event, string) {
	subID := uuid.New().String()
	ch := make(chan *store.Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *store.Event)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers event to subscribers of its session, its organization and All.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster) Publish(event *store.Event) {
	keys := []string{All}
	if event.SessionID != "" {
		keys = append(keys, event.SessionID)
	}
	if event.OrgID != "" && event.OrgID != event.SessionID {
		keys = append(keys, event.OrgID)
	}

	b.mu.RLock()
	var targets []chan *store.Event
	for _, key := range keys {
		for _, ch := range b.subscribers[key] {
			targets = append(targets, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		b.send(ch, event)
	}
}

// send never blocks and tolerates a channel closed by a concurrent Unsubscribe.
func (b *Broadcaster) send(ch chan *store.Event, event *store.Event) {
	defer func() {
		_ = recover()
	}()
	select {
	case ch <- event:
	default:
		b.logger.Debug("dropped event for slow subscriber", "event_id", event.ID, "type", event.Type)
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
