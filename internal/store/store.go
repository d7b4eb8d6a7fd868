// ABOUTME: Storage interface and records for session state and the event ledger
// ABOUTME: SQLiteStore and MockStore both implement Store

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("not found")

// EventType categorizes ledger events
type EventType string

const (
	EventSessionStarted   EventType = "session.started"
	EventSessionStopped   EventType = "session.stopped"
	EventSessionDeleted   EventType = "session.deleted"
	EventSessionRestarted EventType = "session.restarted"
	EventScheduleFired    EventType = "schedule.fired"
	EventMessagePosted    EventType = "orgchat.posted"
	EventMentionDelivered EventType = "mention.delivered"
	EventMentionFailed    EventType = "mention.failed"
	EventConfigReloaded   EventType = "config.reloaded"
	EventInbound          EventType = "message.inbound"
)

// Event is one immutable entry in the fleet ledger.
// IDs are ULIDs so lexical order matches creation order.
type Event struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	OrgID     string    `json:"org_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventFilter narrows ListEvents. Zero fields match everything.
type EventFilter struct {
	SessionID string
	OrgID     string
	Type      EventType
	AfterID   string // only events with an id greater than this
	Limit     int    // 1-500, defaults to 100
}

// Store is what the orchestrator needs from persistence.
type Store interface {
	SaveSessionState(ctx context.Context, sessionID string, state []byte) error
	GetSessionState(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSessionState(ctx context.Context, sessionID string) error

	SaveEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error)

	Close() error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 500 {
		return 500
	}
	return limit
}
