// ABOUTME: Fleet event ledger: session lifecycle, schedule fires, and mention deliveries
// ABOUTME: Events carry prefixed ULID ids so ordering by id is ordering by creation

package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewEventID returns a sortable event id.
func NewEventID() string {
	return "evt_" + ulid.Make().String()
}

// SaveEvent persists a ledger event, filling ID and CreatedAt when unset.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = NewEventID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO events (id, type, session_id, org_id, summary, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.SessionID,
		event.OrgID,
		event.Summary,
		event.Data,
		event.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}

	s.logger.Debug("saved ledger event",
		"event_id", event.ID,
		"type", event.Type,
		"session_id", event.SessionID,
	)
	return nil
}

// ListEvents returns events matching filter, oldest first.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.AfterID != "" {
		where = append(where, "id > ?")
		args = append(args, filter.AfterID)
	}

	query := `SELECT id, type, session_id, org_id, summary, data, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, clampLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event := &Event{}
		var eventType, createdAt string
		if err := rows.Scan(
			&event.ID,
			&eventType,
			&event.SessionID,
			&event.OrgID,
			&event.Summary,
			&event.Data,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}

		event.Type = EventType(eventType)
		event.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event rows: %w", err)
	}

	return events, nil
}
