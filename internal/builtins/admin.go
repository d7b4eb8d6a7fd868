// ABOUTME: Admin server gives a worker a read-only view of the fleet
// ABOUTME: Lists sessions with their live state and reads the event ledger

package builtins

import (
	"context"
	"encoding/json"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/store"
)

// SessionSummary is one row of admin list_sessions.
type SessionSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Running      bool   `json:"running"`
	Processing   bool   `json:"processing"`
	Schedules    int    `json:"schedules"`
}

// FleetView is what the admin tools read.
type FleetView interface {
	SessionSummaries() []SessionSummary
	Events(ctx context.Context, filter store.EventFilter) ([]*store.Event, error)
}

// AdminServer builds the admin server for a session.
func AdminServer(fleet FleetView) mcp.BuiltinFactory {
	return func(sessionID string, _ config.MCPServerConfig) (*mcp.BuiltinServer, error) {
		a := &adminHandlers{fleet: fleet}
		return &mcp.BuiltinServer{
			Kind: KindAdmin,
			Tools: []*mcp.BuiltinTool{
				tool("list_sessions", "List configured sessions and whether they are running",
					`{"type":"object","properties":{}}`, a.ListSessions),
				tool("recent_events", "Read recent fleet events",
					`{"type":"object","properties":{"session_id":{"type":"string"},"type":{"type":"string"},"limit":{"type":"integer"}}}`, a.RecentEvents),
			},
		}, nil
	}
}

type adminHandlers struct {
	fleet FleetView
}

func (a *adminHandlers) ListSessions(ctx context.Context, sessionID string, _ json.RawMessage) (json.RawMessage, error) {
	sessions := a.fleet.SessionSummaries()
	return json.Marshal(map[string]any{"sessions": sessions, "count": len(sessions)})
}

type recentEventsInput struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Limit     int    `json:"limit"`
}

func (a *adminHandlers) RecentEvents(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in recentEventsInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	events, err := a.fleet.Events(ctx, store.EventFilter{
		SessionID: in.SessionID,
		Type:      store.EventType(in.Type),
		Limit:     limit,
	})
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*store.Event{}
	}
	return json.Marshal(map[string]any{"events": events, "count": len(events)})
}
