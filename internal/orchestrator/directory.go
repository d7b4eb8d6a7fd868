// ABOUTME: Organization membership, chat and fleet views the orchestrator exposes
// ABOUTME: Backs org chat isolation, the builtin servers, and the transport-facing chat methods

package orchestrator

import (
	"context"
	"fmt"

	"github.com/2389/coven-fleet/internal/builtins"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/orgchat"
	"github.com/2389/coven-fleet/internal/schedule"
	"github.com/2389/coven-fleet/internal/store"
)

// HasOrganization reports whether orgID is configured.
func (o *Orchestrator) HasOrganization(orgID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, org := range o.cfg.Organizations {
		if org.ID == orgID {
			return true
		}
	}
	return false
}

// Members lists the sessions configured in orgID.
func (o *Orchestrator) Members(orgID string) []orgchat.Member {
	o.mu.RLock()
	defer o.mu.RUnlock()
	var members []orgchat.Member
	for _, s := range o.cfg.Sessions {
		if s.Organization == orgID {
			members = append(members, orgchat.Member{SessionID: s.ID, Name: s.DisplayName()})
		}
	}
	return members
}

// OrganizationOf returns the organization of a configured session.
func (o *Orchestrator) OrganizationOf(sessionID string) (string, bool) {
	s, ok := o.sessionConfig(sessionID)
	if !ok {
		return "", false
	}
	return s.Organization, true
}

// chatFacade exposes the substrate to builtin servers.
type chatFacade struct {
	o *Orchestrator
}

func (c chatFacade) Post(ctx context.Context, orgID, content string, sender orgchat.Sender) (*orgchat.Message, error) {
	return c.o.PostMessage(ctx, orgID, content, sender)
}

func (c chatFacade) Messages(ctx context.Context, orgID, viewer string, filter orgchat.Filter) ([]orgchat.Message, error) {
	return c.o.chat.Messages(ctx, orgID, viewer, filter)
}

func (c chatFacade) UnreadCount(ctx context.Context, orgID, viewer string) (int, error) {
	return c.o.chat.UnreadCount(ctx, orgID, viewer)
}

func (c chatFacade) Search(ctx context.Context, orgID, query string, mode orgchat.SearchMode, limit int) ([]orgchat.SearchResult, error) {
	return c.o.chat.Search(ctx, orgID, query, mode, limit)
}

func (c chatFacade) MarkAsRead(ctx context.Context, orgID, viewer string) error {
	return c.o.chat.MarkAsRead(ctx, orgID, viewer)
}

func (c chatFacade) Membership(sessionID string) (string, string, bool) {
	s, ok := c.o.sessionConfig(sessionID)
	if !ok || s.Organization == "" {
		return "", "", false
	}
	return s.Organization, s.DisplayName(), true
}

// PostMessage posts to an organization channel and records the event.
func (o *Orchestrator) PostMessage(ctx context.Context, orgID, content string, sender orgchat.Sender) (*orgchat.Message, error) {
	msg, err := o.chat.Post(ctx, orgID, content, sender)
	if err != nil {
		return nil, err
	}
	o.record(ctx, &store.Event{
		Type:      store.EventMessagePosted,
		SessionID: sender.SessionID,
		OrgID:     orgID,
		Summary:   fmt.Sprintf("%s posted %s", sender.Name, msg.ID),
	})
	return msg, nil
}

// Messages reads an organization channel as viewer.
func (o *Orchestrator) Messages(ctx context.Context, orgID, viewer string, filter orgchat.Filter) ([]orgchat.Message, error) {
	return o.chat.Messages(ctx, orgID, viewer, filter)
}

// SearchMessages searches an organization channel.
func (o *Orchestrator) SearchMessages(ctx context.Context, orgID, query string, mode orgchat.SearchMode, limit int) ([]orgchat.SearchResult, error) {
	return o.chat.Search(ctx, orgID, query, mode, limit)
}

// MarkAsRead moves viewer's cursor to the newest message.
func (o *Orchestrator) MarkAsRead(ctx context.Context, orgID, viewer string) error {
	return o.chat.MarkAsRead(ctx, orgID, viewer)
}

// UnreadCount counts viewer's unread messages.
func (o *Orchestrator) UnreadCount(ctx context.Context, orgID, viewer string) (int, error) {
	return o.chat.UnreadCount(ctx, orgID, viewer)
}

// CreateSchedule adds a schedule for a configured session. A session whose
// schedules failed to load at startup is loaded again first.
func (o *Orchestrator) CreateSchedule(sessionID string, spec schedule.Spec) (schedule.Schedule, error) {
	cfg, ok := o.sessionConfig(sessionID)
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if !o.engine.Loaded(sessionID) {
		if err := o.engine.LoadSession(sessionID, stateDir(cfg)); err != nil {
			return schedule.Schedule{}, fmt.Errorf("loading schedules for %s: %w", sessionID, err)
		}
	}
	return o.engine.Create(sessionID, spec)
}

// UpdateSchedule patches a schedule.
func (o *Orchestrator) UpdateSchedule(sessionID, scheduleID string, patch schedule.Patch) (schedule.Schedule, error) {
	return o.engine.Update(sessionID, scheduleID, patch)
}

// DeleteSchedule removes a schedule.
func (o *Orchestrator) DeleteSchedule(sessionID, scheduleID string) error {
	return o.engine.Remove(sessionID, scheduleID)
}

// Schedules lists a session's schedules ordered by next run.
func (o *Orchestrator) Schedules(sessionID string) []schedule.Schedule {
	list := o.engine.List(sessionID)
	schedule.SortByNextRun(list)
	return list
}

// ProtocolStates returns a live session's protocol connection states.
func (o *Orchestrator) ProtocolStates(sessionID string) ([]mcp.ServerState, error) {
	ls, ok := o.liveSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	return ls.protocols.States(), nil
}

// RestartProtocol reconnects one protocol server of a live session.
func (o *Orchestrator) RestartProtocol(ctx context.Context, sessionID, serverID string) error {
	ls, ok := o.liveSession(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, sessionID)
	}
	return ls.protocols.RestartServer(ctx, serverID)
}

// SessionSummaries lists every configured session with its live state.
func (o *Orchestrator) SessionSummaries() []builtins.SessionSummary {
	sessions := o.sessions()
	out := make([]builtins.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		sum := builtins.SessionSummary{
			ID:           s.ID,
			Name:         s.DisplayName(),
			Organization: s.Organization,
			Schedules:    len(o.engine.List(s.ID)),
		}
		if ls, ok := o.liveSession(s.ID); ok {
			sum.Running = true
			sum.Processing = ls.worker.IsProcessing()
		}
		out = append(out, sum)
	}
	return out
}

// Events reads the ledger.
func (o *Orchestrator) Events(ctx context.Context, filter store.EventFilter) ([]*store.Event, error) {
	return o.store.ListEvents(ctx, filter)
}

// Config returns the live configuration.
func (o *Orchestrator) Config() *config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}
