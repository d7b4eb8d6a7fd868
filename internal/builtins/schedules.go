// ABOUTME: Self-scheduling tools: create, list, get, update, delete wake-ups for the calling session
// ABOUTME: Times are RFC3339; delay_seconds is a shorthand for a start relative to now

package builtins

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/schedule"
)

// ScheduleService is the slice of the schedule engine the tools use.
type ScheduleService interface {
	Create(sessionID string, spec schedule.Spec) (schedule.Schedule, error)
	Update(sessionID, scheduleID string, patch schedule.Patch) (schedule.Schedule, error)
	Remove(sessionID, scheduleID string) error
	Get(sessionID, scheduleID string) (schedule.Schedule, error)
	List(sessionID string) []schedule.Schedule
}

// SchedulesServer builds the schedules server for a session.
func SchedulesServer(svc ScheduleService) mcp.BuiltinFactory {
	return func(sessionID string, _ config.MCPServerConfig) (*mcp.BuiltinServer, error) {
		h := &scheduleHandlers{svc: svc, now: time.Now}
		return &mcp.BuiltinServer{
			Kind: KindSchedules,
			Tools: []*mcp.BuiltinTool{
				tool("create", "Schedule a wake-up. The memo is delivered to you when it fires. Set repeat_cron to repeat.",
					`{"type":"object","properties":{"memo":{"type":"string"},"start_at":{"type":"string","format":"date-time"},"delay_seconds":{"type":"integer"},"repeat_cron":{"type":"string"}},"required":["memo"]}`, h.Create),
				tool("list", "List your scheduled wake-ups",
					`{"type":"object","properties":{}}`, h.List),
				tool("get", "Show one scheduled wake-up",
					`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`, h.Get),
				tool("update", "Change a scheduled wake-up",
					`{"type":"object","properties":{"id":{"type":"string"},"memo":{"type":"string"},"start_at":{"type":"string","format":"date-time"},"repeat_cron":{"type":"string"},"enabled":{"type":"boolean"}},"required":["id"]}`, h.Update),
				tool("delete", "Delete a scheduled wake-up",
					`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`, h.Delete),
			},
		}, nil
	}
}

type scheduleHandlers struct {
	svc ScheduleService
	now func() time.Time
}

type scheduleCreateInput struct {
	Memo         string `json:"memo"`
	StartAt      string `json:"start_at"`
	DelaySeconds int    `json:"delay_seconds"`
	RepeatCron   string `json:"repeat_cron"`
}

func (h *scheduleHandlers) Create(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleCreateInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Memo == "" {
		return nil, fmt.Errorf("memo is required")
	}

	start := h.now()
	switch {
	case in.StartAt != "":
		t, err := time.Parse(time.RFC3339, in.StartAt)
		if err != nil {
			return nil, fmt.Errorf("invalid start_at: %w", err)
		}
		start = t
	case in.DelaySeconds > 0:
		start = start.Add(time.Duration(in.DelaySeconds) * time.Second)
	}

	s, err := h.svc.Create(sessionID, schedule.Spec{StartAt: start, RepeatCron: in.RepeatCron, Memo: in.Memo})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"id": s.ID, "status": "scheduled", "next_run_at": s.NextRunAt})
}

func (h *scheduleHandlers) List(ctx context.Context, sessionID string, _ json.RawMessage) (json.RawMessage, error) {
	list := h.svc.List(sessionID)
	schedule.SortByNextRun(list)
	return json.Marshal(map[string]any{"schedules": list, "count": len(list)})
}

type scheduleIDInput struct {
	ID string `json:"id"`
}

func (h *scheduleHandlers) Get(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleIDInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	s, err := h.svc.Get(sessionID, in.ID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

type scheduleUpdateInput struct {
	ID         string  `json:"id"`
	Memo       *string `json:"memo"`
	StartAt    *string `json:"start_at"`
	RepeatCron *string `json:"repeat_cron"`
	Enabled    *bool   `json:"enabled"`
}

func (h *scheduleHandlers) Update(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleUpdateInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}

	patch := schedule.Patch{Memo: in.Memo, RepeatCron: in.RepeatCron, Enabled: in.Enabled}
	if in.StartAt != nil {
		t, err := time.Parse(time.RFC3339, *in.StartAt)
		if err != nil {
			return nil, fmt.Errorf("invalid start_at: %w", err)
		}
		patch.StartAt = &t
	}

	s, err := h.svc.Update(sessionID, in.ID, patch)
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

func (h *scheduleHandlers) Delete(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in scheduleIDInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.ID == "" {
		return nil, fmt.Errorf("id is required")
	}
	if err := h.svc.Remove(sessionID, in.ID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"id": in.ID, "status": "deleted"})
}
