// ABOUTME: Registers the fleet's in-process protocol servers with a builtin registry
// ABOUTME: Shared input decoding and result encoding helpers for tool handlers

package builtins

import (
	"encoding/json"
	"fmt"

	"github.com/2389/coven-fleet/internal/mcp"
)

// Builtin kind names as used in mcp_servers[].builtin.
const (
	KindOrgChat   = "org_chat"
	KindSchedules = "schedules"
	KindNotes     = "notes"
	KindAskModel  = "ask_model"
	KindAdmin     = "admin"
)

// Deps are the services the builtin servers are bound to. Servers whose
// dependency is nil are not registered.
type Deps struct {
	Chat       ChatService
	Schedules  ScheduleService
	Workspaces WorkspaceResolver
	Fleet      FleetView
	Completers CompleterFactory
}

// Register adds every builtin server that deps can back.
func Register(reg *mcp.BuiltinRegistry, deps Deps) error {
	type entry struct {
		kind    string
		factory mcp.BuiltinFactory
	}
	var entries []entry
	if deps.Chat != nil {
		entries = append(entries, entry{KindOrgChat, OrgChatServer(deps.Chat)})
	}
	if deps.Schedules != nil {
		entries = append(entries, entry{KindSchedules, SchedulesServer(deps.Schedules)})
	}
	if deps.Workspaces != nil {
		entries = append(entries, entry{KindNotes, NotesServer(deps.Workspaces)})
	}
	if deps.Completers != nil {
		entries = append(entries, entry{KindAskModel, AskModelServer(deps.Completers)})
	}
	if deps.Fleet != nil {
		entries = append(entries, entry{KindAdmin, AdminServer(deps.Fleet)})
	}

	for _, e := range entries {
		if err := reg.Register(e.kind, e.factory); err != nil {
			return err
		}
	}
	return nil
}

func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	return nil
}

func tool(name, description, schema string, handler mcp.ToolHandler) *mcp.BuiltinTool {
	return &mcp.BuiltinTool{
		Definition: mcp.ToolDefinition{
			Name:        name,
			Description: description,
			InputSchema: json.RawMessage(schema),
		},
		Handler: handler,
	}
}
