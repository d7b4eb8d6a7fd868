// ABOUTME: Tool definitions exposed by protocol servers and the namespacing of their names
// ABOUTME: Tools are addressed as <serverID>__<tool> so servers never collide

package mcp

import (
	"encoding/json"
	"strings"
)

// NameSeparator joins a server id and a tool name.
const NameSeparator = "__"

// ToolDefinition describes one callable tool as a server reports it.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// Tool is a definition owned by a connected server, carrying its namespaced name.
type Tool struct {
	Name       string         `json:"name"`
	ServerID   string         `json:"server_id"`
	Definition ToolDefinition `json:"definition"`
}

// ToolName namespaces a server tool.
func ToolName(serverID, tool string) string {
	return serverID + NameSeparator + tool
}

// ParseToolName splits a namespaced tool name into server id and tool.
func ParseToolName(name string) (serverID, tool string, ok bool) {
	serverID, tool, ok = strings.Cut(name, NameSeparator)
	if !ok || serverID == "" || tool == "" {
		return "", "", false
	}
	return serverID, tool, true
}

// Status is the outcome of a tool call.
type Status string

// Tool call outcomes.
const (
	CallOK           Status = "ok"
	CallNotConnected Status = "not_connected"
	CallError        Status = "error"
	CallTimeout      Status = "timeout"
)

// ToolResult is the typed outcome of CallTool. Failures are described here,
// never returned as Go errors.
type ToolResult struct {
	ServerID string `json:"server_id"`
	Tool     string `json:"tool"`
	Status   Status `json:"status"`
	Content  string `json:"content,omitempty"`
	IsError  bool   `json:"is_error,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the call reached the tool and the tool did not flag an error.
func (r *ToolResult) OK() bool {
	return r.Status == CallOK && !r.IsError
}
