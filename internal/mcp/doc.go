// Package mcp manages the Model Context Protocol connections of a session.
//
// # Overview
//
// Each session owns one Manager. A connection is either a subprocess
// speaking MCP over stdio (launched through mcp-go) or a builtin server
// running in-process. Both satisfy the Client interface.
//
// # Lifecycle
//
//	connecting -> connected
//	connecting -> error
//
// StartServer is idempotent while a connection is connecting or connected.
// Failures never surface as errors; they are recorded in ServerState and
// visible through States.
//
// # Tool Names
//
// Tools are exposed namespaced by their server id:
//
//	files__read_file
//	chat__post_message
//
// ParseToolName reverses the mapping.
//
// # Tool Calls
//
// CallTool returns a ToolResult whose Status is one of ok, not_connected,
// error or timeout. A tool that ran but reported a failure has Status ok
// and IsError set.
package mcp
