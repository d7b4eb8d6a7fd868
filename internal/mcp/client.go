// ABOUTME: Client contract for a live protocol connection and the default dialer
// ABOUTME: Subprocess servers speak MCP over stdio via mcp-go; builtins run in-process

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/coven-fleet/internal/config"
)

// ClientName and ClientVersion are advertised during the initialize handshake.
var (
	ClientName    = "coven-fleet"
	ClientVersion = "dev"
)

// Client is one live connection to a protocol server.
type Client interface {
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, tool string, args json.RawMessage) (*ToolResult, error)
	Close() error
}

// Dialer opens and initializes a connection described by spec.
type Dialer interface {
	Dial(ctx context.Context, sessionID string, spec config.MCPServerConfig) (Client, error)
}

// DefaultDialer launches stdio subprocesses and builds builtin servers.
type DefaultDialer struct {
	Builtins *BuiltinRegistry
}

// Dial implements Dialer.
func (d *DefaultDialer) Dial(ctx context.Context, sessionID string, spec config.MCPServerConfig) (Client, error) {
	if spec.Builtin != "" {
		if d.Builtins == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, spec.Builtin)
		}
		server, err := d.Builtins.Build(sessionID, spec)
		if err != nil {
			return nil, err
		}
		return newBuiltinClient(sessionID, server), nil
	}
	return dialStdio(ctx, spec)
}

// stdioClient wraps an mcp-go client talking to a subprocess.
type stdioClient struct {
	c *client.Client
}

func dialStdio(ctx context.Context, spec config.MCPServerConfig) (*stdioClient, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("server %q has no command", spec.ID)
	}

	c, err := client.NewStdioMCPClient(spec.Command, envList(spec.Env), spec.Args...)
	if err != nil {
		return nil, fmt.Errorf("launching %s: %w", spec.Command, err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    ClientName,
		Version: ClientVersion,
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}

	return &stdioClient{c: c}, nil
}

func (s *stdioClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	res, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	defs := make([]ToolDefinition, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := t.RawInputSchema
		if len(schema) == 0 {
			schema, err = json.Marshal(t.InputSchema)
			if err != nil {
				return nil, fmt.Errorf("encoding schema for %s: %w", t.Name, err)
			}
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return defs, nil
}

func (s *stdioClient) CallTool(ctx context.Context, tool string, args json.RawMessage) (*ToolResult, error) {
	var arguments map[string]any
	if len(args) > 0 && string(args) != "null" {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = arguments

	res, err := s.c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tools/call: %w", err)
	}

	return &ToolResult{
		Content: contentText(res.Content),
		IsError: res.IsError,
	}, nil
}

func (s *stdioClient) Close() error {
	return s.c.Close()
}

// contentText flattens result content: text verbatim, anything else as JSON.
func contentText(contents []mcp.Content) string {
	parts := make([]string, 0, len(contents))
	for _, content := range contents {
		switch c := content.(type) {
		case mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		default:
			data, err := json.Marshal(c)
			if err != nil {
				continue
			}
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
