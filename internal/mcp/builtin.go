// ABOUTME: In-process protocol servers that satisfy the same contract as subprocess servers
// ABOUTME: A registry maps builtin kind names to factories bound to the owning session

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/2389/coven-fleet/internal/config"
)

// ErrUnknownBuiltin is returned when a launch spec names an unregistered builtin kind.
var ErrUnknownBuiltin = errors.New("unknown builtin server")

// ErrBuiltinRegistered is returned when a kind is registered twice.
var ErrBuiltinRegistered = errors.New("builtin server already registered")

// ErrToolNotFound is returned when a server has no tool with the requested name.
var ErrToolNotFound = errors.New("tool not found")

// ToolHandler executes a built-in tool.
// It receives the calling session's ID and the tool input as JSON.
// Returns the result as JSON or an error.
type ToolHandler func(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error)

// BuiltinTool is a tool executed in-process.
type BuiltinTool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// BuiltinServer is a set of in-process tools standing in for a subprocess server.
type BuiltinServer struct {
	Kind  string
	Tools []*BuiltinTool

	// Close releases resources held by the server. Optional.
	Close func() error
}

// BuiltinFactory builds a server for one session from its launch spec.
type BuiltinFactory func(sessionID string, spec config.MCPServerConfig) (*BuiltinServer, error)

// BuiltinRegistry maps builtin kind names to factories.
type BuiltinRegistry struct {
	mu        sync.RWMutex
	factories map[string]BuiltinFactory
}

// NewBuiltinRegistry creates an empty registry.
func NewBuiltinRegistry() *BuiltinRegistry {
	return &BuiltinRegistry{factories: make(map[string]BuiltinFactory)}
}

// Register adds a factory for kind.
func (r *BuiltinRegistry) Register(kind string, factory BuiltinFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("%w: %s", ErrBuiltinRegistered, kind)
	}
	r.factories[kind] = factory
	return nil
}

// Kinds lists registered kind names.
func (r *BuiltinRegistry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Build constructs the builtin server named by spec.Builtin for sessionID.
func (r *BuiltinRegistry) Build(sessionID string, spec config.MCPServerConfig) (*BuiltinServer, error) {
	r.mu.RLock()
	factory, ok := r.factories[spec.Builtin]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBuiltin, spec.Builtin)
	}
	return factory(sessionID, spec)
}

// builtinClient adapts a BuiltinServer to the Client interface.
type builtinClient struct {
	sessionID string
	server    *BuiltinServer
	tools     map[string]*BuiltinTool
}

func newBuiltinClient(sessionID string, server *BuiltinServer) *builtinClient {
	tools := make(map[string]*BuiltinTool, len(server.Tools))
	for _, t := range server.Tools {
		tools[t.Definition.Name] = t
	}
	return &builtinClient{sessionID: sessionID, server: server, tools: tools}
}

func (c *builtinClient) ListTools(context.Context) ([]ToolDefinition, error) {
	defs := make([]ToolDefinition, 0, len(c.server.Tools))
	for _, t := range c.server.Tools {
		defs = append(defs, t.Definition)
	}
	return defs, nil
}

func (c *builtinClient) CallTool(ctx context.Context, tool string, args json.RawMessage) (*ToolResult, error) {
	t, ok := c.tools[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, tool)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	out, err := t.Handler(ctx, c.sessionID, args)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return &ToolResult{Content: err.Error(), IsError: true}, nil
	}
	return &ToolResult{Content: string(out)}, nil
}

func (c *builtinClient) Close() error {
	if c.server.Close != nil {
		return c.server.Close()
	}
	return nil
}
