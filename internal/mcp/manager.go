// ABOUTME: Per-session manager for protocol server connections and their lifecycle state
// ABOUTME: Starts are idempotent, failures are recorded as state, and tool calls return typed results

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-fleet/internal/config"
)

// ErrUnknownServer is returned when restarting a server the manager never saw.
var ErrUnknownServer = errors.New("unknown protocol server")

// ConnStatus is the lifecycle state of a connection.
type ConnStatus string

// Connection states.
const (
	StatusConnecting ConnStatus = "connecting"
	StatusConnected  ConnStatus = "connected"
	StatusError      ConnStatus = "error"
	StatusStopped    ConnStatus = "stopped"
)

// Default timeouts.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultCallTimeout      = 2 * time.Minute
)

// ServerState is the externally visible state of one connection.
type ServerState struct {
	ID        string     `json:"id"`
	Status    ConnStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
	ToolCount int        `json:"tool_count"`
	Builtin   string     `json:"builtin,omitempty"`
	StartedAt time.Time  `json:"started_at"`
}

type entry struct {
	spec      config.MCPServerConfig
	status    ConnStatus
	err       string
	client    Client
	tools     []ToolDefinition
	startedAt time.Time
	attempt   uint64
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	SessionID        string
	Dialer           Dialer
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	Logger           *slog.Logger
}

// Manager owns the protocol connections of one session.
type Manager struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	attempts uint64

	sessionID        string
	dialer           Dialer
	handshakeTimeout time.Duration
	callTimeout      time.Duration
	logger           *slog.Logger
}

// NewManager creates a Manager with no connections.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		entries:          make(map[string]*entry),
		sessionID:        cfg.SessionID,
		dialer:           cfg.Dialer,
		handshakeTimeout: cfg.HandshakeTimeout,
		callTimeout:      cfg.CallTimeout,
		logger:           cfg.Logger,
	}
	if m.dialer == nil {
		m.dialer = &DefaultDialer{}
	}
	if m.handshakeTimeout <= 0 {
		m.handshakeTimeout = DefaultHandshakeTimeout
	}
	if m.callTimeout <= 0 {
		m.callTimeout = DefaultCallTimeout
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "mcp", "session_id", cfg.SessionID)
	return m
}

// StartServer connects the server described by spec under id.
// It is a no-op while a connection with that id is connecting or connected.
// Failures are recorded in the server's state; StartServer never returns an error.
func (m *Manager) StartServer(ctx context.Context, id string, spec config.MCPServerConfig) {
	m.mu.Lock()
	var stale Client
	if existing, ok := m.entries[id]; ok {
		if existing.status == StatusConnecting || existing.status == StatusConnected {
			m.mu.Unlock()
			return
		}
		stale = existing.client
	}
	m.attempts++
	attempt := m.attempts
	spec.ID = id
	m.entries[id] = &entry{
		spec:      spec,
		status:    StatusConnecting,
		startedAt: time.Now(),
		attempt:   attempt,
	}
	m.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	m.logger.Info("connecting protocol server", "server_id", id, "command", spec.Command, "builtin", spec.Builtin)

	hctx, cancel := context.WithTimeout(ctx, m.handshakeTimeout)
	defer cancel()
	client, tools, err := m.connect(hctx, spec)

	m.mu.Lock()
	current, ok := m.entries[id]
	if !ok || current.attempt != attempt {
		m.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		m.logger.Debug("discarding superseded connection", "server_id", id)
		return
	}
	if err != nil {
		current.status = StatusError
		current.err = err.Error()
		m.mu.Unlock()
		m.logger.Warn("protocol server failed", "server_id", id, "error", err)
		return
	}
	current.status = StatusConnected
	current.client = client
	current.tools = tools
	current.err = ""
	m.mu.Unlock()

	m.logger.Info("=== PROTOCOL SERVER CONNECTED ===", "server_id", id, "tool_count", len(tools))
}

func (m *Manager) connect(ctx context.Context, spec config.MCPServerConfig) (Client, []ToolDefinition, error) {
	client, err := m.dialer.Dial(ctx, m.sessionID, spec)
	if err != nil {
		return nil, nil, err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	if ctx.Err() != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("handshake: %w", ctx.Err())
	}
	return client, tools, nil
}

// StopServer closes and deregisters a connection. Close errors are ignored.
func (m *Manager) StopServer(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	if e.client != nil {
		_ = e.client.Close()
	}
	m.logger.Info("protocol server stopped", "server_id", id)
}

// RestartServer tears a connection down and connects it again with its last spec.
func (m *Manager) RestartServer(ctx context.Context, id string) error {
	last, ok := m.spec(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, id)
	}

	m.StopServer(id)
	m.StartServer(ctx, id, last)
	return nil
}

// StopAll tears down every connection.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, e := range entries {
		if e.client == nil {
			continue
		}
		wg.Add(1)
		go func(id string, c Client) {
			defer wg.Done()
			_ = c.Close()
		}(id, e.client)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("timed out closing protocol servers", "error", ctx.Err())
	}

	if len(entries) > 0 {
		m.logger.Info("all protocol servers stopped", "count", len(entries))
	}
}

// spec returns the launch spec a connection was started with.
func (m *Manager) spec(id string) (config.MCPServerConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return config.MCPServerConfig{}, false
	}
	return e.spec, true
}

// States returns one state per connection id, sorted by id.
func (m *Manager) States() []ServerState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]ServerState, 0, len(m.entries))
	for id, e := range m.entries {
		states = append(states, ServerState{
			ID:        id,
			Status:    e.status,
			Error:     e.err,
			ToolCount: len(e.tools),
			Builtin:   e.spec.Builtin,
			StartedAt: e.startedAt,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID < states[j].ID })
	return states
}

// AllTools aggregates the tools of every connected server with namespaced names.
func (m *Manager) AllTools() []Tool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tools []Tool
	for id, e := range m.entries {
		if e.status != StatusConnected {
			continue
		}
		for _, def := range e.tools {
			tools = append(tools, Tool{
				Name:       ToolName(id, def.Name),
				ServerID:   id,
				Definition: def,
			})
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool invokes tool on serverID, bounded by the call timeout.
// It always returns a result; failures are described by its Status.
func (m *Manager) CallTool(ctx context.Context, serverID, tool string, args json.RawMessage) (result *ToolResult) {
	m.mu.RLock()
	e, ok := m.entries[serverID]
	var client Client
	if ok && e.status == StatusConnected {
		client = e.client
	}
	m.mu.RUnlock()

	if client == nil {
		return &ToolResult{
			ServerID: serverID,
			Tool:     tool,
			Status:   CallNotConnected,
			Error:    fmt.Sprintf("protocol server %q is not connected", serverID),
		}
	}

	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("tool call panicked", "server_id", serverID, "tool", tool, "panic", r)
			result = &ToolResult{
				ServerID: serverID,
				Tool:     tool,
				Status:   CallError,
				Error:    fmt.Sprintf("tool panicked: %v", r),
			}
		}
	}()

	res, err := client.CallTool(cctx, tool, args)
	if err != nil {
		status := CallError
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			status = CallTimeout
		}
		m.logger.Warn("tool call failed", "server_id", serverID, "tool", tool, "status", status, "error", err)
		return &ToolResult{
			ServerID: serverID,
			Tool:     tool,
			Status:   status,
			Error:    err.Error(),
		}
	}

	res.ServerID = serverID
	res.Tool = tool
	res.Status = CallOK
	return res
}

// Call routes a namespaced tool name to its server.
func (m *Manager) Call(ctx context.Context, name string, args json.RawMessage) *ToolResult {
	serverID, tool, ok := ParseToolName(name)
	if !ok {
		return &ToolResult{
			Tool:   name,
			Status: CallError,
			Error:  fmt.Sprintf("tool name %q is not namespaced", name),
		}
	}
	return m.CallTool(ctx, serverID, tool, args)
}
