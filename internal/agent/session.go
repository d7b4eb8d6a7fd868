// ABOUTME: Default LLM-backed worker keeping a bounded conversation history
// ABOUTME: Turns run one at a time; notifications and tool names are folded into each request

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
)

// DefaultMaxHistory bounds the number of turns kept in memory.
const DefaultMaxHistory = 50

// Role marks who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one exchange entry.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what a Completer sees for one turn.
type CompletionRequest struct {
	Model     string
	MaxTokens int64
	System    string
	Messages  []Turn
}

// Completer produces the assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req CompletionRequest) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	return f(ctx, req)
}

type sessionState struct {
	History       []Turn   `json:"history"`
	Notifications []string `json:"notifications,omitempty"`
}

// Session is the default Worker.
type Session struct {
	mu            sync.Mutex
	cfg           config.SessionConfig
	history       []Turn
	notifications []string
	processing    bool
	cancel        context.CancelFunc
	closed        bool

	protocols  *mcp.Manager
	completer  Completer
	maxHistory int
	logger     *slog.Logger
}

// NewSession creates a worker for cfg.
func NewSession(cfg config.SessionConfig, protocols *mcp.Manager, completer Completer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		protocols:  protocols,
		completer:  completer,
		maxHistory: DefaultMaxHistory,
		logger:     logger.With("component", "worker", "session_id", cfg.ID),
	}
}

// NewFactory returns a Factory that builds Sessions. newCompleter is called
// once per session with its provider settings.
func NewFactory(newCompleter func(config.ProviderConfig) (Completer, error), logger *slog.Logger) Factory {
	return func(cfg config.SessionConfig, protocols *mcp.Manager) (Worker, error) {
		completer, err := newCompleter(cfg.Provider)
		if err != nil {
			return nil, fmt.Errorf("creating completer for %s: %w", cfg.ID, err)
		}
		return NewSession(cfg, protocols, completer, logger), nil
	}
}

// ProcessMessage runs one conversation turn.
func (s *Session) ProcessMessage(ctx context.Context, content string, src Source) (string, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if s.processing {
		s.mu.Unlock()
		return "", ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.processing = true
	s.cancel = cancel

	prompt := s.composeLocked(content, src)
	s.history = append(s.history, Turn{Role: RoleUser, Content: prompt})
	req := CompletionRequest{
		Model:     s.cfg.Provider.Model,
		MaxTokens: s.cfg.Provider.MaxTokens,
		System:    s.systemPromptLocked(),
		Messages:  append([]Turn(nil), s.history...),
	}
	s.mu.Unlock()

	s.logger.Debug("processing message", "source", src.Kind, "reference_id", src.ReferenceID)
	reply, err := s.completer.Complete(ctx, req)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.processing = false
	s.cancel = nil
	if err != nil {
		// Keep the user turn so the next reply sees what was asked.
		s.trimLocked()
		return "", fmt.Errorf("completing turn: %w", err)
	}
	s.history = append(s.history, Turn{Role: RoleAssistant, Content: reply})
	s.trimLocked()
	return reply, nil
}

func (s *Session) composeLocked(content string, src Source) string {
	var b strings.Builder
	for _, n := range s.notifications {
		b.WriteString("[notification] ")
		b.WriteString(n)
		b.WriteString("\n")
	}
	s.notifications = nil

	switch src.Kind {
	case SourceSchedule:
		fmt.Fprintf(&b, "[scheduled wake-up %s] ", src.ReferenceID)
	case SourceInbound:
		if src.SenderName != "" {
			fmt.Fprintf(&b, "[%s] ", src.SenderName)
		}
	}
	b.WriteString(content)
	return b.String()
}

func (s *Session) systemPromptLocked() string {
	prompt := s.cfg.Provider.SystemPrompt
	tools := s.availableToolsLocked()
	if len(tools) == 0 {
		return prompt
	}
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	if prompt != "" {
		prompt += "\n\n"
	}
	return prompt + "Available tools: " + strings.Join(names, ", ")
}

// trimLocked drops the oldest turns beyond maxHistory.
func (s *Session) trimLocked() {
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append([]Turn(nil), s.history[over:]...)
	}
}

// IsProcessing reports whether a turn is running.
func (s *Session) IsProcessing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}

// InjectNotification queues text for the next turn.
func (s *Session) InjectNotification(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, text)
}

// AvailableTools lists connected protocol tools the session's policy permits.
func (s *Session) AvailableTools() []mcp.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableToolsLocked()
}

func (s *Session) availableToolsLocked() []mcp.Tool {
	if s.protocols == nil {
		return nil
	}
	var out []mcp.Tool
	for _, t := range s.protocols.AllTools() {
		if s.cfg.Tools.Permits(t.Name) {
			out = append(out, t)
		}
	}
	return out
}

// Workspace is the session's working directory.
func (s *Session) Workspace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Workspace
}

// CancelProcessing aborts the running turn, if any.
func (s *Session) CancelProcessing() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// UpdateConfig swaps settings for subsequent turns.
func (s *Session) UpdateConfig(cfg config.SessionConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.logger.Info("worker config updated")
}

// Protocols returns the session's protocol manager.
func (s *Session) Protocols() *mcp.Manager {
	return s.protocols
}

// Snapshot encodes the conversation for persistence.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(sessionState{History: s.history, Notifications: s.notifications})
}

// Restore replaces the conversation with a snapshot.
func (s *Session) Restore(state []byte) error {
	var st sessionState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("decoding session state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = st.History
	s.notifications = st.Notifications
	s.trimLocked()
	return nil
}

// History returns a copy of the conversation.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// Close cancels any running turn. Protocol connections are owned by the caller.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
