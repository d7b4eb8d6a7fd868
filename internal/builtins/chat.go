// ABOUTME: Organization chat tools: post, read, search, mark_read
// ABOUTME: The calling session's organization is resolved server-side, never taken from input

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
	"github.com/2389/coven-fleet/internal/orgchat"
)

// ErrNoOrganization is returned when a session outside any organization uses chat tools.
var ErrNoOrganization = errors.New("session belongs to no organization")

// ChatService is the organization chat surface the tools need.
type ChatService interface {
	Post(ctx context.Context, orgID, content string, sender orgchat.Sender) (*orgchat.Message, error)
	Messages(ctx context.Context, orgID, viewer string, filter orgchat.Filter) ([]orgchat.Message, error)
	UnreadCount(ctx context.Context, orgID, viewer string) (int, error)
	Search(ctx context.Context, orgID, query string, mode orgchat.SearchMode, limit int) ([]orgchat.SearchResult, error)
	MarkAsRead(ctx context.Context, orgID, viewer string) error
	// Membership resolves a session's organization and display name.
	Membership(sessionID string) (orgID, name string, ok bool)
}

// OrgChatServer builds the org_chat server for a session.
func OrgChatServer(chat ChatService) mcp.BuiltinFactory {
	return func(sessionID string, _ config.MCPServerConfig) (*mcp.BuiltinServer, error) {
		h := &chatHandlers{chat: chat}
		return &mcp.BuiltinServer{
			Kind: KindOrgChat,
			Tools: []*mcp.BuiltinTool{
				tool("post", "Post a message to your organization's shared channel. Mention members with @name.",
					`{"type":"object","properties":{"content":{"type":"string"}},"required":["content"]}`, h.Post),
				tool("read", "Read your organization's channel",
					`{"type":"object","properties":{"unread_only":{"type":"boolean"},"mentions_only":{"type":"boolean"},"limit":{"type":"integer"}}}`, h.Read),
				tool("search", "Search your organization's channel",
					`{"type":"object","properties":{"query":{"type":"string"},"mode":{"type":"string","enum":["substring","fuzzy","semantic"]},"limit":{"type":"integer"}},"required":["query"]}`, h.Search),
				tool("mark_read", "Mark every message in the channel as read",
					`{"type":"object","properties":{}}`, h.MarkRead),
			},
		}, nil
	}
}

type chatHandlers struct {
	chat ChatService
}

func (h *chatHandlers) membership(sessionID string) (string, string, error) {
	org, name, ok := h.chat.Membership(sessionID)
	if !ok || org == "" {
		return "", "", fmt.Errorf("%w: %s", ErrNoOrganization, sessionID)
	}
	return org, name, nil
}

type chatPostInput struct {
	Content string `json:"content"`
}

func (h *chatHandlers) Post(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in chatPostInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	org, name, err := h.membership(sessionID)
	if err != nil {
		return nil, err
	}

	msg, err := h.chat.Post(ctx, org, in.Content, orgchat.Sender{Type: orgchat.SenderAI, SessionID: sessionID, Name: name})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"id": msg.ID, "status": "posted", "mentions": msg.MentionNames})
}

type chatReadInput struct {
	UnreadOnly   bool `json:"unread_only"`
	MentionsOnly bool `json:"mentions_only"`
	Limit        int  `json:"limit"`
}

func (h *chatHandlers) Read(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in chatReadInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	org, _, err := h.membership(sessionID)
	if err != nil {
		return nil, err
	}

	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	msgs, err := h.chat.Messages(ctx, org, sessionID, orgchat.Filter{
		UnreadOnly:   in.UnreadOnly,
		MentionsOnly: in.MentionsOnly,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	unread, err := h.chat.UnreadCount(ctx, org, sessionID)
	if err != nil {
		return nil, err
	}

	return json.Marshal(map[string]any{"messages": msgs, "count": len(msgs), "unread": unread})
}

type chatSearchInput struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
	Limit int    `json:"limit"`
}

func (h *chatHandlers) Search(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in chatSearchInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	mode, ok := orgchat.ParseSearchMode(in.Mode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", orgchat.ErrUnknownSearchMode, in.Mode)
	}
	org, _, err := h.membership(sessionID)
	if err != nil {
		return nil, err
	}

	results, err := h.chat.Search(ctx, org, in.Query, mode, in.Limit)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"results": results, "count": len(results)})
}

func (h *chatHandlers) MarkRead(ctx context.Context, sessionID string, _ json.RawMessage) (json.RawMessage, error) {
	org, _, err := h.membership(sessionID)
	if err != nil {
		return nil, err
	}
	if err := h.chat.MarkAsRead(ctx, org, sessionID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"status": "read"})
}
