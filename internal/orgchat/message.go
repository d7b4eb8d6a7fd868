// ABOUTME: Organization chat records: messages, senders, read cursors, and pending mentions
// ABOUTME: Also declares the directory and mention queue contracts the substrate depends on

package orgchat

import (
	"errors"
	"time"
)

var (
	// ErrEmptyContent is returned when posting a blank message.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrCrossOrganization is returned when a session touches another organization's channel.
	ErrCrossOrganization = errors.New("cross-organization posting is not allowed")

	// ErrUnknownOrganization is returned for organization ids that are not configured.
	ErrUnknownOrganization = errors.New("unknown organization")

	// ErrMissingSender is returned when an AI sender carries no session id.
	ErrMissingSender = errors.New("ai sender requires a session id")

	// ErrUnknownSearchMode is returned for unsupported search modes.
	ErrUnknownSearchMode = errors.New("unknown search mode")

	// ErrSemanticUnavailable is returned when semantic search runs without an index.
	ErrSemanticUnavailable = errors.New("semantic search is not configured")
)

// SenderType distinguishes people from agent sessions.
type SenderType string

const (
	SenderHuman SenderType = "human"
	SenderAI    SenderType = "ai"
)

// Sender identifies who posted a message.
type Sender struct {
	Type      SenderType `json:"type"`
	SessionID string     `json:"session_id,omitempty"`
	Name      string     `json:"name"`
}

// Message is one immutable entry of an organization log.
type Message struct {
	ID                string     `json:"id"`
	OrgID             string     `json:"org_id"`
	SenderType        SenderType `json:"sender_type"`
	SenderSessionID   string     `json:"sender_session_id,omitempty"`
	SenderName        string     `json:"sender_name"`
	Content           string     `json:"content"`
	MentionSessionIDs []string   `json:"mention_session_ids,omitempty"`
	MentionNames      []string   `json:"mention_names,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Mentions reports whether sessionID is mentioned by m.
func (m Message) Mentions(sessionID string) bool {
	for _, id := range m.MentionSessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}

// Cursor is a viewer's read position within one organization log.
type Cursor struct {
	LastReadMessageID string    `json:"last_read_message_id"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PendingMention is a notification queued for a mentioned session.
type PendingMention struct {
	TargetSessionID string    `json:"target_session_id"`
	OrgID           string    `json:"org_id"`
	MessageID       string    `json:"message_id"`
	SenderName      string    `json:"sender_name"`
	SenderSessionID string    `json:"sender_session_id,omitempty"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
}

// Member is a session belonging to an organization.
type Member struct {
	SessionID string
	Name      string
}

// Directory answers organization membership questions.
type Directory interface {
	HasOrganization(orgID string) bool
	Members(orgID string) []Member
	OrganizationOf(sessionID string) (string, bool)
}

// MentionQueue receives mention notifications and read-pruning signals.
type MentionQueue interface {
	Enqueue(m PendingMention)
	PruneRead(sessionID string)
}

// Filter narrows Messages.
type Filter struct {
	UnreadOnly   bool
	MentionsOnly bool
	Limit        int // newest N after filtering; 0 means all
}

// HumanViewer is the cursor key used for the dashboard's human reader.
const HumanViewer = "human"
