// ABOUTME: Worker contract the orchestrator drives, plus message source descriptors
// ABOUTME: A worker owns one session's conversation and its protocol connections

package agent

import (
	"context"
	"errors"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
)

// ErrBusy is returned by ProcessMessage while another message is in flight.
var ErrBusy = errors.New("worker is processing another message")

// ErrClosed is returned by a worker after Close.
var ErrClosed = errors.New("worker is closed")

// SourceKind says where a message came from.
type SourceKind string

const (
	SourceInbound  SourceKind = "inbound"
	SourceSchedule SourceKind = "schedule"
	SourceSystem   SourceKind = "system"
)

// Source describes the origin of a message handed to a worker.
type Source struct {
	Kind       SourceKind `json:"kind"`
	Platform   string     `json:"platform,omitempty"`
	ChannelID  string     `json:"channel_id,omitempty"`
	SenderID   string     `json:"sender_id,omitempty"`
	SenderName string     `json:"sender_name,omitempty"`
	// ReferenceID is the schedule id or org message id that produced the message.
	ReferenceID string `json:"reference_id,omitempty"`
}

// Worker processes messages for one session.
type Worker interface {
	// ProcessMessage runs one turn and returns the reply. It returns ErrBusy
	// if a turn is already running.
	ProcessMessage(ctx context.Context, content string, src Source) (string, error)
	IsProcessing() bool
	// InjectNotification queues text to be prepended to the next turn.
	InjectNotification(text string)
	AvailableTools() []mcp.Tool
	Workspace() string
	CancelProcessing()
	UpdateConfig(cfg config.SessionConfig)
	Protocols() *mcp.Manager
	Snapshot() ([]byte, error)
	Restore(state []byte) error
	Close(ctx context.Context) error
}

// Factory builds a worker for a session around its protocol manager.
type Factory func(cfg config.SessionConfig, protocols *mcp.Manager) (Worker, error)
