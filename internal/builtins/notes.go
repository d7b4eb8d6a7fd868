// ABOUTME: Notes server provides key-value storage kept in the session workspace
// ABOUTME: Notes live in <workspace>/.coven/notes.json and survive worker restarts

package builtins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
)

// NotesFileName is the notes file inside a workspace's .coven directory.
const NotesFileName = "notes.json"

// ErrNoteNotFound is returned by note_get for unknown keys.
var ErrNoteNotFound = errors.New("note not found")

// WorkspaceResolver maps a session id to its workspace directory.
type WorkspaceResolver func(sessionID string) (string, bool)

// NotesServer builds the notes server for a session.
func NotesServer(workspaces WorkspaceResolver) mcp.BuiltinFactory {
	// One lock per file so reconnects of the same session share it.
	var mu sync.Mutex
	locks := make(map[string]*sync.Mutex)

	return func(sessionID string, _ config.MCPServerConfig) (*mcp.BuiltinServer, error) {
		ws, ok := workspaces(sessionID)
		if !ok || ws == "" {
			return nil, fmt.Errorf("session %q has no workspace", sessionID)
		}
		path := filepath.Join(ws, ".coven", NotesFileName)

		mu.Lock()
		lock, ok := locks[path]
		if !ok {
			lock = &sync.Mutex{}
			locks[path] = lock
		}
		mu.Unlock()

		n := &notesHandlers{path: path, mu: lock}
		return &mcp.BuiltinServer{
			Kind: KindNotes,
			Tools: []*mcp.BuiltinTool{
				tool("set", "Store a note",
					`{"type":"object","properties":{"key":{"type":"string"},"value":{"type":"string"}},"required":["key","value"]}`, n.Set),
				tool("get", "Retrieve a note",
					`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`, n.Get),
				tool("list", "List all note keys",
					`{"type":"object","properties":{}}`, n.List),
				tool("delete", "Delete a note",
					`{"type":"object","properties":{"key":{"type":"string"}},"required":["key"]}`, n.Delete),
			},
		}, nil
	}
}

type notesHandlers struct {
	path string
	mu   *sync.Mutex
}

func (n *notesHandlers) load() (map[string]string, error) {
	data, err := os.ReadFile(n.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading notes: %w", err)
	}
	notes := make(map[string]string)
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, fmt.Errorf("parsing notes: %w", err)
	}
	return notes, nil
}

func (n *notesHandlers) save(notes map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(n.path), 0755); err != nil {
		return fmt.Errorf("creating notes dir: %w", err)
	}
	data, err := json.MarshalIndent(notes, "", "  ")
	if err != nil {
		return err
	}
	tmp := n.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing notes: %w", err)
	}
	return os.Rename(tmp, n.path)
}

type noteKeyInput struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (n *notesHandlers) Set(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in noteKeyInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	notes, err := n.load()
	if err != nil {
		return nil, err
	}
	notes[in.Key] = in.Value
	if err := n.save(notes); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"key": in.Key, "status": "saved"})
}

func (n *notesHandlers) Get(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in noteKeyInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	notes, err := n.load()
	if err != nil {
		return nil, err
	}
	value, ok := notes[in.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, in.Key)
	}
	return json.Marshal(map[string]string{"key": in.Key, "value": value})
}

func (n *notesHandlers) List(ctx context.Context, sessionID string, _ json.RawMessage) (json.RawMessage, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	notes, err := n.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(notes))
	for k := range notes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(map[string]any{"keys": keys, "count": len(keys)})
}

func (n *notesHandlers) Delete(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in noteKeyInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Key == "" {
		return nil, fmt.Errorf("key is required")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	notes, err := n.load()
	if err != nil {
		return nil, err
	}
	delete(notes, in.Key)
	if err := n.save(notes); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"key": in.Key, "status": "deleted"})
}
