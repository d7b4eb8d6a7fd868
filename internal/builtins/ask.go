// ABOUTME: ask_model server lets a worker consult a second model for a one-off answer
// ABOUTME: The model endpoint comes from the server's launch spec (endpoint, api_key, model)

package builtins

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/coven-fleet/internal/agent"
	"github.com/2389/coven-fleet/internal/config"
	"github.com/2389/coven-fleet/internal/mcp"
)

// CompleterFactory builds a completer for provider settings.
type CompleterFactory func(config.ProviderConfig) (agent.Completer, error)

// AskModelServer builds the ask_model server for a session.
func AskModelServer(newCompleter CompleterFactory) mcp.BuiltinFactory {
	return func(sessionID string, spec config.MCPServerConfig) (*mcp.BuiltinServer, error) {
		completer, err := newCompleter(config.ProviderConfig{
			BaseURL: spec.Endpoint,
			APIKey:  spec.APIKey,
			Model:   spec.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("ask_model: %w", err)
		}

		a := &askHandlers{completer: completer, model: spec.Model}
		return &mcp.BuiltinServer{
			Kind: KindAskModel,
			Tools: []*mcp.BuiltinTool{
				tool("ask", "Ask another model a question and return its answer. No conversation history is shared.",
					`{"type":"object","properties":{"prompt":{"type":"string"},"system":{"type":"string"},"max_tokens":{"type":"integer"}},"required":["prompt"]}`, a.Ask),
			},
		}, nil
	}
}

type askHandlers struct {
	completer agent.Completer
	model     string
}

type askInput struct {
	Prompt    string `json:"prompt"`
	System    string `json:"system"`
	MaxTokens int64  `json:"max_tokens"`
}

func (a *askHandlers) Ask(ctx context.Context, sessionID string, input json.RawMessage) (json.RawMessage, error) {
	var in askInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	reply, err := a.completer.Complete(ctx, agent.CompletionRequest{
		Model:     a.model,
		MaxTokens: in.MaxTokens,
		System:    in.System,
		Messages:  []agent.Turn{{Role: agent.RoleUser, Content: in.Prompt}},
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"reply": reply})
}
