// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// ModelConfig binds a Client to one OpenRouter model id.
type ModelConfig struct {
	// Name is the registry name; defaults to Model.
	Name string
	// Model is the OpenRouter id, e.g. "anthropic/claude-sonnet-4.5".
	Model       string
	MaxTokens   int
	Temperature float64
	// JSON requests a JSON object reply.
	JSON bool
}

// Model serves one OpenRouter model as a model.Model.
type Model struct {
	client *Client
	cfg    ModelConfig
}

var (
	_ model.Model     = (*Model)(nil)
	_ model.Completer = (*Model)(nil)
	_ model.Pinger    = (*Model)(nil)
)

// NewModel creates a model adapter over client.
func NewModel(client *Client, cfg ModelConfig) *Model {
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	return &Model{client: client, cfg: cfg}
}

// Name returns the registry name.
func (m *Model) Name() string { return m.cfg.Name }

// Call returns the reply text.
func (m *Model) Call(ctx context.Context, system, user string) (string, error) {
	c, err := m.Complete(ctx, system, user)
	return c.Text, err
}

// Complete returns the reply with reported usage.
func (m *Model) Complete(ctx context.Context, system, user string) (model.Completion, error) {
	req := ChatRequest{
		Model:       m.cfg.Model,
		MaxTokens:   m.cfg.MaxTokens,
		Temperature: m.cfg.Temperature,
	}
	if system != "" {
		req.Messages = append(req.Messages, ChatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, ChatMessage{Role: "user", Content: user})
	if m.cfg.JSON {
		req.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	resp, err := m.client.Chat(ctx, req)
	if err != nil {
		return model.Completion{}, err
	}
	out := model.Completion{
		Text:      resp.GetContent(),
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	if out.TokensIn == 0 && out.TokensOut == 0 {
		out.TokensIn = model.EstimateTokens(system) + model.EstimateTokens(user)
		out.TokensOut = model.EstimateTokens(out.Text)
		out.Estimated = true
	}
	return out, nil
}

// Ping probes the API key.
func (m *Model) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}
