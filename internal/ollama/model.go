// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// ModelConfig binds a Client to one model tag.
type ModelConfig struct {
	// Name is the registry name; defaults to Model.
	Name  string
	Model string
	// JSON sets format=json so the reply is a JSON document.
	JSON        bool
	Temperature float64
	ContextSize int
	MaxTokens   int
}

// Model serves one Ollama model as a model.Model.
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

// Complete returns the reply with Ollama's token counts.
func (m *Model) Complete(ctx context.Context, system, user string) (model.Completion, error) {
	req := ChatRequest{
		Model:    m.cfg.Model,
		Messages: make([]Message, 0, 2),
		Options: &Options{
			Temperature: m.cfg.Temperature,
			NumCtx:      m.cfg.ContextSize,
			NumPredict:  m.cfg.MaxTokens,
		},
	}
	if system != "" {
		req.Messages = append(req.Messages, NewSystemMessage(system))
	}
	req.Messages = append(req.Messages, NewUserMessage(user))
	if m.cfg.JSON {
		req.Format = "json"
	}

	resp, err := m.client.Chat(ctx, req)
	if err != nil {
		return model.Completion{}, err
	}
	out := model.Completion{
		Text:      resp.Message.Content,
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
	}
	if out.TokensIn == 0 && out.TokensOut == 0 {
		out.TokensIn = model.EstimateTokens(system) + model.EstimateTokens(user)
		out.TokensOut = model.EstimateTokens(out.Text)
		out.Estimated = true
	}
	return out, nil
}

// Ping checks that the server is up and the model is pulled.
func (m *Model) Ping(ctx context.Context) error {
	ok, err := m.client.HasModel(ctx, m.cfg.Model)
	if err != nil {
		return err
	}
	if !ok {
		return &model.APIError{Provider: ProviderName, Message: "model " + m.cfg.Model + " is not pulled", Err: ErrModelNotFound}
	}
	return nil
}
