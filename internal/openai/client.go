// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// ProviderName labels errors from this package.
const ProviderName = "openai"

// ChatClient is the subset of the SDK used here. *sdk.ChatCompletionService
// satisfies it.
type ChatClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
}

// ModelsClient is the subset of the SDK used for health checks.
type ModelsClient interface {
	Get(ctx context.Context, model string, opts ...option.RequestOption) (*sdk.Model, error)
}

// Config configures a Model.
type Config struct {
	// Name is the registry name; defaults to Model.
	Name        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Model serves one OpenAI chat model as a model.Model.
type Model struct {
	chat   ChatClient
	models ModelsClient
	cfg    Config
}

var (
	_ model.Model     = (*Model)(nil)
	_ model.Completer = (*Model)(nil)
	_ model.Pinger    = (*Model)(nil)
)

// New builds a Model from SDK service clients. models may be nil.
func New(chat ChatClient, models ModelsClient, cfg Config) (*Model, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	return &Model{chat: chat, models: models, cfg: cfg}, nil
}

// ClientOptions holds connection settings for NewFromAPIKey.
type ClientOptions struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// NewFromAPIKey constructs a Model using the SDK's HTTP client.
func NewFromAPIKey(opts ClientOptions, cfg Config) (*Model, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("api key is required")
	}
	ro := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		ro = append(ro, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		ro = append(ro, option.WithRequestTimeout(opts.Timeout))
	}
	c := sdk.NewClient(ro...)
	return New(&c.Chat.Completions, &c.Models, cfg)
}

// Name returns the registry name.
func (m *Model) Name() string { return m.cfg.Name }

// Call returns the reply text.
func (m *Model) Call(ctx context.Context, system, user string) (string, error) {
	c, err := m.Complete(ctx, system, user)
	return c.Text, err
}

// Complete issues a chat completion request.
func (m *Model) Complete(ctx context.Context, system, user string) (model.Completion, error) {
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, 2)
	if system != "" {
		msgs = append(msgs, sdk.SystemMessage(system))
	}
	msgs = append(msgs, sdk.UserMessage(user))
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(m.cfg.Model),
		Messages: msgs,
	}
	if m.cfg.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(m.cfg.MaxTokens))
	}
	if m.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(m.cfg.Temperature)
	}

	resp, err := m.chat.New(ctx, params)
	if err != nil {
		return model.Completion{}, mapError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return model.Completion{}, model.Malformed(ProviderName, errors.New("no choices in response"))
	}
	out := model.Completion{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
	}
	if out.TokensIn == 0 && out.TokensOut == 0 {
		out.TokensIn = model.EstimateTokens(system) + model.EstimateTokens(user)
		out.TokensOut = model.EstimateTokens(out.Text)
		out.Estimated = true
	}
	return out, nil
}

// Ping fetches the model's metadata.
func (m *Model) Ping(ctx context.Context) error {
	if m.models == nil {
		return nil
	}
	if _, err := m.models.Get(ctx, m.cfg.Model); err != nil {
		return mapError(err)
	}
	return nil
}

func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = apiErr.Error()
		}
		out := model.NewStatusError(ProviderName, apiErr.StatusCode, msg)
		out.Err = err
		return out
	}
	return model.WrapTransport(ProviderName, err)
}
