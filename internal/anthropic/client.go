// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// ProviderName labels errors from this package.
const ProviderName = "anthropic"

// DefaultMaxTokens caps replies when the config sets no limit.
const DefaultMaxTokens = 4096

// ErrNoText is returned when a reply carries no text block.
var ErrNoText = errors.New("no text content in response")

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// ModelsClient is the subset of the SDK used for health checks.
type ModelsClient interface {
	Get(ctx context.Context, modelID string, query sdk.ModelGetParams, opts ...option.RequestOption) (*sdk.ModelInfo, error)
}

// Config configures a Model.
type Config struct {
	// Name is the registry name; defaults to Model.
	Name        string
	Model       string
	MaxTokens   int
	Temperature float64
}

// Model serves one Claude model as a model.Model.
type Model struct {
	msg    MessagesClient
	models ModelsClient
	cfg    Config
}

var (
	_ model.Model     = (*Model)(nil)
	_ model.Completer = (*Model)(nil)
	_ model.Pinger    = (*Model)(nil)
)

// New builds a Model from SDK service clients. models may be nil, in
// which case Ping always succeeds.
func New(msg MessagesClient, models ModelsClient, cfg Config) (*Model, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Model{msg: msg, models: models, cfg: cfg}, nil
}

// ClientOptions holds connection settings for NewFromAPIKey.
type ClientOptions struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	// MaxRetries is passed to the SDK. Zero leaves retrying to the
	// dispatcher's provider fallback.
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
	ac := sdk.NewClient(ro...)
	return New(&ac.Messages, &ac.Models, cfg)
}

// Name returns the registry name.
func (m *Model) Name() string { return m.cfg.Name }

// Call returns the reply text.
func (m *Model) Call(ctx context.Context, system, user string) (string, error) {
	c, err := m.Complete(ctx, system, user)
	return c.Text, err
}

// Complete issues a non-streaming Messages.New request.
func (m *Model) Complete(ctx context.Context, system, user string) (model.Completion, error) {
	params := sdk.MessageNewParams{
		Model:     sdk.Model(m.cfg.Model),
		MaxTokens: int64(m.cfg.MaxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user))},
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if m.cfg.Temperature > 0 {
		params.Temperature = sdk.Float(m.cfg.Temperature)
	}

	msg, err := m.msg.New(ctx, params)
	if err != nil {
		return model.Completion{}, mapError(err)
	}
	return translate(msg, system, user)
}

// Ping fetches the model's metadata.
func (m *Model) Ping(ctx context.Context) error {
	if m.models == nil {
		return nil
	}
	if _, err := m.models.Get(ctx, m.cfg.Model, sdk.ModelGetParams{}); err != nil {
		return mapError(err)
	}
	return nil
}

func translate(msg *sdk.Message, system, user string) (model.Completion, error) {
	if msg == nil {
		return model.Completion{}, model.Malformed(ProviderName, errors.New("response message is nil"))
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return model.Completion{}, model.Malformed(ProviderName, ErrNoText)
	}
	out := model.Completion{
		Text:      b.String(),
		TokensIn:  int(msg.Usage.InputTokens),
		TokensOut: int(msg.Usage.OutputTokens),
	}
	if out.TokensIn == 0 && out.TokensOut == 0 {
		out.TokensIn = model.EstimateTokens(system) + model.EstimateTokens(user)
		out.TokensOut = model.EstimateTokens(out.Text)
		out.Estimated = true
	}
	return out, nil
}

// mapError converts SDK failures into *model.APIError.
func mapError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		out := model.NewStatusError(ProviderName, apiErr.StatusCode, apiErr.Error())
		out.Err = err
		return out
	}
	return model.WrapTransport(ProviderName, err)
}
