// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/anthropic"
	"github.com/bonjohen/ai-swarm-sub000/internal/cloud"
	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/offline"
	"github.com/bonjohen/ai-swarm-sub000/internal/ollama"
	"github.com/bonjohen/ai-swarm-sub000/internal/openai"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
)

// entryFor maps provider config to registry metadata. Ollama providers
// are always tagged local.
func entryFor(p config.ProviderConfig) provider.Entry {
	tags := append([]string(nil), p.Tags...)
	if p.Kind == config.KindOllama && !hasTag(tags, provider.TagLocal) {
		tags = append(tags, provider.TagLocal)
	}
	return provider.Entry{
		Name:         p.Name,
		Kind:         p.Kind,
		CostPer1KIn:  p.CostPer1KIn,
		CostPer1KOut: p.CostPer1KOut,
		Quality:      p.Quality,
		MaxContext:   p.MaxContext,
		Tags:         tags,
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// registerProviders builds an adapter per enabled provider. A remote
// provider without an API key, or one blocked by offline mode, is
// registered unavailable rather than failing startup.
func (a *App) registerProviders(ctx context.Context, overrides map[string]model.Model) error {
	for _, p := range a.cfg.Providers {
		if p.Disabled {
			continue
		}
		e := entryFor(p)
		e.Available = true

		m, ok := overrides[p.Name]
		if err := offline.CheckProvider(p.Kind == config.KindOllama, p.BaseURL, a.cfg.Offline); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "provider blocked"}, log.KV{K: "provider", V: p.Name}, log.KV{K: "err", V: err.Error()})
			m, ok = unconfigured{name: p.Name, err: err}, true
			e.Available = false
		}
		if !ok {
			var err error
			m, err = buildAdapter(p)
			if err != nil {
				if p.Kind == config.KindOllama {
					return fmt.Errorf("provider %s: %w", p.Name, err)
				}
				log.Warn(ctx, log.KV{K: "msg", V: "provider unavailable"}, log.KV{K: "provider", V: p.Name}, log.KV{K: "err", V: err.Error()})
				m = unconfigured{name: p.Name, err: err}
				e.Available = false
			}
		}
		if p.RateLimit > 0 {
			m = model.NewRateLimited(m, p.RateLimit, p.Burst)
		}
		e.Model = m
		a.Registry.Register(e)
	}
	return nil
}

// buildAdapter creates the client for one provider kind.
func buildAdapter(p config.ProviderConfig) (model.Model, error) {
	switch p.Kind {
	case config.KindOllama:
		client := ollama.NewClient(ollama.ClientConfig{BaseURL: p.BaseURL})
		return ollama.NewModel(client, ollama.ModelConfig{
			Name:        p.Name,
			Model:       p.Model,
			ContextSize: p.MaxContext,
			MaxTokens:   p.MaxTokens,
		}), nil
	case config.KindOpenRouter:
		key := p.Key()
		if key == "" {
			return nil, cloud.ErrNotConfigured
		}
		client := cloud.NewClient(cloud.Config{APIKey: key, BaseURL: p.BaseURL})
		return cloud.NewModel(client, cloud.ModelConfig{Name: p.Name, Model: p.Model, MaxTokens: p.MaxTokens}), nil
	case config.KindAnthropic:
		return anthropic.NewFromAPIKey(
			anthropic.ClientOptions{APIKey: p.Key(), BaseURL: p.BaseURL},
			anthropic.Config{Name: p.Name, Model: p.Model, MaxTokens: p.MaxTokens},
		)
	case config.KindOpenAI:
		return openai.NewFromAPIKey(
			openai.ClientOptions{APIKey: p.Key(), BaseURL: p.BaseURL},
			openai.Config{Name: p.Name, Model: p.Model, MaxTokens: p.MaxTokens},
		)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", p.Kind)
	}
}

// tierModel builds the Ollama model for a local dispatch tier, or nil when
// the tier is disabled or its endpoint is blocked.
func tierModel(ctx context.Context, name string, t config.LocalTierConfig, offlineMode bool) model.Model {
	if t.Disabled || t.Model == "" {
		return nil
	}
	if err := offline.CheckProvider(true, t.OllamaURL, offlineMode); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "dispatch tier disabled"}, log.KV{K: "tier", V: name}, log.KV{K: "err", V: err.Error()})
		return nil
	}
	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL: t.OllamaURL,
		Timeout: config.Seconds(t.TimeoutSecs),
	})
	return ollama.NewModel(client, ollama.ModelConfig{
		Name:        name + ":" + t.Model,
		Model:       t.Model,
		JSON:        true,
		Temperature: t.Temperature,
		ContextSize: t.ContextSize,
		MaxTokens:   t.MaxTokens,
	})
}

// unconfigured stands in for a provider whose adapter could not be built.
// Its calls fail without retry and its probe keeps it unavailable.
type unconfigured struct {
	name string
	err  error
}

func (u unconfigured) Name() string { return u.name }

func (u unconfigured) Call(context.Context, string, string) (string, error) {
	return "", &model.APIError{Provider: u.name, Message: "provider not configured", Err: u.err}
}

func (u unconfigured) Ping(context.Context) error {
	return &model.APIError{Provider: u.name, Message: "provider not configured", Err: u.err}
}
