// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides OpenRouter integration for frontier inference.
//
// OpenRouter provides access to multiple LLM providers through a single API.
// Providers of kind "openrouter" in the swarm config are served here.
//
// # Key Types
//
//   - Client: chat completions with retry and exponential backoff
//   - Model: model.Model over one OpenRouter model id
//
// # Usage
//
//	client := cloud.NewClient(cloud.Config{APIKey: key})
//	m := cloud.NewModel(client, cloud.ModelConfig{Name: "sonnet", Model: "anthropic/claude-sonnet-4.5"})
//	c, err := m.Complete(ctx, system, user)
package cloud
