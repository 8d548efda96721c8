// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with the Ollama API.
//
// Tier 1 and Tier 2 run on Ollama, and any [[providers]] entry of kind
// "ollama" is served by this package.
//
// # Key Types
//
//   - Client: HTTP client for /api/chat and /api/tags
//   - Model: model.Model over one model tag, with token usage and Ping
//
// Errors are *model.APIError: connection failures and timeouts are
// retryable, as are 429 and 5xx responses.
//
// # Usage
//
//	client := ollama.NewClient(ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	m := ollama.NewModel(client, ollama.ModelConfig{Model: "qwen2.5:1.5b", JSON: true})
//	c, err := m.Complete(ctx, system, user)
package ollama
