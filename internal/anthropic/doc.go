// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package anthropic serves Claude models through the Anthropic Messages API
// for providers of kind "anthropic".
//
// # Usage
//
//	m, err := anthropic.NewFromAPIKey(anthropic.ClientOptions{APIKey: key},
//	    anthropic.Config{Name: "sonnet", Model: "claude-sonnet-4-5"})
//	c, err := m.Complete(ctx, system, user)
package anthropic
