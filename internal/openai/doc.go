// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai serves OpenAI chat models for providers of kind "openai".
// Any OpenAI-compatible endpoint works by setting base_url.
package openai
