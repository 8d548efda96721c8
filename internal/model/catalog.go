// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import "strings"

// =============================================================================
// MODEL CATALOG
// =============================================================================

// Info is known metadata for a model id. Provider entries without explicit
// cost or context settings fall back to these values.
type Info struct {
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	CostPer1KIn  float64  `json:"cost_per_1k_in"`
	CostPer1KOut float64  `json:"cost_per_1k_out"`
	MaxContext   int      `json:"max_context"`
	Quality      float64  `json:"quality"`
	Tags         []string `json:"tags"`
}

// Catalog maps model ids to metadata. Costs are USD per 1K tokens.
var Catalog = map[string]Info{
	// Anthropic
	"claude-3-5-haiku-latest": {
		ID: "claude-3-5-haiku-latest", Kind: "anthropic",
		CostPer1KIn: 0.0008, CostPer1KOut: 0.004, MaxContext: 200000, Quality: 0.78,
		Tags: []string{"cloud", "fast"},
	},
	"claude-sonnet-4-5": {
		ID: "claude-sonnet-4-5", Kind: "anthropic",
		CostPer1KIn: 0.003, CostPer1KOut: 0.015, MaxContext: 200000, Quality: 0.93,
		Tags: []string{"cloud", "reasoning"},
	},
	"claude-opus-4-1": {
		ID: "claude-opus-4-1", Kind: "anthropic",
		CostPer1KIn: 0.015, CostPer1KOut: 0.075, MaxContext: 200000, Quality: 0.96,
		Tags: []string{"cloud", "reasoning"},
	},

	// OpenAI
	"gpt-4o": {
		ID: "gpt-4o", Kind: "openai",
		CostPer1KIn: 0.0025, CostPer1KOut: 0.01, MaxContext: 128000, Quality: 0.9,
		Tags: []string{"cloud"},
	},
	"gpt-4o-mini": {
		ID: "gpt-4o-mini", Kind: "openai",
		CostPer1KIn: 0.00015, CostPer1KOut: 0.0006, MaxContext: 128000, Quality: 0.75,
		Tags: []string{"cloud", "fast"},
	},

	// OpenRouter
	"openrouter/auto": {
		ID: "openrouter/auto", Kind: "openrouter",
		CostPer1KIn: 0.0003, CostPer1KOut: 0.0015, MaxContext: 128000, Quality: 0.8,
		Tags: []string{"cloud"},
	},

	// Local Ollama models
	"qwen2.5:0.5b": {
		ID: "qwen2.5:0.5b", Kind: "ollama", MaxContext: 32768, Quality: 0.45,
		Tags: []string{"local", "fast"},
	},
	"qwen2.5:7b": {
		ID: "qwen2.5:7b", Kind: "ollama", MaxContext: 32768, Quality: 0.65,
		Tags: []string{"local"},
	},
	"llama3.1:8b": {
		ID: "llama3.1:8b", Kind: "ollama", MaxContext: 128000, Quality: 0.65,
		Tags: []string{"local"},
	},
	"mistral": {
		ID: "mistral", Kind: "ollama", MaxContext: 32768, Quality: 0.6,
		Tags: []string{"local"},
	},
}

// Lookup finds a model by exact id, then by case-insensitive prefix.
func Lookup(id string) (Info, bool) {
	if info, ok := Catalog[id]; ok {
		return info, true
	}
	lower := strings.ToLower(id)
	var best Info
	found := false
	for key, info := range Catalog {
		if strings.HasPrefix(lower, strings.ToLower(key)) && (!found || len(key) > len(best.ID)) {
			best, found = info, true
		}
	}
	return best, found
}

// IsLocal reports whether the info describes a local model.
func (i Info) IsLocal() bool {
	for _, t := range i.Tags {
		if t == "local" {
			return true
		}
	}
	return false
}
