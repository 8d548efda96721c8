// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

// DefaultCompositeThreshold is the highest composite score Tier 1 may
// resolve unescalated.
const DefaultCompositeThreshold = 0.5

// Weights blend the composite routing score.
type Weights struct {
	Complexity        float64 `json:"complexity" toml:"complexity"`
	InverseConfidence float64 `json:"inverse_confidence" toml:"inverse_confidence"`
	HallucinationRisk float64 `json:"hallucination_risk" toml:"hallucination_risk"`
}

// DefaultWeights returns (0.4, 0.3, 0.3).
func DefaultWeights() Weights {
	return Weights{Complexity: 0.4, InverseConfidence: 0.3, HallucinationRisk: 0.3}
}

// CompositeScore = w.Complexity*complexity + w.InverseConfidence*(1-confidence)
// + w.HallucinationRisk*risk. Inputs are clamped to [0,1].
func CompositeScore(complexity, confidence, hallucinationRisk float64, w Weights) float64 {
	return w.Complexity*clamp01(complexity) +
		w.InverseConfidence*(1-clamp01(confidence)) +
		w.HallucinationRisk*clamp01(hallucinationRisk)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
