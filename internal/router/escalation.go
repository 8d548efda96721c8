// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"math"
)

// StateSignalsKey is the RunState key steps write quality signals under.
const StateSignalsKey = "quality_signals"

// EscalationCriteria are the thresholds past which a step's output quality
// justifies a stronger model.
type EscalationCriteria struct {
	MinConfidence                float64 `json:"min_confidence" toml:"min_confidence" yaml:"min_confidence"`
	MaxMissingCitations          int     `json:"max_missing_citations" toml:"max_missing_citations" yaml:"max_missing_citations"`
	MaxContradictionAmbiguity    float64 `json:"max_contradiction_ambiguity" toml:"max_contradiction_ambiguity" yaml:"max_contradiction_ambiguity"`
	SynthesisComplexityThreshold float64 `json:"synthesis_complexity_threshold" toml:"synthesis_complexity_threshold" yaml:"synthesis_complexity_threshold"`
}

// DefaultEscalationCriteria returns the stock thresholds.
func DefaultEscalationCriteria() EscalationCriteria {
	return EscalationCriteria{
		MinConfidence:                0.7,
		MaxMissingCitations:          0,
		MaxContradictionAmbiguity:    0.3,
		SynthesisComplexityThreshold: 0.7,
	}
}

// Signals are quality observations from earlier steps. Nil fields were not
// reported and never trigger escalation.
type Signals struct {
	Confidence             *float64
	MissingCitations       *int
	ContradictionAmbiguity *float64
	SynthesisComplexity    *float64
}

// SignalsFromState reads Signals from state[StateSignalsKey].
func SignalsFromState(state map[string]any) Signals {
	raw, ok := state[StateSignalsKey].(map[string]any)
	if !ok {
		return Signals{}
	}
	var s Signals
	if v, ok := toFloat(raw["confidence"]); ok {
		s.Confidence = &v
	}
	if v, ok := toFloat(raw["missing_citations"]); ok {
		n := int(math.Round(v))
		s.MissingCitations = &n
	}
	if v, ok := toFloat(raw["contradiction_ambiguity"]); ok {
		s.ContradictionAmbiguity = &v
	}
	if v, ok := toFloat(raw["synthesis_complexity"]); ok {
		s.SynthesisComplexity = &v
	}
	return s
}

// Evaluate returns whether s crosses any threshold, with one reason per
// crossed threshold.
func (c EscalationCriteria) Evaluate(s Signals) (bool, []string) {
	var reasons []string
	if s.Confidence != nil && *s.Confidence < c.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f < %.2f", *s.Confidence, c.MinConfidence))
	}
	if s.MissingCitations != nil && *s.MissingCitations > c.MaxMissingCitations {
		reasons = append(reasons, fmt.Sprintf("missing citations %d > %d", *s.MissingCitations, c.MaxMissingCitations))
	}
	if s.ContradictionAmbiguity != nil && *s.ContradictionAmbiguity > c.MaxContradictionAmbiguity {
		reasons = append(reasons, fmt.Sprintf("contradiction ambiguity %.2f > %.2f", *s.ContradictionAmbiguity, c.MaxContradictionAmbiguity))
	}
	if s.SynthesisComplexity != nil && *s.SynthesisComplexity >= c.SynthesisComplexityThreshold {
		reasons = append(reasons, fmt.Sprintf("synthesis complexity %.2f >= %.2f", *s.SynthesisComplexity, c.SynthesisComplexityThreshold))
	}
	return len(reasons) > 0, reasons
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
