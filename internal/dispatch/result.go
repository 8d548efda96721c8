// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
	"github.com/bonjohen/ai-swarm-sub000/internal/telemetry"
)

// Terminal actions that do not come from a tier.
const (
	ActionRejected        = "rejected"
	ActionNeedsEscalation = "needs_escalation"
	ActionRespond         = "respond"
)

// Result is the outcome of one dispatch. Tier is router.TierNone when no
// tier resolved the request.
type Result struct {
	DecisionID    string            `json:"decision_id"`
	Tier          router.Tier       `json:"tier"`
	Action        string            `json:"action"`
	Target        string            `json:"target,omitempty"`
	Args          map[string]string `json:"args,omitempty"`
	Intent        string            `json:"intent,omitempty"`
	Confidence    float64           `json:"confidence"`
	Quality       float64           `json:"quality,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Escalated     bool              `json:"escalated"`
	Provider      string            `json:"provider,omitempty"`
	Response      string            `json:"response,omitempty"`
	SafetyFlagged bool              `json:"safety_flagged"`
	SafetyReason  string            `json:"safety_reason,omitempty"`
	CostUSD       float64           `json:"cost_usd,omitempty"`
	LatencyMs     int64             `json:"latency_ms"`
}

// Resolved reports whether some tier produced an action.
func (r Result) Resolved() bool {
	return r.Tier != router.TierNone && r.Action != ActionRejected
}

func (r Result) record(input string) telemetry.Decision {
	return telemetry.Decision{
		DecisionID:    r.DecisionID,
		Input:         telemetry.Preview(input),
		Tier:          int(r.Tier),
		TierName:      r.Tier.String(),
		Action:        r.Action,
		Target:        r.Target,
		Intent:        r.Intent,
		Confidence:    r.Confidence,
		Quality:       r.Quality,
		Escalated:     r.Escalated,
		Provider:      r.Provider,
		SafetyFlagged: r.SafetyFlagged,
		Reason:        r.Reason,
		LatencyMs:     r.LatencyMs,
		CostUSD:       r.CostUSD,
	}
}

// Classification is the Tier 1 classifier's reply.
type Classification struct {
	Intent            string  `json:"intent"`
	RequiresReasoning bool    `json:"requires_reasoning"`
	ComplexityScore   float64 `json:"complexity_score"`
	Confidence        float64 `json:"confidence"`
	RecommendedTier   int     `json:"recommended_tier"`
	Action            string  `json:"action"`
	Target            string  `json:"target,omitempty"`
	SafetyFlag        bool    `json:"safety_flag,omitempty"`
	SafetyReason      string  `json:"safety_reason,omitempty"`
	HallucinationRisk float64 `json:"hallucination_risk,omitempty"`
}

// Reasoning is the Tier 2 model's reply.
type Reasoning struct {
	Reasoning      string  `json:"reasoning"`
	Action         string  `json:"action"`
	Target         string  `json:"target,omitempty"`
	QualityScore   float64 `json:"quality_score"`
	ReasoningDepth int     `json:"reasoning_depth"`
	Escalate       bool    `json:"escalate"`
}
