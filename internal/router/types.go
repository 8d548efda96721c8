// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"fmt"
	"strings"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
)

// ============================================================================
// TIER TYPE
// ============================================================================

// Tier is an escalation level. Ordered by cost/capability.
type Tier int

const (
	// TierNone means no tier could resolve the request.
	TierNone Tier = -1
	// TierRules is deterministic pattern matching (free, instant).
	TierRules Tier = 0
	// TierClassifier is the fast local micro-classifier.
	TierClassifier Tier = 1
	// TierReasoning is the larger local reasoning model.
	TierReasoning Tier = 2
	// TierFrontier is the paid remote provider pool.
	TierFrontier Tier = 3
)

// String returns the human-readable name of the tier.
func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierRules:
		return "rules"
	case TierClassifier:
		return "classifier"
	case TierReasoning:
		return "reasoning"
	case TierFrontier:
		return "frontier"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// IsPaid returns true if the tier incurs API costs.
func (t Tier) IsPaid() bool {
	return t == TierFrontier
}

// Escalate returns the next tier up. Frontier and None have no successor.
func (t Tier) Escalate() (Tier, bool) {
	switch t {
	case TierRules, TierClassifier, TierReasoning:
		return t + 1, true
	default:
		return TierNone, false
	}
}

// ============================================================================
// POLICY & DECISION
// ============================================================================

// Policy is a node's model-selection preference.
type Policy struct {
	// Model pins a registry entry by name.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`
	// Strategy picks the base model. Defaults to prefer_local.
	Strategy provider.Strategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	// EscalationStrategy picks the escalation target. Defaults to highest_quality.
	EscalationStrategy provider.Strategy `json:"escalation_strategy,omitempty" yaml:"escalation_strategy,omitempty"`
	// Requirements bound both base and escalation selection.
	Requirements provider.Requirements `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	// Escalation overrides the router's default criteria.
	Escalation *EscalationCriteria `json:"escalation,omitempty" yaml:"escalation,omitempty"`
	// NoEscalate disables quality-driven escalation for the node.
	NoEscalate bool `json:"no_escalate,omitempty" yaml:"no_escalate,omitempty"`
	// LocalOnly restricts every selection to local providers.
	LocalOnly bool `json:"local_only,omitempty" yaml:"local_only,omitempty"`
}

// Decision is the outcome of SelectModel.
type Decision struct {
	Model     model.Model    `json:"-"`
	Entry     provider.Entry `json:"entry"`
	Tier      Tier           `json:"tier"`
	Escalated bool           `json:"escalated"`
	Reason    string         `json:"reason"`
}

// String returns a one-line summary for logs.
func (d Decision) String() string {
	return fmt.Sprintf("%s (tier=%s, escalated=%t): %s", d.Entry.Name, d.Tier, d.Escalated, d.Reason)
}

// ============================================================================
// ERRORS
// ============================================================================

// RoutingFailure reports that no provider could be selected at the needed tier.
type RoutingFailure struct {
	Tier       Tier
	Candidates []string
	Err        error
}

func (e *RoutingFailure) Error() string {
	msg := fmt.Sprintf("routing failure at tier %s", e.Tier)
	if len(e.Candidates) > 0 {
		msg += " (candidates: " + strings.Join(e.Candidates, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RoutingFailure) Unwrap() error {
	return e.Err
}
