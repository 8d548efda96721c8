// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"fmt"
	"sort"
	"time"
)

// DefaultDegradeAtFraction is used when Limits.DegradeAtFraction is zero.
const DefaultDegradeAtFraction = 0.8

// Degraded-mode work sizes handed to steps through DegradationHint.
const (
	DegradedMaxSources = 3
	DegradedMaxItems   = 5
)

// =============================================================================
// TYPES
// =============================================================================

// Limits are the run-level caps. Zero means unlimited.
type Limits struct {
	MaxTokens         int     `json:"max_tokens" toml:"max_tokens" yaml:"max_tokens"`
	MaxCostUSD        float64 `json:"max_cost_usd" toml:"max_cost_usd" yaml:"max_cost_usd"`
	MaxWallSeconds    float64 `json:"max_wall_seconds" toml:"max_wall_seconds" yaml:"max_wall_seconds"`
	DegradeAtFraction float64 `json:"degrade_at_fraction" toml:"degrade_at_fraction" yaml:"degrade_at_fraction"`
}

// NodeBudget overrides caps for one node. Zero means unlimited.
type NodeBudget struct {
	MaxTokens  int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxCostUSD float64 `json:"max_cost_usd,omitempty" yaml:"max_cost_usd,omitempty"`
}

// NodeUsage is the usage attributed to one node.
type NodeUsage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
	Calls     int     `json:"calls"`
}

// Tokens returns input plus output tokens.
func (u NodeUsage) Tokens() int {
	return u.TokensIn + u.TokensOut
}

// DegradationHint tells steps how to shrink their work near a cap.
type DegradationHint struct {
	MaxSources        int    `json:"max_sources"`
	MaxItems          int    `json:"max_items"`
	SkipDeepSynthesis bool   `json:"skip_deep_synthesis"`
	Reason            string `json:"reason"`
}

// Snapshot is a point-in-time copy of the ledger.
type Snapshot struct {
	TokensIn          int                  `json:"tokens_in"`
	TokensOut         int                  `json:"tokens_out"`
	CostUSD           float64              `json:"cost_usd"`
	ElapsedSeconds    float64              `json:"elapsed_seconds"`
	DegradationActive bool                 `json:"degradation_active"`
	ReviewFlags       []string             `json:"review_flags,omitempty"`
	Nodes             map[string]NodeUsage `json:"nodes,omitempty"`
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger accumulates usage for one run. It is not safe for concurrent use;
// a run owns its ledger exclusively.
type Ledger struct {
	limits Limits

	tokensIn  int
	tokensOut int
	costUSD   float64
	startedAt time.Time

	reviewFlags []string
	nodes       map[string]NodeUsage

	now func() time.Time
}

// NewLedger creates a ledger whose wall clock starts now.
func NewLedger(limits Limits) *Ledger {
	return NewLedgerWithClock(limits, time.Now)
}

// NewLedgerWithClock creates a ledger that reads time from now.
func NewLedgerWithClock(limits Limits, now func() time.Time) *Ledger {
	if limits.DegradeAtFraction <= 0 {
		limits.DegradeAtFraction = DefaultDegradeAtFraction
	}
	return &Ledger{
		limits:    limits,
		startedAt: now(),
		nodes:     make(map[string]NodeUsage),
		now:       now,
	}
}

// Limits returns the caps the ledger enforces.
func (l *Ledger) Limits() Limits {
	return l.limits
}

// Record adds usage to the run totals and, when nodeID is set, to that
// node's breakdown.
func (l *Ledger) Record(tokensIn, tokensOut int, cost float64, nodeID string) {
	l.tokensIn += tokensIn
	l.tokensOut += tokensOut
	l.costUSD += cost

	if nodeID == "" {
		return
	}
	u := l.nodes[nodeID]
	u.TokensIn += tokensIn
	u.TokensOut += tokensOut
	u.CostUSD += cost
	u.Calls++
	l.nodes[nodeID] = u
}

// Check returns an *ExceededError for the first cap that usage has met.
// Run caps are checked before the node caps in nb.
func (l *Ledger) Check(nodeID string, nb *NodeBudget) error {
	if l.limits.MaxTokens > 0 && l.TotalTokens() >= l.limits.MaxTokens {
		return &ExceededError{Scope: ScopeTokens, Limit: float64(l.limits.MaxTokens), Current: float64(l.TotalTokens())}
	}
	if l.limits.MaxCostUSD > 0 && l.costUSD >= l.limits.MaxCostUSD {
		return &ExceededError{Scope: ScopeCostUSD, Limit: l.limits.MaxCostUSD, Current: l.costUSD}
	}
	if l.limits.MaxWallSeconds > 0 {
		if elapsed := l.Elapsed().Seconds(); elapsed >= l.limits.MaxWallSeconds {
			return &ExceededError{Scope: ScopeWallSeconds, Limit: l.limits.MaxWallSeconds, Current: elapsed}
		}
	}

	if nb == nil {
		return nil
	}
	usage := l.NodeCost(nodeID)
	if nb.MaxTokens > 0 && usage.Tokens() >= nb.MaxTokens {
		return &ExceededError{Scope: ScopeNodeTokens, Limit: float64(nb.MaxTokens), Current: float64(usage.Tokens()), Node: nodeID}
	}
	if nb.MaxCostUSD > 0 && usage.CostUSD >= nb.MaxCostUSD {
		return &ExceededError{Scope: ScopeNodeCost, Limit: nb.MaxCostUSD, Current: usage.CostUSD, Node: nodeID}
	}
	return nil
}

// DegradationActive reports whether any active run cap is consumed past
// the degradation fraction.
func (l *Ledger) DegradationActive() bool {
	_, ok := l.Hint()
	return ok
}

// Hint returns the degradation hint when degradation is active.
func (l *Ledger) Hint() (DegradationHint, bool) {
	scope, fraction := l.maxFraction()
	if scope == "" || fraction < l.limits.DegradeAtFraction {
		return DegradationHint{}, false
	}
	return DegradationHint{
		MaxSources:        DegradedMaxSources,
		MaxItems:          DegradedMaxItems,
		SkipDeepSynthesis: true,
		Reason:            fmt.Sprintf("%s at %.0f%% of cap", scope, fraction*100),
	}, true
}

// maxFraction returns the most-consumed active cap and its fraction.
func (l *Ledger) maxFraction() (string, float64) {
	var scope string
	var best float64
	consider := func(name string, used, limit float64) {
		if limit <= 0 {
			return
		}
		if f := used / limit; scope == "" || f > best {
			scope, best = name, f
		}
	}
	consider(ScopeTokens, float64(l.TotalTokens()), float64(l.limits.MaxTokens))
	consider(ScopeCostUSD, l.costUSD, l.limits.MaxCostUSD)
	consider(ScopeWallSeconds, l.Elapsed().Seconds(), l.limits.MaxWallSeconds)
	return scope, best
}

// FlagHumanReview records an advisory reason for a human to look at the run.
func (l *Ledger) FlagHumanReview(reason string) {
	l.reviewFlags = append(l.reviewFlags, reason)
}

// ReviewFlags returns the accumulated review reasons.
func (l *Ledger) ReviewFlags() []string {
	return append([]string(nil), l.reviewFlags...)
}

// NodeCost returns the usage attributed to nodeID, zero if unknown.
func (l *Ledger) NodeCost(nodeID string) NodeUsage {
	return l.nodes[nodeID]
}

// TotalTokens returns input plus output tokens for the run.
func (l *Ledger) TotalTokens() int {
	return l.tokensIn + l.tokensOut
}

// CostUSD returns the run's accumulated cost.
func (l *Ledger) CostUSD() float64 {
	return l.costUSD
}

// Elapsed returns wall time since the ledger was created.
func (l *Ledger) Elapsed() time.Duration {
	return l.now().Sub(l.startedAt)
}

// Snapshot copies the current totals.
func (l *Ledger) Snapshot() Snapshot {
	nodes := make(map[string]NodeUsage, len(l.nodes))
	for k, v := range l.nodes {
		nodes[k] = v
	}
	return Snapshot{
		TokensIn:          l.tokensIn,
		TokensOut:         l.tokensOut,
		CostUSD:           l.costUSD,
		ElapsedSeconds:    l.Elapsed().Seconds(),
		DegradationActive: l.DegradationActive(),
		ReviewFlags:       l.ReviewFlags(),
		Nodes:             nodes,
	}
}

// NodeIDs returns the attributed node names, sorted.
func (l *Ledger) NodeIDs() []string {
	ids := make([]string, 0, len(l.nodes))
	for id := range l.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Restore seeds the ledger from a snapshot taken by an earlier process so a
// resumed run keeps its spend. Elapsed time is carried over by moving the
// start time back.
func (l *Ledger) Restore(s Snapshot) {
	l.tokensIn = s.TokensIn
	l.tokensOut = s.TokensOut
	l.costUSD = s.CostUSD
	l.startedAt = l.now().Add(-time.Duration(s.ElapsedSeconds * float64(time.Second)))
	l.reviewFlags = append([]string(nil), s.ReviewFlags...)
	l.nodes = make(map[string]NodeUsage, len(s.Nodes))
	for k, v := range s.Nodes {
		l.nodes[k] = v
	}
}
