// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"time"

	"github.com/google/uuid"
)

// Node attempt statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// InputPreviewLen bounds the input text kept on a Decision.
const InputPreviewLen = 100

// Decision is the flat record of one dispatch.
type Decision struct {
	DecisionID    string    `json:"decision_id"`
	Timestamp     time.Time `json:"timestamp"`
	Input         string    `json:"input,omitempty"`
	Tier          int       `json:"tier"`
	TierName      string    `json:"tier_name"`
	Action        string    `json:"action"`
	Target        string    `json:"target,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	Confidence    float64   `json:"confidence"`
	Quality       float64   `json:"quality,omitempty"`
	Escalated     bool      `json:"escalated"`
	Provider      string    `json:"provider,omitempty"`
	SafetyFlagged bool      `json:"safety_flagged"`
	Reason        string    `json:"reason,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	CostUSD       float64   `json:"cost_usd,omitempty"`
}

// NodeEvent is the flat record of one node attempt.
type NodeEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	GraphID   string    `json:"graph_id,omitempty"`
	NodeID    string    `json:"node_id"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Attempt   int       `json:"attempt"`
	Model     string    `json:"model,omitempty"`
	Tier      string    `json:"tier,omitempty"`
	Escalated bool      `json:"escalated"`
	Error     string    `json:"error,omitempty"`

	// Attempt usage
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`

	// Run totals after the attempt
	RunTokens      int     `json:"run_tokens"`
	RunCostUSD     float64 `json:"run_cost_usd"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	DurationMs int64 `json:"duration_ms"`
}

// NewID returns a fresh record id.
func NewID() string {
	return uuid.NewString()
}

// Preview truncates input for storage on a Decision.
func Preview(input string) string {
	r := []rune(input)
	if len(r) <= InputPreviewLen {
		return input
	}
	return string(r[:InputPreviewLen]) + "..."
}

// stamp fills ids and timestamps the emitter left empty.
func (d *Decision) stamp() {
	if d.DecisionID == "" {
		d.DecisionID = NewID()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now().UTC()
	}
}

func (e *NodeEvent) stamp() {
	if e.EventID == "" {
		e.EventID = NewID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
