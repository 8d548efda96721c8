// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"sort"
	"sync"
)

// =============================================================================
// MEMORY SINK
// =============================================================================

// DefaultMemoryCapacity bounds each history kept by a MemorySink.
const DefaultMemoryCapacity = 1000

// topNodeEvents is the number of most expensive attempts kept in a Summary.
const topNodeEvents = 10

// MemorySink keeps recent records in memory and aggregates them.
type MemorySink struct {
	mu        sync.RWMutex
	capacity  int
	decisions []Decision
	events    []NodeEvent
	summary   Summary
}

// Summary aggregates everything a MemorySink has seen, including records
// already evicted from history.
type Summary struct {
	Decisions      int            `json:"decisions"`
	ByTier         map[string]int `json:"by_tier"`
	ByProvider     map[string]int `json:"by_provider"`
	Escalations    int            `json:"escalations"`
	EscalationRate float64        `json:"escalation_rate"`
	SafetyFlagged  int            `json:"safety_flagged"`
	AvgLatencyMs   float64        `json:"avg_latency_ms"`
	DispatchCost   float64        `json:"dispatch_cost_usd"`

	NodeAttempts int                `json:"node_attempts"`
	NodeFailures int                `json:"node_failures"`
	NodeCost     float64            `json:"node_cost_usd"`
	CostByNode   map[string]float64 `json:"cost_by_node"`
	TopAttempts  []NodeEvent        `json:"top_attempts"`

	totalLatencyMs int64
}

// NewMemorySink creates a sink keeping at most capacity records of each kind.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{
		capacity: capacity,
		summary:  newSummary(),
	}
}

func newSummary() Summary {
	return Summary{
		ByTier:      make(map[string]int),
		ByProvider:  make(map[string]int),
		CostByNode:  make(map[string]float64),
		TopAttempts: make([]NodeEvent, 0),
	}
}

// RecordDecision implements Sink.
func (m *MemorySink) RecordDecision(_ context.Context, d Decision) {
	d.stamp()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.decisions = append(m.decisions, d)
	if len(m.decisions) > m.capacity {
		m.decisions = m.decisions[len(m.decisions)-m.capacity:]
	}

	s := &m.summary
	s.Decisions++
	s.ByTier[d.TierName]++
	if d.Provider != "" {
		s.ByProvider[d.Provider]++
	}
	if d.Escalated {
		s.Escalations++
	}
	if d.SafetyFlagged {
		s.SafetyFlagged++
	}
	s.totalLatencyMs += d.LatencyMs
	s.DispatchCost += d.CostUSD
	s.EscalationRate = float64(s.Escalations) / float64(s.Decisions)
	s.AvgLatencyMs = float64(s.totalLatencyMs) / float64(s.Decisions)
}

// RecordNodeEvent implements Sink.
func (m *MemorySink) RecordNodeEvent(_ context.Context, e NodeEvent) {
	e.stamp()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, e)
	if len(m.events) > m.capacity {
		m.events = m.events[len(m.events)-m.capacity:]
	}

	s := &m.summary
	s.NodeAttempts++
	if e.Status == StatusFailed {
		s.NodeFailures++
	}
	s.NodeCost += e.CostUSD
	s.CostByNode[e.NodeID] += e.CostUSD

	s.TopAttempts = append(s.TopAttempts, e)
	sort.SliceStable(s.TopAttempts, func(i, j int) bool {
		return s.TopAttempts[i].CostUSD > s.TopAttempts[j].CostUSD
	})
	if len(s.TopAttempts) > topNodeEvents {
		s.TopAttempts = s.TopAttempts[:topNodeEvents]
	}
}

// Decisions returns a copy of the decision history, oldest first.
func (m *MemorySink) Decisions() []Decision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Decision, len(m.decisions))
	copy(out, m.decisions)
	return out
}

// NodeEvents returns a copy of the node event history, oldest first.
func (m *MemorySink) NodeEvents() []NodeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]NodeEvent, len(m.events))
	copy(out, m.events)
	return out
}

// RunEvents returns the recorded events of one run, in emission order.
func (m *MemorySink) RunEvents(runID string) []NodeEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []NodeEvent
	for _, e := range m.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// Summary returns a deep copy of the aggregate statistics.
func (m *MemorySink) Summary() Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.summary
	dst := src
	dst.ByTier = copyCounts(src.ByTier)
	dst.ByProvider = copyCounts(src.ByProvider)
	dst.CostByNode = make(map[string]float64, len(src.CostByNode))
	for k, v := range src.CostByNode {
		dst.CostByNode[k] = v
	}
	dst.TopAttempts = make([]NodeEvent, len(src.TopAttempts))
	copy(dst.TopAttempts, src.TopAttempts)
	return dst
}

// Reset clears history and statistics.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = nil
	m.events = nil
	m.summary = newSummary()
}

func copyCounts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
