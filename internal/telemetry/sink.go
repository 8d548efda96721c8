// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"

	"goa.design/clue/log"
)

// Sink consumes telemetry records. Implementations must be safe for
// concurrent use and must not block the caller for long.
type Sink interface {
	RecordDecision(ctx context.Context, d Decision)
	RecordNodeEvent(ctx context.Context, e NodeEvent)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordDecision(context.Context, Decision)   {}
func (Nop) RecordNodeEvent(context.Context, NodeEvent) {}

// MultiSink fans records out to every sink in order.
type MultiSink []Sink

func (m MultiSink) RecordDecision(ctx context.Context, d Decision) {
	d.stamp()
	for _, s := range m {
		s.RecordDecision(ctx, d)
	}
}

func (m MultiSink) RecordNodeEvent(ctx context.Context, e NodeEvent) {
	e.stamp()
	for _, s := range m {
		s.RecordNodeEvent(ctx, e)
	}
}

// LogSink writes each record as a structured log line.
type LogSink struct {
	// Debug logs at debug level instead of info.
	Debug bool
}

func (l LogSink) RecordDecision(ctx context.Context, d Decision) {
	d.stamp()
	kvs := []log.Fielder{
		log.KV{K: "msg", V: "dispatch decision"},
		log.KV{K: "decision_id", V: d.DecisionID},
		log.KV{K: "tier", V: d.Tier},
		log.KV{K: "action", V: d.Action},
		log.KV{K: "confidence", V: d.Confidence},
		log.KV{K: "escalated", V: d.Escalated},
		log.KV{K: "latency_ms", V: d.LatencyMs},
	}
	if d.Provider != "" {
		kvs = append(kvs, log.KV{K: "provider", V: d.Provider})
	}
	if d.SafetyFlagged {
		kvs = append(kvs, log.KV{K: "safety_flagged", V: true})
	}
	if d.Reason != "" {
		kvs = append(kvs, log.KV{K: "reason", V: d.Reason})
	}
	l.emit(ctx, kvs)
}

func (l LogSink) RecordNodeEvent(ctx context.Context, e NodeEvent) {
	e.stamp()
	kvs := []log.Fielder{
		log.KV{K: "msg", V: "node attempt"},
		log.KV{K: "run_id", V: e.RunID},
		log.KV{K: "node", V: e.NodeID},
		log.KV{K: "agent", V: e.AgentID},
		log.KV{K: "status", V: e.Status},
		log.KV{K: "attempt", V: e.Attempt},
		log.KV{K: "run_cost_usd", V: e.RunCostUSD},
	}
	if e.Model != "" {
		kvs = append(kvs, log.KV{K: "model", V: e.Model})
	}
	if e.Error != "" {
		kvs = append(kvs, log.KV{K: "error", V: e.Error})
	}
	if e.Status == StatusFailed {
		log.Warn(ctx, kvs...)
		return
	}
	l.emit(ctx, kvs)
}

func (l LogSink) emit(ctx context.Context, kvs []log.Fielder) {
	if l.Debug {
		log.Debug(ctx, kvs...)
		return
	}
	log.Info(ctx, kvs...)
}
