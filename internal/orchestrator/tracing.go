// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bonjohen/ai-swarm-sub000/internal/graph"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
)

func runAttrs(r *run) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("swarm.run_id", r.id),
		attribute.String("swarm.graph_id", r.graph.ID),
	}
}

func nodeAttrs(r *run, n *graph.Node, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("swarm.run_id", r.id),
		attribute.String("swarm.node", n.Name),
		attribute.String("swarm.agent", n.Agent),
		attribute.Int("swarm.attempt", attempt),
	}
}

func decisionAttrs(d router.Decision) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("swarm.model", d.Entry.Name),
		attribute.String("swarm.tier", d.Tier.String()),
		attribute.Bool("swarm.escalated", d.Escalated),
	}
}

func resultAttrs(res *Result) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("swarm.status", res.Status),
		attribute.Int("swarm.events", len(res.Events)),
		attribute.Float64("swarm.cost_usd", res.Ledger.CostUSD),
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
