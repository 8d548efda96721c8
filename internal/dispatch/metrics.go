// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/bonjohen/ai-swarm-sub000/internal/dispatch"

// metrics records dispatch counters through the global MeterProvider.
// Instruments that fail to build are skipped.
type metrics struct {
	decisions metric.Int64Counter
	latency   metric.Float64Histogram
	cost      metric.Float64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(meterName)
	m := &metrics{}
	m.decisions, _ = meter.Int64Counter("swarm.dispatch.decisions",
		metric.WithDescription("Dispatch decisions by tier and action"))
	m.latency, _ = meter.Float64Histogram("swarm.dispatch.latency",
		metric.WithDescription("Dispatch latency"), metric.WithUnit("ms"))
	m.cost, _ = meter.Float64Counter("swarm.dispatch.cost",
		metric.WithDescription("Frontier spend from dispatch"), metric.WithUnit("USD"))
	return m
}

func (m *metrics) record(ctx context.Context, r Result) {
	attrs := metric.WithAttributes(
		attribute.String("tier", r.Tier.String()),
		attribute.String("action", r.Action),
		attribute.Bool("escalated", r.Escalated),
	)
	if m.decisions != nil {
		m.decisions.Add(ctx, 1, attrs)
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(r.LatencyMs), attrs)
	}
	if m.cost != nil && r.CostUSD > 0 {
		m.cost.Add(ctx, r.CostUSD, metric.WithAttributes(attribute.String("provider", r.Provider)))
	}
}
