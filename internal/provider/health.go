// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// HealthChecker probes providers whose adapter implements model.Pinger and
// flips their availability to match.
type HealthChecker struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
}

// NewHealthChecker probes every interval, bounding each probe by timeout.
func NewHealthChecker(r *Registry, interval, timeout time.Duration) *HealthChecker {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthChecker{registry: r, interval: interval, timeout: timeout}
}

// CheckOnce probes every pingable provider and returns the probe errors
// keyed by provider name. Providers without a probe are left alone.
func (h *HealthChecker) CheckOnce(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, e := range h.registry.List() {
		p, ok := e.Model.(model.Pinger)
		if !ok {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, h.timeout)
		err := p.Ping(pctx)
		cancel()
		results[e.Name] = err

		switch {
		case err != nil && e.Available:
			log.Warn(ctx, log.KV{K: "msg", V: "provider unavailable"}, log.KV{K: "provider", V: e.Name}, log.KV{K: "err", V: err.Error()})
			_ = h.registry.MarkUnavailable(e.Name)
		case err == nil && !e.Available:
			log.Info(ctx, log.KV{K: "msg", V: "provider recovered"}, log.KV{K: "provider", V: e.Name})
			_ = h.registry.MarkAvailable(e.Name)
		}
	}
	return results
}

// Run probes until ctx is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.CheckOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckOnce(ctx)
		}
	}
}
