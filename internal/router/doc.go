// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package router decides which model serves a request or a pipeline step.
//
// Tiers are ordered by cost and latency:
// Rules (0) -> Classifier (1) -> Reasoning (2) -> Frontier (3)
//
// # Key Types
//
//   - Tier: escalation level, with TierNone (-1) for "nothing could resolve it"
//   - EscalationCriteria: quality thresholds that justify moving up a tier
//   - Weights / CompositeScore: blend used to keep Tier 1 answers local
//   - Router: resolves a node Policy to a model via the provider registry
//   - Decision: the chosen model, its tier, and why
//   - RoutingFailure: no candidate could be selected
//
// # Security
//
// A Policy with LocalOnly set never leaves the machine: escalation to a
// cloud provider is refused regardless of quality signals.
//
// # Usage
//
//	r := router.New(registry, router.DefaultEscalationCriteria())
//	d, err := r.SelectModel(ctx, node.Policy, state)
//	if err != nil {
//	    return err // *router.RoutingFailure counts as a failed attempt
//	}
//	reply, err := d.Model.Call(ctx, system, user)
package router
