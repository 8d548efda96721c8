// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
)

// Router resolves node policies to models. It holds no per-run state and
// may be shared by concurrent runs.
type Router struct {
	registry *provider.Registry

	mu       sync.RWMutex
	criteria EscalationCriteria
}

// New creates a router over registry.
func New(registry *provider.Registry, criteria EscalationCriteria) *Router {
	return &Router{registry: registry, criteria: criteria}
}

// Registry returns the provider registry the router selects from.
func (r *Router) Registry() *provider.Registry {
	return r.registry
}

// SetCriteria replaces the default escalation criteria. Runs already
// inside SelectModel keep the criteria they read.
func (r *Router) SetCriteria(c EscalationCriteria) {
	r.mu.Lock()
	r.criteria = c
	r.mu.Unlock()
}

// Criteria returns the default escalation criteria.
func (r *Router) Criteria() EscalationCriteria {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.criteria
}

// SelectModel picks the base model for policy, then escalates to a stronger
// provider when the quality signals in state cross the escalation criteria.
//
// SECURITY CHECK ORDER (DO NOT REORDER):
//  1. LocalOnly restricts candidates before any other rule
//  2. A pinned model must exist and be available
//  3. Escalation never leaves the machine under LocalOnly
func (r *Router) SelectModel(ctx context.Context, policy Policy, state map[string]any) (Decision, error) {
	req := policy.Requirements
	if policy.LocalOnly {
		req.PreferredTags = appendTag(req.PreferredTags, provider.TagLocal)
	}

	base, reason, err := r.selectBase(policy, req)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Model: base.Model, Entry: base, Tier: tierOf(base), Reason: reason}

	criteria := r.Criteria()
	if policy.Escalation != nil {
		criteria = *policy.Escalation
	}
	escalate, why := criteria.Evaluate(SignalsFromState(state))
	switch {
	case !escalate:
	case policy.NoEscalate:
		d.Reason += "; escalation disabled (" + strings.Join(why, ", ") + ")"
	case policy.LocalOnly:
		d.Reason += "; escalation blocked by local_only (" + strings.Join(why, ", ") + ")"
	default:
		d = r.escalate(ctx, policy, req, d, why)
	}
	if d.Tier == TierFrontier && !d.Escalated {
		if err := r.reserve(ctx, d.Entry); err != nil {
			return Decision{}, &RoutingFailure{Tier: TierFrontier, Candidates: []string{d.Entry.Name}, Err: err}
		}
	}

	log.Info(ctx, log.KV{K: "msg", V: "ROUTING: " + d.String()})
	return d, nil
}

func (r *Router) selectBase(policy Policy, req provider.Requirements) (provider.Entry, string, error) {
	if policy.Model != "" {
		e, ok := r.registry.Get(policy.Model)
		switch {
		case !ok:
			return provider.Entry{}, "", &RoutingFailure{Tier: TierReasoning, Candidates: []string{policy.Model}, Err: provider.ErrUnknownProvider}
		case !e.Available:
			return provider.Entry{}, "", &RoutingFailure{Tier: tierOf(e), Candidates: []string{policy.Model}, Err: errors.New("pinned provider unavailable")}
		case policy.LocalOnly && !e.IsLocal():
			return provider.Entry{}, "", &RoutingFailure{Tier: tierOf(e), Candidates: []string{policy.Model}, Err: errors.New("pinned provider is not local")}
		}
		return e, "pinned model", nil
	}

	strategy := policy.Strategy
	if strategy == "" {
		strategy = provider.PreferLocal
	}
	e, err := r.registry.SelectProvider(req, strategy)
	if err == nil && policy.LocalOnly && !e.IsLocal() {
		err = provider.ErrNoQualifiedProvider
	}
	if err != nil {
		return provider.Entry{}, "", &RoutingFailure{Tier: TierReasoning, Candidates: r.candidateNames(), Err: err}
	}
	return e, fmt.Sprintf("selected by %s", strategy), nil
}

// escalate looks for a provider at least as strong as the base; when none
// can be had the base decision stands with the reason recorded.
func (r *Router) escalate(ctx context.Context, policy Policy, req provider.Requirements, base Decision, why []string) Decision {
	strategy := policy.EscalationStrategy
	if strategy == "" {
		strategy = provider.HighestQuality
	}
	req.MinQuality = max(req.MinQuality, base.Entry.Quality)

	e, err := r.registry.SelectProviderWithFallback(ctx, req, strategy)
	if err == nil && e.Name != base.Entry.Name && tierOf(e) == TierFrontier {
		err = r.reserve(ctx, e)
	}
	if err != nil {
		base.Reason += fmt.Sprintf("; escalation unavailable: %v", err)
		return base
	}
	if e.Name == base.Entry.Name {
		base.Reason += "; already at strongest provider"
		return base
	}
	return Decision{
		Model:     e.Model,
		Entry:     e,
		Tier:      tierOf(e),
		Escalated: true,
		Reason:    fmt.Sprintf("escalated from %s: %s", base.Entry.Name, strings.Join(why, ", ")),
	}
}

// reserve holds a daily-cap slot for a frontier call. Every frontier
// decision SelectModel returns has one.
func (r *Router) reserve(ctx context.Context, e provider.Entry) error {
	ok, err := r.registry.ReserveCall(ctx, e.Name)
	if err != nil {
		return err
	}
	if !ok {
		return provider.ErrDailyCapExceeded
	}
	return nil
}

// ReportFailure marks a provider unavailable after a connection-level
// failure. HTTP-status failures (429, 5xx) leave availability alone; the
// health checker restores providers that come back.
func (r *Router) ReportFailure(ctx context.Context, d Decision, err error) {
	if !model.IsUnreachable(err) {
		return
	}
	if markErr := r.registry.MarkUnavailable(d.Entry.Name); markErr == nil {
		log.Warn(ctx, log.KV{K: "msg", V: "provider marked unavailable"}, log.KV{K: "provider", V: d.Entry.Name}, log.KV{K: "err", V: err.Error()})
	}
}

func (r *Router) candidateNames() []string {
	entries := r.registry.List()
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
	}
	return names
}

func tierOf(e provider.Entry) Tier {
	if e.IsLocal() {
		return TierReasoning
	}
	return TierFrontier
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(append([]string(nil), tags...), tag)
}
