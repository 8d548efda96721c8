// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// =============================================================================
// CONTRACT
// =============================================================================

// Input is what a step sees. State is the run's state; steps must treat
// it as read-only and return changes in Output.Delta.
type Input struct {
	RunID string
	Node  string
	State map[string]any
	// Model is the model resolved for the node, nil when none is configured.
	Model model.Model
	// Hint is set while the run's budget is in degraded mode.
	Hint *budget.DegradationHint
}

// Usage is the token and cost accounting for one step invocation.
type Usage struct {
	TokensIn  int     `json:"tokens_in"`
	TokensOut int     `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.TokensIn += u2.TokensIn
	u.TokensOut += u2.TokensOut
	u.CostUSD += u2.CostUSD
}

// Output is a step's result.
type Output struct {
	Delta       map[string]any
	Usage       Usage
	ReviewFlags []string
}

// Agent is one pipeline step. Implementations must tolerate being retried.
type Agent interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// Func adapts a function into an Agent.
type Func func(ctx context.Context, in Input) (Output, error)

// Run calls f.
func (f Func) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// =============================================================================
// ERRORS
// =============================================================================

// ValidationError reports step output that failed schema or business
// validation. The orchestrator treats it like any other node failure.
type ValidationError struct {
	Agent    string
	Problems []string
	Err      error
}

func (e *ValidationError) Error() string {
	msg := "output validation failed"
	if e.Agent != "" {
		msg = e.Agent + ": " + msg
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps agent names used in graph definitions to implementations.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds or replaces an agent.
func (r *Registry) Register(name string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = a
}

// Get returns the named agent.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agent %q is not registered", name)
	}
	return a, nil
}

// Names returns registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
