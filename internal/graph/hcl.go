// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
)

// hclFile is the top-level shape of an HCL graph.
type hclFile struct {
	ID          string     `hcl:"id"`
	Description string     `hcl:"description,optional"`
	Entry       string     `hcl:"entry"`
	Nodes       []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Name    string     `hcl:"name,label"`
	Agent   string     `hcl:"agent"`
	Inputs  []string   `hcl:"inputs,optional"`
	Outputs []string   `hcl:"outputs,optional"`
	Next    string     `hcl:"next,optional"`
	OnFail  string     `hcl:"on_fail,optional"`
	End     bool       `hcl:"end,optional"`
	Retry   *hclRetry  `hcl:"retry,block"`
	Budget  *hclBudget `hcl:"budget,block"`
	Policy  *hclPolicy `hcl:"policy,block"`
}

type hclRetry struct {
	MaxAttempts    int     `hcl:"max_attempts,optional"`
	BackoffSeconds float64 `hcl:"backoff_seconds,optional"`
}

type hclBudget struct {
	MaxTokens  int     `hcl:"max_tokens,optional"`
	MaxCostUSD float64 `hcl:"max_cost_usd,optional"`
}

type hclPolicy struct {
	Model              string         `hcl:"model,optional"`
	Strategy           string         `hcl:"strategy,optional"`
	EscalationStrategy string         `hcl:"escalation_strategy,optional"`
	NoEscalate         bool           `hcl:"no_escalate,optional"`
	LocalOnly          bool           `hcl:"local_only,optional"`
	MinQuality         float64        `hcl:"min_quality,optional"`
	MaxCostPer1K       float64        `hcl:"max_cost_per_1k,optional"`
	MinContext         int            `hcl:"min_context,optional"`
	PreferredTags      []string       `hcl:"preferred_tags,optional"`
	Escalation         *hclEscalation `hcl:"escalation,block"`
}

type hclEscalation struct {
	MinConfidence                float64 `hcl:"min_confidence,optional"`
	MaxMissingCitations          int     `hcl:"max_missing_citations,optional"`
	MaxContradictionAmbiguity    float64 `hcl:"max_contradiction_ambiguity,optional"`
	SynthesisComplexityThreshold float64 `hcl:"synthesis_complexity_threshold,optional"`
}

// ParseHCL decodes an HCL graph without validating it.
func ParseHCL(filename string, src []byte, vars map[string]string) (*Graph, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse HCL: %w", diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, evalContext(vars), &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("decode HCL: %w", diags)
	}

	nodes := make([]*Node, 0, len(parsed.Nodes))
	for _, hn := range parsed.Nodes {
		nodes = append(nodes, hn.node())
	}
	g := New(parsed.ID, parsed.Entry, nodes...)
	g.Description = parsed.Description
	return g, nil
}

func evalContext(vars map[string]string) *hcl.EvalContext {
	vals := make(map[string]cty.Value, len(vars))
	for k, v := range vars {
		vals[k] = cty.StringVal(v)
	}
	varObj := cty.EmptyObjectVal
	if len(vals) > 0 {
		varObj = cty.ObjectVal(vals)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": varObj},
	}
}

func (hn *hclNode) node() *Node {
	n := &Node{
		Name:    hn.Name,
		Agent:   hn.Agent,
		Inputs:  hn.Inputs,
		Outputs: hn.Outputs,
		Next:    hn.Next,
		OnFail:  hn.OnFail,
		End:     hn.End,
	}
	if hn.Retry != nil {
		n.Retry = Retry{MaxAttempts: hn.Retry.MaxAttempts, BackoffSeconds: hn.Retry.BackoffSeconds}
	}
	if hn.Budget != nil {
		n.Budget = &budget.NodeBudget{MaxTokens: hn.Budget.MaxTokens, MaxCostUSD: hn.Budget.MaxCostUSD}
	}
	if p := hn.Policy; p != nil {
		n.Policy = &router.Policy{
			Model:              p.Model,
			Strategy:           provider.Strategy(p.Strategy),
			EscalationStrategy: provider.Strategy(p.EscalationStrategy),
			NoEscalate:         p.NoEscalate,
			LocalOnly:          p.LocalOnly,
			Requirements: provider.Requirements{
				MinQuality:    p.MinQuality,
				MaxCostPer1K:  p.MaxCostPer1K,
				MinContext:    p.MinContext,
				PreferredTags: p.PreferredTags,
			},
		}
		if e := p.Escalation; e != nil {
			n.Policy.Escalation = &router.EscalationCriteria{
				MinConfidence:                e.MinConfidence,
				MaxMissingCitations:          e.MaxMissingCitations,
				MaxContradictionAmbiguity:    e.MaxContradictionAmbiguity,
				SynthesisComplexityThreshold: e.SynthesisComplexityThreshold,
			}
		}
	}
	return n
}
