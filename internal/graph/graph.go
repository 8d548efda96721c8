// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/budget"
	"github.com/bonjohen/ai-swarm-sub000/internal/provider"
	"github.com/bonjohen/ai-swarm-sub000/internal/router"
)

// ErrInvalidGraph matches every *GraphError.
var ErrInvalidGraph = errors.New("invalid graph")

// Retry is a node's retry policy.
type Retry struct {
	// MaxAttempts counts the first attempt. Zero means 1.
	MaxAttempts    int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BackoffSeconds float64 `json:"backoff_seconds,omitempty" yaml:"backoff_seconds,omitempty"`
}

// Node is one step of a graph.
type Node struct {
	Name    string             `json:"name" yaml:"name"`
	Agent   string             `json:"agent" yaml:"agent"`
	Inputs  []string           `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs []string           `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Next    string             `json:"next,omitempty" yaml:"next,omitempty"`
	OnFail  string             `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	Retry   Retry              `json:"retry,omitempty" yaml:"retry,omitempty"`
	Budget  *budget.NodeBudget `json:"budget,omitempty" yaml:"budget,omitempty"`
	Policy  *router.Policy     `json:"policy,omitempty" yaml:"policy,omitempty"`
	End     bool               `json:"end,omitempty" yaml:"end,omitempty"`
}

// MaxAttempts returns the effective attempt limit.
func (n *Node) MaxAttempts() int {
	if n.Retry.MaxAttempts < 1 {
		return 1
	}
	return n.Retry.MaxAttempts
}

// Backoff returns the fixed sleep between attempts.
func (n *Node) Backoff() time.Duration {
	return time.Duration(n.Retry.BackoffSeconds * float64(time.Second))
}

// Graph is a validated-or-not pipeline definition.
type Graph struct {
	ID          string           `json:"id" yaml:"id"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Entry       string           `json:"entry" yaml:"entry"`
	Nodes       map[string]*Node `json:"-" yaml:"-"`

	// order keeps declaration order for listings.
	order []string
	dups  []string
}

// New builds a graph from nodes in declaration order. Duplicate names keep
// the first node and are reported by Validate.
func New(id, entry string, nodes ...*Node) *Graph {
	g := &Graph{ID: id, Entry: entry, Nodes: make(map[string]*Node, len(nodes))}
	for _, n := range nodes {
		g.add(n)
	}
	return g
}

func (g *Graph) add(n *Node) {
	if _, dup := g.Nodes[n.Name]; dup {
		g.dups = append(g.dups, n.Name)
		return
	}
	g.order = append(g.order, n.Name)
	g.Nodes[n.Name] = n
}

// Node returns the named node.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// NodeList returns nodes in declaration order, or by name when the graph
// was built as a literal.
func (g *Graph) NodeList() []*Node {
	names := g.order
	if len(names) != len(g.Nodes) {
		names = make([]string, 0, len(g.Nodes))
		for name := range g.Nodes {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	out := make([]*Node, 0, len(names))
	for _, name := range names {
		out = append(out, g.Nodes[name])
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// GraphError lists every structural problem found in a graph.
type GraphError struct {
	GraphID  string
	Problems []string
}

func (e *GraphError) Error() string {
	id := e.GraphID
	if id == "" {
		id = "(unnamed)"
	}
	return fmt.Sprintf("graph %s: %s", id, strings.Join(e.Problems, "; "))
}

// Is matches ErrInvalidGraph.
func (e *GraphError) Is(target error) bool {
	return target == ErrInvalidGraph
}

// Validate checks references, the next chain and node settings. It returns
// a *GraphError listing every problem, or nil.
func (g *Graph) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if g.ID == "" {
		add("id is required")
	}
	if len(g.Nodes) == 0 {
		add("no nodes")
	}
	for _, name := range g.dups {
		add("duplicate node %q", name)
	}
	if g.Entry == "" {
		add("entry is required")
	} else if _, ok := g.Nodes[g.Entry]; !ok {
		add("entry %q does not exist", g.Entry)
	}

	for _, n := range g.NodeList() {
		if n.Name == "" {
			add("node without a name")
		}
		if n.Agent == "" {
			add("node %q: agent is required", n.Name)
		}
		if n.Next != "" {
			if _, ok := g.Nodes[n.Next]; !ok {
				add("node %q: next %q does not exist", n.Name, n.Next)
			}
		}
		if n.OnFail != "" {
			if _, ok := g.Nodes[n.OnFail]; !ok {
				add("node %q: on_fail %q does not exist", n.Name, n.OnFail)
			}
		}
		if n.End && n.Next != "" {
			add("node %q: end node cannot have next", n.Name)
		}
		if !n.End && n.Next == "" {
			add("node %q: neither end nor next", n.Name)
		}
		if n.Retry.MaxAttempts < 0 || n.Retry.BackoffSeconds < 0 {
			add("node %q: retry values must not be negative", n.Name)
		}
		if n.Policy != nil {
			for _, s := range []provider.Strategy{n.Policy.Strategy, n.Policy.EscalationStrategy} {
				if s == "" {
					continue
				}
				if err := s.Validate(); err != nil {
					add("node %q: %v", n.Name, err)
				}
			}
		}
	}

	// Next chains must be acyclic from every node; on_fail is the only loop.
	if len(problems) == 0 {
		for _, n := range g.NodeList() {
			if cycle := g.nextCycle(n.Name); cycle != "" {
				add("next chain from %q loops: %s", n.Name, cycle)
				break
			}
		}
	}

	if len(problems) > 0 {
		return &GraphError{GraphID: g.ID, Problems: problems}
	}
	return nil
}

func (g *Graph) nextCycle(start string) string {
	seen := map[string]bool{}
	path := []string{}
	for cur := start; cur != ""; {
		if seen[cur] {
			return strings.Join(append(path, cur), " -> ")
		}
		seen[cur] = true
		path = append(path, cur)
		n, ok := g.Nodes[cur]
		if !ok || n.End {
			return ""
		}
		cur = n.Next
	}
	return ""
}
