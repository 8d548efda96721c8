// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bonjohen/ai-swarm-sub000/internal/config"
	"github.com/bonjohen/ai-swarm-sub000/internal/graph"
	"github.com/bonjohen/ai-swarm-sub000/internal/orchestrator"
)

// ErrGraphNotFound is returned when a graph reference names no file.
var ErrGraphNotFound = errors.New("graph not found")

// graphExts are tried in order for bare graph names.
var graphExts = []string{".yaml", ".yml", ".json", ".hcl"}

// GraphDir returns the directory searched for bare graph names.
func (a *App) GraphDir() (string, error) {
	if dir := a.Config().Orchestrator.GraphDir; dir != "" {
		return dir, nil
	}
	base, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "graphs"), nil
}

// ResolveGraph loads a graph from a file path or, for a bare name, from
// the graph directory. vars are passed to HCL graphs.
func (a *App) ResolveGraph(ref string, vars map[string]string) (*graph.Graph, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrGraphNotFound)
	}
	if strings.ContainsRune(ref, os.PathSeparator) || strings.ContainsRune(ref, '/') || filepath.Ext(ref) != "" {
		if _, err := os.Stat(ref); err == nil {
			return graph.Load(ref, vars)
		}
	}
	// SECURITY: Bare names must not escape the graph directory.
	if filepath.Base(ref) != ref || ref == "." || ref == ".." {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, ref)
	}
	dir, err := a.GraphDir()
	if err != nil {
		return nil, err
	}
	for _, ext := range graphExts {
		path := filepath.Join(dir, ref+ext)
		if _, err := os.Stat(path); err == nil {
			return graph.Load(path, vars)
		}
	}
	return nil, fmt.Errorf("%w: %s (searched %s)", ErrGraphNotFound, ref, dir)
}

// ListGraphs returns the graph names available in the graph directory.
func (a *App) ListGraphs() ([]string, error) {
	dir, err := a.GraphDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	seen := make(map[string]bool)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		for _, known := range graphExts {
			if strings.EqualFold(ext, known) {
				name := strings.TrimSuffix(e.Name(), ext)
				if !seen[name] {
					seen[name] = true
					names = append(names, name)
				}
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Run executes g from its entry.
func (a *App) Run(ctx context.Context, g *graph.Graph, state orchestrator.State, opts ...orchestrator.RunOption) (*orchestrator.Result, error) {
	return a.Orchestrator.Execute(ctx, g, state, opts...)
}

// Resume continues runID after node. An empty graphRef resolves the graph
// recorded in the checkpoint. A nil Result means the run never started.
func (a *App) Resume(ctx context.Context, graphRef, runID, node string, opts ...orchestrator.RunOption) (*orchestrator.Result, error) {
	if graphRef == "" {
		cp, err := a.Store.Load(ctx, runID, node)
		if err != nil {
			return nil, fmt.Errorf("resume %s: %w", runID, err)
		}
		graphRef = cp.GraphID
	}
	g, err := a.ResolveGraph(graphRef, nil)
	if err != nil {
		return nil, err
	}
	return a.Orchestrator.ResumeFrom(ctx, g, runID, node, opts...)
}
