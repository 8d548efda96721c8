// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

// DefaultCertGraph is the graph id the /cert command runs.
const DefaultCertGraph = "cert-graph"

// Options configures the built-in commands.
type Options struct {
	// CertGraph is the target of /cert. Defaults to DefaultCertGraph.
	CertGraph string
}

// NewRegistry creates a registry with the built-in commands.
func NewRegistry(opts Options) *Registry {
	if opts.CertGraph == "" {
		opts.CertGraph = DefaultCertGraph
	}
	r := NewEmptyRegistry()
	for _, cmd := range builtins(opts) {
		// Built-in patterns are static and always compile.
		if err := r.Register(cmd); err != nil {
			panic(err)
		}
	}
	return r
}

func builtins(opts Options) []*Command {
	return []*Command{
		{
			Name:        "/status",
			Aliases:     []string{"/st"},
			Description: "Show dispatcher and provider status",
			Action:      ActionStatus,
			Category:    "System",
		},
		{
			Name:        "/help",
			Aliases:     []string{"/h", "/?"},
			Description: "List available commands",
			Action:      ActionHelp,
			Category:    "System",
		},
		{
			Name:        "/providers",
			Description: "List registered providers and availability",
			Action:      ActionListProviders,
			Category:    "System",
		},
		{
			Name:        "/cert",
			Description: "Generate certification study content",
			Action:      ActionExecuteGraph,
			Target:      opts.CertGraph,
			Args:        []ArgDef{{Name: "cert_id", Required: true}},
			Category:    "Pipelines",
		},
		{
			Name:        "/run",
			Description: "Run a registered graph",
			Action:      ActionExecuteGraph,
			TargetArg:   "graph",
			Args:        []ArgDef{{Name: "graph", Required: true}, {Name: "input", Rest: true}},
			Category:    "Pipelines",
		},
		{
			Name:        "/resume",
			Description: "Resume a checkpointed run after a node",
			Action:      ActionResumeRun,
			Args:        []ArgDef{{Name: "run_id", Required: true}, {Name: "node", Required: true}},
			Category:    "Pipelines",
		},
	}
}
