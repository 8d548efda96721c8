// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands is the Tier 0 rule set: deterministic command patterns
// that resolve a request without calling any model.
//
// # Key Types
//
//   - Command: a named pattern with the action/target it resolves to
//   - ArgDef: a positional argument captured into Match.Args
//   - Registry: ordered command set; first match wins
//   - Match: the resolved action, target and arguments
//
// # Built-in Commands
//
//   - /status: report dispatcher and provider status
//   - /help: list commands
//   - /providers: list registered providers
//   - /cert <cert_id>: run the certification content graph
//   - /run <graph> [input]: run any registered graph
//   - /resume <run_id> <node>: resume a checkpointed run
//
// # Usage
//
//	reg := commands.NewRegistry(commands.Options{CertGraph: "cert-graph"})
//	if m, ok := reg.Match("/cert az-104"); ok {
//	    // m.Action == "execute_graph", m.Args["cert_id"] == "az-104"
//	}
package commands
