// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator drives a graph run from its entry node to an end
// node.
//
// For each node the orchestrator checks declared inputs, checks the run's
// budget ledger, resolves a model (through the router when the node has a
// policy), runs the node's agent and merges the returned delta into the
// run state. Failed attempts are retried with a fixed backoff; exhausted
// nodes follow on_fail when set. Every attempt emits one telemetry event,
// and every successful node is checkpointed when a store is configured.
//
// # Run States
//
//	running -> completed   (end node succeeded)
//	running -> failed      (no on_fail, on_fail loop limit, budget cap,
//	                        missing input, cancellation)
//
// # Usage
//
//	o := orchestrator.New(agents,
//	    orchestrator.WithRouter(rtr),
//	    orchestrator.WithCheckpoints(store),
//	    orchestrator.WithSink(sink),
//	)
//	res, err := o.Execute(ctx, g, orchestrator.State{"cert_id": "az-104"})
//	res, err = o.ResumeFrom(ctx, g, res.RunID, "draft")
package orchestrator
