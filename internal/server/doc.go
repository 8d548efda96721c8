// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the dispatcher and the graph orchestrator over a
// JSON HTTP API.
//
// Endpoints:
//   - POST   /v1/dispatch          - Dispatch free text; graph actions are queued
//   - POST   /v1/runs              - Run a graph by name or inline definition
//   - GET    /v1/runs              - Queued and checkpointed runs
//   - GET    /v1/runs/{id}         - Run status and result
//   - DELETE /v1/runs/{id}         - Cancel a queued or running run
//   - POST   /v1/runs/{id}/resume  - Resume a checkpointed run after a node
//   - GET    /v1/graphs            - Graphs in the graph directory
//   - GET    /v1/providers         - Provider registry
//   - GET    /v1/stats             - Provider, cap, telemetry and queue stats
//   - GET    /health               - Liveness (never requires auth)
//
// Runs are executed by a tasks.Runner so a request returns as soon as the
// run is queued. Set "wait": true to run within the request instead.
//
// # Middleware
//
// Requests pass through panic recovery, clue request logging, security
// headers, per-client rate limiting (golang.org/x/time/rate) and, when
// server.auth_token is set, bearer authentication.
//
// # Usage
//
//	srv := server.New(ctx, a, cfg.Server)
//	if err := srv.ListenAndServe(ctx); err != nil {
//	    return err
//	}
package server
