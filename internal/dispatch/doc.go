// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch resolves one request to an action by escalating through
// inference tiers, cheapest first.
//
// # Tiers
//
//   - Sanitize: length limit and prompt-injection signatures, no model call
//   - Tier 0: deterministic command patterns (internal/commands)
//   - Tier 1: small classifier model, JSON output checked against a schema
//   - Tier 2: larger reasoning model given the Tier 1 context
//   - Tier 3: frontier provider pool from the provider registry
//
// A request nothing can resolve ends at tier -1 with action
// "needs_escalation". That is a result, not an error.
//
// Each model tier has its own concurrency limit and per-call timeout. A
// tier whose semaphore cannot be acquired in time, or whose call times
// out, is treated as unavailable and the request moves up.
//
// # Usage
//
//	d := dispatch.New(dispatch.DefaultConfig(),
//	    dispatch.WithCommands(commands.NewRegistry(commands.Options{})),
//	    dispatch.WithTier1(classifier),
//	    dispatch.WithProviders(registry),
//	)
//	res, err := d.Dispatch(ctx, "/cert az-104")
package dispatch
