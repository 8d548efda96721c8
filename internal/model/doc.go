// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model defines the one shape every inference backend presents to
// the dispatcher, the router and pipeline steps.
//
// # Key Types
//
//   - Model: Name plus Call(ctx, system, user) -> text
//   - Completer: optional richer call that reports token usage
//   - Pinger: optional health probe used by the provider health checker
//   - APIError: transport/protocol failure carrying a Retryable flag
//   - Func: adapts a plain function into a Model (tests, fixtures)
//   - RateLimited: token-bucket wrapper around any Model
//   - Info / Catalog: known model metadata used to fill provider defaults
//
// # Usage
//
//	m := model.NewRateLimited(ollamaModel, 2, 4)
//	c, err := model.Complete(ctx, m, system, user)
//	if model.IsRetryable(err) {
//	    // back off and try again
//	}
package model
