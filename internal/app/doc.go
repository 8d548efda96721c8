// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package app assembles swarm from its configuration.
//
// New builds the provider registry and adapters, the router, the tiered
// dispatcher, the agent catalog, the checkpoint store and the telemetry
// sinks. The CLI and the HTTP server both drive an *App.
//
// # Key Types
//
//   - App: the assembled components plus graph resolution and Handle
//   - Reply: a dispatch result and the action it triggered
//   - Status: provider availability, the daily cap and the telemetry summary
//
// # Usage
//
//	cfg, _ := config.Load()
//	a, err := app.New(ctx, cfg)
//	defer a.Close()
//	reply, err := a.Handle(ctx, "/cert aws-saa")
//
// Configuration reloads go through Apply, usually from a config.Watcher
// subscriber.
package app
