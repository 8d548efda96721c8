// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for swarm.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, validation and live reload.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - LocalTierConfig: Ollama-served Tier 1 and Tier 2 models
//   - FrontierConfig: Tier 3 selection and the daily call cap
//   - ProviderConfig: One provider registry entry and its adapter
//   - Watcher: fsnotify-based reload with subscribers
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (SWARM_*)
//   - ~/.swarm/config.toml
//   - ~/.swarm/config.json
//   - Built-in defaults
//
// SWARM_HOME replaces ~/.swarm.
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//
// Reload on change:
//
//	w, err := config.NewWatcher(path, config.WithGlobalUpdate())
//	w.Subscribe(func(cfg *config.Config) { d.UpdateConfig(app.DispatchConfig(cfg)) })
//	go w.Run(ctx)
package config
