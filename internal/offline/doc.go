// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package offline gates providers for air-gapped operation.
//
// With offline set in the configuration, only providers reachable on a
// loopback address are registered available: hosted APIs are blocked and
// self-hosted endpoints must resolve to localhost. Endpoint schemes are
// checked in every mode.
//
// # Usage
//
//	if err := offline.CheckProvider(p.Kind == config.KindOllama, p.BaseURL, cfg.Offline); err != nil {
//		// register the provider unavailable
//	}
package offline
