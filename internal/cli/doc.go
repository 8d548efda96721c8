// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the swarm command line.
//
// Every command loads the configuration (--config or ~/.swarm), builds an
// app.App and prints either text or, with --json, a JSON envelope:
//
//	{"success": true, "data": {...}, "error": null, "timestamp": "...", "command": "run"}
//
// Errors map to exit codes: usage errors exit 2, invalid configuration 3,
// a graph run that ends failed 4, unknown graphs or checkpoints 7.
//
// # Key Types
//
//   - CLI: output writers plus app options, runs one command line
//   - ArgParser: flags, repeated flags and positional arguments
//   - JSONResponse: the --json envelope
//
// # Usage
//
//	os.Exit(cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr))
package cli
