// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the swarm packages.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - AtomicWriteJSON: indent-encode a value and write it atomically
//
// Model Output:
//   - ExtractJSONObject: pull the first JSON object out of free model text
//   - TruncateRunes: UTF-8 safe truncation for logs and events
//
// # Usage
//
//	raw, err := util.ExtractJSONObject(reply)
//	err = util.AtomicWriteJSON(path, checkpoint, 0600)
package util
