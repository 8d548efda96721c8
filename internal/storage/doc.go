// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists run checkpoints and telemetry records.
//
// A checkpoint is the full run state saved after a node succeeds, keyed by
// run id and node name. Resuming a run loads the checkpoint of the last
// completed node and continues with its successor.
//
// # Key Types
//
//   - CheckpointStore: Save / Load / Latest / Runs / DeleteRun
//   - MemoryStore: in-process, for tests and one-shot CLI runs
//   - FileStore: one JSON file per checkpoint under ~/.swarm/checkpoints
//   - SQLiteStore: checkpoints plus decision and node-event tables; also
//     a telemetry.Sink
//
// # Usage
//
//	store, err := storage.NewFileStore(dir)
//	err = store.Save(ctx, storage.Checkpoint{RunID: id, Node: "draft", State: state})
//	cp, err := store.Load(ctx, id, "draft")
//
// # State Encoding
//
// Every backend round-trips state through JSON, so numbers come back as
// float64 and values must be JSON-serializable. Save rejects state that
// is not.
package storage
