// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry defines the flat records emitted for every dispatch
// decision and every node attempt, and the sinks that consume them.
//
// The core never depends on whether or how records are stored; a Sink
// that drops everything (Nop) is always valid.
//
// # Key Types
//
//   - Decision: one dispatcher routing decision
//   - NodeEvent: one orchestrator node attempt
//   - Sink: RecordDecision / RecordNodeEvent
//   - MemorySink: in-process history with Summary statistics
//   - LogSink: one structured log line per record
//   - Archive: day-partitioned JSONL files on disk
//   - MultiSink: fan-out to several sinks
//
// # Usage
//
//	mem := telemetry.NewMemorySink(1000)
//	sink := telemetry.MultiSink{mem, telemetry.LogSink{}}
//	sink.RecordDecision(ctx, telemetry.Decision{Tier: 0, Action: "status"})
//	fmt.Printf("escalation rate: %.2f\n", mem.Summary().EscalationRate)
//
// # Privacy
//
// Decision records keep at most the first 100 characters of the input.
package telemetry
