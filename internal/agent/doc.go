// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package agent defines the step contract the orchestrator invokes for each
// graph node, plus the building blocks for model-backed steps.
//
// # Key Types
//
//   - Agent: Run(ctx, Input) -> Output
//   - Func: adapts a function into an Agent
//   - Registry: agent lookup by the name a graph node references
//   - RepairLoop: bounded "ask the model to fix its output" state machine
//   - Schema: compiled JSON Schema for model output
//   - LLMAgent: prompt template -> model -> validated JSON delta
//   - ValidationError: output failed schema or business rules
//
// # Repair Loop States
//
//	Attempting -> Succeeded
//	Attempting -> AwaitingRepair -> Attempting
//	Attempting -> Exhausted
package agent
