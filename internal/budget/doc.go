// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package budget tracks token, cost and wall-clock consumption for a single
// pipeline run.
//
// A Ledger is created once per run and owned by that run's orchestrator, so
// it carries no locking. Hard caps are enforced by Check, which returns an
// *ExceededError naming the violated scope. Soft degradation is advisory:
// once usage crosses DegradeAtFraction of any active cap, Hint returns a
// DegradationHint that steps may consult to shrink their work.
//
// # Usage
//
//	ledger := budget.NewLedger(budget.Limits{MaxTokens: 50000, MaxCostUSD: 1.50})
//	if err := ledger.Check(node.Name, node.Budget); err != nil {
//	    return err // *budget.ExceededError
//	}
//	ledger.Record(in, out, cost, node.Name)
package budget
