// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package budget

import (
	"errors"
	"fmt"
)

// Scope names reported by ExceededError.
const (
	ScopeTokens      = "tokens"
	ScopeCostUSD     = "cost_usd"
	ScopeWallSeconds = "wall_seconds"
	ScopeNodeTokens  = "node_tokens"
	ScopeNodeCost    = "node_cost"
)

// ErrExceeded matches any *ExceededError with errors.Is.
var ErrExceeded = errors.New("budget exceeded")

// ExceededError reports a hard cap that has been met or passed.
type ExceededError struct {
	Scope   string
	Limit   float64
	Current float64
	Node    string
}

func (e *ExceededError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("budget exceeded: %s for node %q (current %g, limit %g)", e.Scope, e.Node, e.Current, e.Limit)
	}
	return fmt.Sprintf("budget exceeded: %s (current %g, limit %g)", e.Scope, e.Current, e.Limit)
}

// Is lets errors.Is(err, ErrExceeded) match.
func (e *ExceededError) Is(target error) bool {
	return target == ErrExceeded
}
