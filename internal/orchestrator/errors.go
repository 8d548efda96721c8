// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOnFailLoop is wrapped when a failure edge is taken too many times.
	ErrOnFailLoop = errors.New("on_fail loop limit exceeded")

	// ErrNoCheckpointStore is returned by ResumeFrom without a store.
	ErrNoCheckpointStore = errors.New("no checkpoint store configured")
)

// NodeError is a node failure that ended the run.
type NodeError struct {
	RunID   string
	Node    string
	Agent   string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (agent %s) failed on attempt %d: %v", e.Node, e.Agent, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

// MissingStateError reports declared inputs absent from run state. It
// fails the run without retries.
type MissingStateError struct {
	Node string
	Keys []string
}

func (e *MissingStateError) Error() string {
	return fmt.Sprintf("node %s: missing state keys: %s", e.Node, strings.Join(e.Keys, ", "))
}
