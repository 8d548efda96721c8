// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// =============================================================================
// REPAIR STATE
// =============================================================================

// RepairState is the state of a RepairLoop run.
type RepairState string

const (
	// StateAttempting means a model call is in flight
	StateAttempting RepairState = "Attempting"

	// StateAwaitingRepair means the last reply failed and a corrective re-ask is pending
	StateAwaitingRepair RepairState = "AwaitingRepair"

	// StateSucceeded means a reply passed validation
	StateSucceeded RepairState = "Succeeded"

	// StateExhausted means attempts ran out or a non-retryable error occurred
	StateExhausted RepairState = "Exhausted"
)

// isValidTransition enforces the repair state machine.
func isValidTransition(from, to RepairState) bool {
	switch from {
	case StateAttempting:
		return to == StateSucceeded || to == StateAwaitingRepair || to == StateExhausted
	case StateAwaitingRepair:
		return to == StateAttempting
	default:
		// Succeeded and Exhausted are terminal
		return false
	}
}

// =============================================================================
// REPAIR LOOP
// =============================================================================

// Validator checks a model reply. A non-nil error is fed back to the model.
type Validator func(text string) error

// RepairLoop re-asks a model with its own validation error until the reply
// validates or MaxRepairs corrective re-asks have been spent.
type RepairLoop struct {
	// MaxRepairs is the number of re-asks after the first attempt.
	MaxRepairs int
	// CallTimeout bounds each model call. Zero means no per-call bound.
	CallTimeout time.Duration
}

// RepairResult reports how a loop ended.
type RepairResult struct {
	Text     string
	Usage    Usage
	Attempts int
	State    RepairState
	// History lists every state entered, starting with Attempting.
	History []RepairState
}

type repairRun struct {
	result RepairResult
}

func (r *repairRun) transition(to RepairState) {
	from := r.result.State
	if from != "" && !isValidTransition(from, to) {
		panic(fmt.Sprintf("agent: invalid repair transition %s -> %s", from, to))
	}
	r.result.State = to
	r.result.History = append(r.result.History, to)
}

// Run drives the loop. Retryable model errors consume an attempt and are
// retried with the same prompt; non-retryable errors end the loop at once.
// A call that runs past CallTimeout also ends the loop: a timed-out model is
// unavailable, not wrong. When attempts run out on invalid output the error
// is a *ValidationError.
func (l RepairLoop) Run(ctx context.Context, m model.Model, system, user string, validate Validator) (RepairResult, error) {
	run := &repairRun{}
	prompt := user

	for {
		run.transition(StateAttempting)
		run.result.Attempts++

		c, err := l.call(ctx, m, system, prompt)
		run.result.Usage.Add(Usage{TokensIn: c.TokensIn, TokensOut: c.TokensOut})

		switch {
		case err != nil:
			if !model.IsRetryable(err) || ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || run.result.Attempts > l.MaxRepairs {
				run.transition(StateExhausted)
				return run.result, err
			}
			run.transition(StateAwaitingRepair)

		default:
			verr := validate(c.Text)
			if verr == nil {
				run.result.Text = c.Text
				run.transition(StateSucceeded)
				return run.result, nil
			}
			if run.result.Attempts > l.MaxRepairs {
				run.transition(StateExhausted)
				return run.result, asValidationError(verr)
			}
			run.transition(StateAwaitingRepair)
			prompt = repairPrompt(user, c.Text, verr)
		}
	}
}

func (l RepairLoop) call(ctx context.Context, m model.Model, system, user string) (model.Completion, error) {
	if l.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.CallTimeout)
		defer cancel()
	}
	return model.Complete(ctx, m, system, user)
}

func asValidationError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Err: err}
}

func repairPrompt(user, reply string, verr error) string {
	return fmt.Sprintf("%s\n\nYour previous reply was rejected.\nPrevious reply:\n%s\n\nProblem: %v\n\nReply again with only the corrected JSON object.",
		user, reply, verr)
}
