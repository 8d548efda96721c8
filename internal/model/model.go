// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"strings"
)

// Model is an inference backend. Local and remote providers are variants
// of this one capability.
type Model interface {
	Name() string
	Call(ctx context.Context, system, user string) (string, error)
}

// Completion is a model reply with its token accounting.
type Completion struct {
	Text      string
	TokensIn  int
	TokensOut int
	// Estimated is set when token counts were derived from text length.
	Estimated bool
}

// Completer is implemented by adapters whose transport reports usage.
type Completer interface {
	Complete(ctx context.Context, system, user string) (Completion, error)
}

// Pinger is implemented by adapters that can probe their backend cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Complete calls m and returns usage, estimating tokens when m does not
// implement Completer.
func Complete(ctx context.Context, m Model, system, user string) (Completion, error) {
	if c, ok := m.(Completer); ok {
		return c.Complete(ctx, system, user)
	}
	text, err := m.Call(ctx, system, user)
	if err != nil {
		return Completion{}, err
	}
	return Completion{
		Text:      text,
		TokensIn:  EstimateTokens(system) + EstimateTokens(user),
		TokensOut: EstimateTokens(text),
		Estimated: true,
	}, nil
}

// EstimateTokens blends word and character counts (~4 chars per token).
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	chars := len(text)
	return (words + chars/4) / 2
}

// =============================================================================
// FUNC ADAPTER
// =============================================================================

// Func adapts a function into a Model.
type Func struct {
	ID string
	Fn func(ctx context.Context, system, user string) (string, error)
}

// Name returns the adapter name.
func (f Func) Name() string { return f.ID }

// Call invokes the wrapped function.
func (f Func) Call(ctx context.Context, system, user string) (string, error) {
	return f.Fn(ctx, system, user)
}

// Static returns a Model that always replies with text.
func Static(name, text string) Model {
	return Func{ID: name, Fn: func(context.Context, string, string) (string, error) {
		return text, nil
	}}
}
