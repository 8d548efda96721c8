// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited wraps a Model with a token bucket so a provider is never
// called faster than its configured rate.
type RateLimited struct {
	inner   Model
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond calls with the given burst.
// A non-positive perSecond disables limiting.
func NewRateLimited(inner Model, perSecond float64, burst int) *RateLimited {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// Name returns the wrapped model's name.
func (r *RateLimited) Name() string { return r.inner.Name() }

// Call waits for a token and forwards the call.
func (r *RateLimited) Call(ctx context.Context, system, user string) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", &APIError{Provider: r.inner.Name(), Message: "rate limit wait", Retryable: true, Err: err}
	}
	return r.inner.Call(ctx, system, user)
}

// Complete waits for a token and forwards with usage.
func (r *RateLimited) Complete(ctx context.Context, system, user string) (Completion, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Completion{}, &APIError{Provider: r.inner.Name(), Message: "rate limit wait", Retryable: true, Err: err}
	}
	return Complete(ctx, r.inner, system, user)
}

// Ping forwards to the wrapped model when it supports probing.
func (r *RateLimited) Ping(ctx context.Context) error {
	if p, ok := r.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Unwrap returns the wrapped model.
func (r *RateLimited) Unwrap() Model { return r.inner }
