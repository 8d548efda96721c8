// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

func newTestModel(t *testing.T, handler http.HandlerFunc) *Model {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	m, err := NewFromAPIKey(ClientOptions{APIKey: "sk-test", BaseURL: srv.URL + "/"},
		Config{Name: "gpt", Model: "gpt-4o-mini", MaxTokens: 128})
	require.NoError(t, err)
	return m
}

func TestComplete(t *testing.T) {
	var body map[string]any
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"message":{"role":"assistant","content":"done"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":11,"completion_tokens":3,"total_tokens":14}}`))
	})

	c, err := m.Complete(context.Background(), "sys", "hello")
	require.NoError(t, err)
	assert.Equal(t, "done", c.Text)
	assert.Equal(t, 11, c.TokensIn)
	assert.Equal(t, 3, c.TokensOut)

	assert.Equal(t, "gpt-4o-mini", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestComplete_EstimatesMissingUsage(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"a longer reply"},"finish_reason":"stop"}]}`))
	})
	c, err := m.Complete(context.Background(), "", "hello there")
	require.NoError(t, err)
	assert.True(t, c.Estimated)
	assert.Positive(t, c.TokensIn)
	assert.Positive(t, c.TokensOut)
}

func TestComplete_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusForbidden, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"message":"denied","type":"x","code":"y"}}`))
			})
			_, err := m.Complete(context.Background(), "", "hello")
			var apiErr *model.APIError
			require.True(t, errors.As(err, &apiErr), "got %v", err)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.retryable, apiErr.Retryable)
		})
	}
}

func TestComplete_NoChoicesIsMalformed(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[]}`))
	})
	_, err := m.Complete(context.Background(), "", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed response")
}

func TestPing(t *testing.T) {
	m := newTestModel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/models/gpt-4o-mini"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"gpt-4o-mini","object":"model","created":1,"owned_by":"openai"}`))
	})
	assert.NoError(t, m.Ping(context.Background()))
}
