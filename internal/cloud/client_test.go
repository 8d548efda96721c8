// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

const okBody = `{
	"id": "gen-1",
	"model": "anthropic/claude-sonnet-4.5",
	"choices": [{"message": {"role": "assistant", "content": "{\"action\":\"respond\"}"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
}`

func testClient(t *testing.T, handler http.HandlerFunc) (*Client, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIKey:         "sk-or-test",
		BaseURL:        srv.URL,
		HTTPClient:     srv.Client(),
		RetryBaseDelay: time.Millisecond,
	})
	return c, &calls
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestModel_Complete(t *testing.T) {
	var got ChatRequest
	var auth string
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(okBody))
	})

	m := NewModel(client, ModelConfig{Name: "sonnet", Model: "anthropic/claude-sonnet-4.5", JSON: true, MaxTokens: 512})
	c, err := m.Complete(context.Background(), "you are tier 3", "hard question")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Text != `{"action":"respond"}` || c.TokensIn != 120 || c.TokensOut != 30 {
		t.Errorf("completion = %+v", c)
	}
	if auth != "Bearer sk-or-test" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Model != "anthropic/claude-sonnet-4.5" || got.MaxTokens != 512 || got.ResponseFormat == nil || len(got.Messages) != 2 {
		t.Errorf("request = %+v", got)
	}
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Chat(context.Background(), ChatRequest{Model: "m"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusServiceUnavailable || !apiErr.Retryable {
		t.Fatalf("expected retryable 503, got %v", err)
	}
	if calls.Load() != DefaultMaxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), DefaultMaxRetries)
	}
}

func TestClient_RecoversAfterRateLimit(t *testing.T) {
	var n atomic.Int32
	client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"slow down"}}`))
			return
		}
		w.Write([]byte(okBody))
	})
	resp, err := client.Chat(context.Background(), ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Usage.TotalTokens != 150 || calls.Load() != 2 {
		t.Errorf("usage=%d calls=%d", resp.Usage.TotalTokens, calls.Load())
	}
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		status    int
		body      string
		sentinel  error
		retryable bool
	}{
		{http.StatusUnauthorized, `{"error":{"code":401,"message":"bad key"}}`, ErrAuthFailed, false},
		{http.StatusPaymentRequired, `{"error":{"message":"no credits"}}`, ErrInsufficientCredits, false},
		{http.StatusNotFound, `not json`, ErrModelNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, calls := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Chat(context.Background(), ChatRequest{Model: "m"})
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v, got %v", tt.sentinel, err)
			}
			if model.IsRetryable(err) != tt.retryable {
				t.Errorf("retryable = %v", !tt.retryable)
			}
			if calls.Load() != 1 {
				t.Errorf("non-retryable errors must not retry, calls = %d", calls.Load())
			}
		})
	}
}

func TestClient_NotConfigured(t *testing.T) {
	c := NewClient(Config{})
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if c.APIKeyMasked() != "[not set]" {
		t.Errorf("masked = %q", c.APIKeyMasked())
	}
}

func TestClient_EmptyChoicesIsMalformed(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	})
	_, err := client.Chat(context.Background(), ChatRequest{Model: "m"})
	if err == nil || !strings.Contains(err.Error(), "malformed response") {
		t.Errorf("expected malformed response, got %v", err)
	}
}

func TestClient_APIKeyMasked(t *testing.T) {
	c := NewClient(Config{APIKey: "sk-or-secret-value"})
	masked := c.APIKeyMasked()
	if strings.Contains(masked, "secret") || !strings.Contains(masked, "length=18") {
		t.Errorf("masked = %q", masked)
	}
}

// TestModel_Concurrent verifies that one client serves many models at once.
func TestModel_Concurrent(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string]int)
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		seen[req.Model]++
		mu.Unlock()
		w.Write([]byte(okBody))
	})

	models := []*Model{
		NewModel(client, ModelConfig{Model: "a/one"}),
		NewModel(client, ModelConfig{Model: "b/two"}),
	}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(m *Model) {
			defer wg.Done()
			if _, err := m.Call(context.Background(), "", "hi"); err != nil {
				t.Error(err)
			}
		}(models[i%2])
	}
	wg.Wait()
	if seen["a/one"] != 10 || seen["b/two"] != 10 {
		t.Errorf("seen = %v", seen)
	}
}

func TestModel_Ping(t *testing.T) {
	client, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/key" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-or-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"data":{"label":"test"}}`))
	})
	if err := NewModel(client, ModelConfig{Model: "m"}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
