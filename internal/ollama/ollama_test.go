// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second})
}

// =============================================================================
// CHAT TESTS
// =============================================================================

func TestModel_Complete(t *testing.T) {
	var got ChatRequest
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		json.NewEncoder(w).Encode(ChatResponse{
			Model:           got.Model,
			Message:         Message{Role: "assistant", Content: `{"intent":"status"}`},
			Done:            true,
			PromptEvalCount: 42,
			EvalCount:       7,
		})
	})

	m := NewModel(client, ModelConfig{Name: "tier1", Model: "qwen2.5:1.5b", JSON: true, MaxTokens: 64, ContextSize: 2048})
	c, err := m.Complete(context.Background(), "classify", "/status please")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if c.Text != `{"intent":"status"}` || c.TokensIn != 42 || c.TokensOut != 7 || c.Estimated {
		t.Errorf("completion = %+v", c)
	}
	if m.Name() != "tier1" {
		t.Errorf("Name() = %q", m.Name())
	}
	if got.Stream || got.Format != "json" || got.Model != "qwen2.5:1.5b" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "/status please" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Options == nil || got.Options.NumPredict != 64 || got.Options.NumCtx != 2048 {
		t.Errorf("options = %+v", got.Options)
	}
}

func TestModel_EstimatesMissingUsage(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ChatResponse{Message: Message{Content: "a reasonably long reply text"}, Done: true})
	})
	c, err := NewModel(client, ModelConfig{Model: "m"}).Complete(context.Background(), "", "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if !c.Estimated || c.TokensOut == 0 {
		t.Errorf("expected estimated usage, got %+v", c)
	}
}

func TestClient_ChatErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		notFound  bool
		message   string
	}{
		{"model missing", http.StatusNotFound, `{"error":"model 'x' not found"}`, false, true, "model 'x' not found"},
		{"overloaded", http.StatusServiceUnavailable, `{"error":"server busy"}`, true, false, "server busy"},
		{"bad request", http.StatusBadRequest, `not json`, false, false, "chat request failed: 400 Bad Request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := client.Chat(context.Background(), ChatRequest{Model: "x"})
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Retryable != tt.retryable || apiErr.Message != tt.message {
				t.Errorf("apiErr = %+v", apiErr)
			}
			if errors.Is(err, ErrModelNotFound) != tt.notFound {
				t.Errorf("ErrModelNotFound match = %v", !tt.notFound)
			}
		})
	}
}

func TestClient_ConnectionRefusedIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := NewClient(ClientConfig{BaseURL: url, Timeout: time.Second})
	err := client.CheckRunning(context.Background())
	if !model.IsRetryable(err) {
		t.Errorf("connection refused should be retryable: %v", err)
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 0 {
		t.Errorf("expected transport APIError, got %v", err)
	}
}

func TestClient_MalformedResponse(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})
	_, err := client.Chat(context.Background(), ChatRequest{Model: "m"})
	if err == nil || model.IsRetryable(err) {
		t.Errorf("malformed response should be a non-retryable error, got %v", err)
	}
}

// =============================================================================
// PING TESTS
// =============================================================================

func TestModel_Ping(t *testing.T) {
	client := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(ListModelsResponse{Models: []ModelInfo{{Name: "qwen2.5:14b"}, {Name: "phi3:mini"}}})
	})

	if err := NewModel(client, ModelConfig{Model: "qwen2.5:14b"}).Ping(context.Background()); err != nil {
		t.Errorf("exact tag: %v", err)
	}
	if err := NewModel(client, ModelConfig{Model: "phi3"}).Ping(context.Background()); err != nil {
		t.Errorf("untagged name: %v", err)
	}
	err := NewModel(client, ModelConfig{Model: "llama3"}).Ping(context.Background())
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}
