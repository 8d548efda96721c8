// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// ProviderName labels errors from this package.
const ProviderName = "ollama"

// DefaultBaseURL uses an explicit IPv4 address to avoid IPv6 resolution of localhost.
const DefaultBaseURL = "http://127.0.0.1:11434"

// ErrModelNotFound is wrapped when Ollama does not have the model pulled.
var ErrModelNotFound = errors.New("model not found")

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// ClientConfig holds configuration options for the Ollama client.
type ClientConfig struct {
	// BaseURL is the Ollama API base URL (default: http://127.0.0.1:11434)
	BaseURL string

	// Timeout bounds each request (default: 120s). Callers usually set a
	// tighter deadline on the context.
	Timeout time.Duration

	// HTTPClient replaces the default client, for tests.
	HTTPClient *http.Client
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the Ollama API. It is safe for
// concurrent use.
//
// Example:
//
//	client := ollama.NewClient(ollama.ClientConfig{})
//	if err := client.CheckRunning(ctx); err != nil {
//	    return err
//	}
//	resp, err := client.Chat(ctx, ollama.ChatRequest{Model: "qwen2.5:14b", Messages: msgs})
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an Ollama client, filling zero values with defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// SECURITY: TLS not required - Ollama normally runs on localhost over HTTP
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{baseURL: strings.TrimRight(cfg.BaseURL, "/"), httpClient: hc}
}

// BaseURL returns the server URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// =============================================================================
// HEALTH CHECK
// =============================================================================

// CheckRunning verifies that Ollama is reachable and running.
func (c *Client) CheckRunning(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return &model.APIError{Provider: ProviderName, Message: "failed to create request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.WrapTransport(ProviderName, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return model.NewStatusError(ProviderName, resp.StatusCode, "unexpected status from Ollama: "+resp.Status)
	}
	return nil
}

// =============================================================================
// MODEL OPERATIONS
// =============================================================================

// ListModels retrieves all available models from Ollama.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, &model.APIError{Provider: ProviderName, Message: "failed to create request", Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.WrapTransport(ProviderName, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, model.NewStatusError(ProviderName, resp.StatusCode, "failed to list models: "+resp.Status)
	}
	var result ListModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, model.Malformed(ProviderName, err)
	}
	return result.Models, nil
}

// HasModel reports whether name is pulled. Tags without a version match
// any version of the model.
func (c *Client) HasModel(ctx context.Context, name string) (bool, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false, err
	}
	for _, m := range models {
		if m.Name == name || (!strings.Contains(name, ":") && strings.HasPrefix(m.Name, name+":")) {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// CHAT OPERATIONS
// =============================================================================

// Chat sends a non-streaming chat request and returns the complete response.
func (c *Client) Chat(ctx context.Context, chatReq ChatRequest) (*ChatResponse, error) {
	chatReq.Stream = false
	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, &model.APIError{Provider: ProviderName, Message: "failed to marshal request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, &model.APIError{Provider: ProviderName, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.WrapTransport(ProviderName, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		msg := "chat request failed: " + resp.Status
		var oe apiError
		if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&oe); err == nil && oe.Error != "" {
			msg = oe.Error
		}
		apiErr := model.NewStatusError(ProviderName, resp.StatusCode, msg)
		if resp.StatusCode == http.StatusNotFound {
			apiErr.Err = fmt.Errorf("%w: %s", ErrModelNotFound, chatReq.Model)
		}
		return nil, apiErr
	}

	var result ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, model.Malformed(ProviderName, err)
	}
	return &result, nil
}

// drainAndClose lets the transport reuse the connection.
func drainAndClose(r io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(r, 1<<20))
	r.Close()
}
