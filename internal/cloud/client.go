// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/bonjohen/ai-swarm-sub000/internal/model"
)

// Configuration constants for OpenRouter API.
const (
	// ProviderName labels errors from this package.
	ProviderName = "openrouter"

	// DefaultOpenRouterURL is the base URL for OpenRouter API.
	DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultMaxRetries is the default number of attempts for transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxResponseSize = 10 * 1024 * 1024
)

// Error variables for common OpenRouter errors. They are wrapped by
// *model.APIError, so match them with errors.Is.
var (
	ErrNotConfigured       = errors.New("OpenRouter API key not configured")
	ErrAuthFailed          = errors.New("authentication failed")
	ErrRateLimited         = errors.New("rate limited")
	ErrModelNotFound       = errors.New("model not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model          string          `json:"model"`
	Messages       []ChatMessage   `json:"messages"`
	Stream         bool            `json:"stream"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// ChatResponse represents a response from the chat completions endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// GetContent returns the first choice's content.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

type apiErrorResponse struct {
	Error struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Config configures an OpenRouter client.
type Config struct {
	APIKey  string
	BaseURL string
	// Timeout bounds each HTTP request.
	Timeout time.Duration
	// MaxRetries is the number of attempts for retryable failures.
	MaxRetries int
	// SiteURL and SiteName are sent for OpenRouter attribution.
	SiteURL  string
	SiteName string
	// HTTPClient replaces the pooled TLS client, for tests.
	HTTPClient *http.Client
	// RetryBaseDelay overrides the backoff base, for tests.
	RetryBaseDelay time.Duration
}

// Client talks to the OpenRouter chat completions API. It is safe for
// concurrent use; the model is chosen per request.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	siteURL    string
	siteName   string
}

// NewClient creates a client, filling zero values with defaults.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = retryBaseDelay
	}
	if cfg.SiteName == "" {
		cfg.SiteName = "swarm"
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
		hc = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			},
		}
	}
	return &Client{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: hc,
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.RetryBaseDelay,
		siteURL:    cfg.SiteURL,
		siteName:   cfg.SiteName,
	}
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// APIKeyMasked returns a log-safe description of the key.
func (c *Client) APIKeyMasked() string {
	if c.apiKey == "" {
		return "[not set]"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return fmt.Sprintf("[REDACTED, length=%d, fingerprint=%s]", len(c.apiKey), hex.EncodeToString(h[:4]))
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "swarm/1.0")
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// CHAT
// =============================================================================

// Chat sends a chat request, retrying rate limits, 5xx responses and
// transport failures with exponential backoff.
func (c *Client) Chat(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, &model.APIError{Provider: ProviderName, Message: "missing API key", Err: ErrNotConfigured}
	}
	reqBody.Stream = false

	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, model.WrapTransport(ProviderName, ctx.Err())
			case <-time.After(c.calculateBackoff(attempt)):
			}
		}

		start := time.Now()
		resp, err := c.doRequest(ctx, reqBody)
		log.Debug(ctx,
			log.KV{K: "msg", V: "openrouter request"},
			log.KV{K: "model", V: reqBody.Model},
			log.KV{K: "attempt", V: attempt + 1},
			log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()},
			log.KV{K: "ok", V: err == nil},
		)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !model.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &model.APIError{Provider: ProviderName, Message: "failed to marshal request", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &model.APIError{Provider: ProviderName, Message: "failed to create request", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	// SECURITY: Clear the credential from the request after use.
	req.Header.Del("Authorization")
	if err != nil {
		return nil, model.WrapTransport(ProviderName, err)
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, model.WrapTransport(ProviderName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, handleErrorResponse(resp.StatusCode, body)
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, model.Malformed(ProviderName, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, model.Malformed(ProviderName, errors.New("no choices in response"))
	}
	return &chatResp, nil
}

func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)
	}
	return body, nil
}

// handleErrorResponse maps a non-200 reply to a *model.APIError wrapping
// the matching sentinel.
func handleErrorResponse(statusCode int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}

	out := model.NewStatusError(ProviderName, statusCode, msg)
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		out.Err = ErrAuthFailed
	case http.StatusPaymentRequired:
		out.Err = ErrInsufficientCredits
	case http.StatusNotFound:
		out.Err = ErrModelNotFound
	case http.StatusTooManyRequests:
		out.Err = ErrRateLimited
	}
	return out
}

func (c *Client) calculateBackoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// Ping checks that the API is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConfigured() {
		return &model.APIError{Provider: ProviderName, Message: "missing API key", Err: ErrNotConfigured}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/key", nil)
	if err != nil {
		return &model.APIError{Provider: ProviderName, Message: "failed to create request", Err: err}
	}
	c.setHeaders(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.WrapTransport(ProviderName, err)
	}
	defer resp.Body.Close()
	body, _ := readResponse(resp)
	if resp.StatusCode != http.StatusOK {
		return handleErrorResponse(resp.StatusCode, body)
	}
	return nil
}
