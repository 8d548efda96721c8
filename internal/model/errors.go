// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a transport or protocol failure from a provider call.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	Retryable  bool
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// NewStatusError builds an APIError from an HTTP status.
func NewStatusError(provider string, code int, message string) *APIError {
	return &APIError{
		Provider:   provider,
		StatusCode: code,
		Message:    message,
		Retryable:  RetryableStatus(code),
	}
}

// WrapTransport classifies a transport failure. Timeouts and connection
// errors are retryable; anything else is not.
func WrapTransport(provider string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return &APIError{Provider: provider, Err: err, Retryable: isTransient(err)}
}

// Malformed reports a response the caller could not decode.
func Malformed(provider string, err error) error {
	return &APIError{Provider: provider, Message: "malformed response", Err: err}
}

// IsRetryable reports whether err should be absorbed by a retry loop.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return isTransient(err)
}

// IsUnreachable reports a connection-level failure: the request never got an
// HTTP status back. A 429 or 5xx means the provider is up and busy.
func IsUnreachable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 0 && apiErr.Retryable
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
