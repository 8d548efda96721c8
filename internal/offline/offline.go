// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrRemoteBlocked is returned for hosted providers in offline mode.
	ErrRemoteBlocked = errors.New("offline mode: remote providers are disabled")

	// ErrNonLocalhost is returned for a self-hosted endpoint that is not a
	// loopback address while offline.
	ErrNonLocalhost = errors.New("offline mode: only loopback endpoints are allowed")

	// ErrInvalidURLScheme is returned when an endpoint is not http or https.
	ErrInvalidURLScheme = errors.New("only http and https endpoints are allowed")
)

// =============================================================================
// URL VALIDATION
// =============================================================================

// IsLocalhost reports whether host (optionally with a port) is
// "localhost" or a loopback IP, IPv4 or IPv6.
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.Trim(host, "[]"))
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ValidateURL checks an endpoint. The scheme must be http or https in
// every mode; offline, the host must also be loopback.
//
// SECURITY: Rejects file://, data:// and custom schemes before any client
// is built for the endpoint.
func ValidateURL(rawURL string, offline bool) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURLScheme
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return ErrInvalidURLScheme
	}
	if offline && !IsLocalhost(parsed.Hostname()) {
		return ErrNonLocalhost
	}
	return nil
}

// =============================================================================
// PROVIDER GUARD
// =============================================================================

// CheckProvider decides whether a provider may serve calls. selfHosted
// marks providers that run on infrastructure the operator controls, such
// as Ollama. An empty baseURL means the adapter default: loopback for
// self-hosted providers, the vendor API otherwise.
func CheckProvider(selfHosted bool, baseURL string, offline bool) error {
	if !selfHosted && offline && baseURL == "" {
		return ErrRemoteBlocked
	}
	if baseURL == "" {
		return nil
	}
	if err := ValidateURL(baseURL, offline); err != nil {
		if !selfHosted && errors.Is(err, ErrNonLocalhost) {
			return ErrRemoteBlocked
		}
		return err
	}
	return nil
}

// StatusBadge returns "[OFFLINE]" when offline, empty otherwise.
func StatusBadge(offline bool) string {
	if offline {
		return "[OFFLINE]"
	}
	return ""
}
