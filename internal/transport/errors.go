// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors forming the engine-wide failure taxonomy. Callers branch
// with errors.Is; the distinction between "cannot reach the server" and
// "the server said no" must survive every layer.
var (
	// ErrNetworkUnavailable covers dial failures, timeouts, and an open
	// circuit breaker. Retry later, no user interruption.
	ErrNetworkUnavailable = errors.New("transport: network unavailable")

	// ErrAuthRejected means the server authoritatively refused the
	// credential (401/403). The only error that may clear a session.
	ErrAuthRejected = errors.New("transport: credentials rejected")
)

// ServerError is a non-auth HTTP error response. 5xx responses are
// transient and retried against the per-item ceiling; other 4xx responses
// are permanent for the request that caused them.
type ServerError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	return fmt.Sprintf("transport: server error (HTTP %d): %s", e.StatusCode, e.Message)
}

// Transient reports whether the error is worth retrying.
func (e *ServerError) Transient() bool {
	return e.StatusCode >= 500
}

// classifyHTTPError buckets a transport-level failure. Network-level
// failures (no HTTP response at all) map to ErrNetworkUnavailable.
func classifyHTTPError(err error) error {
	if err == nil {
		return nil
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, urlErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, netErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	return err
}

// classifyStatus buckets a received HTTP status code.
func classifyStatus(status int, body string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 401 || status == 403:
		return fmt.Errorf("%w (HTTP %d)", ErrAuthRejected, status)
	default:
		return &ServerError{StatusCode: status, Message: body}
	}
}
