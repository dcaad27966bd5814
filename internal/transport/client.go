// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package transport implements the HTTP client side of the sync protocol:
// batch dispatch, incremental pull, and token verification against the
// authoritative server.
//
// Dispatch and pull run behind a shared circuit breaker so a struggling
// server is not hammered by every trigger; verification and the health
// probe bypass the breaker because their callers need the precise
// unreachable-vs-rejected classification, never a masked failure.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
	"github.com/tomtom215/reelsync/internal/models"
)

// TokenSource supplies the current bearer credential. The auth boundary
// owns rotation; transport only reads.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a func to TokenSource.
type TokenFunc func() string

// Token implements TokenSource.
func (f TokenFunc) Token() string { return f() }

// Client talks to the authoritative server.
type Client struct {
	baseURL string
	token   TokenSource
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New creates a client for the server at baseURL.
func New(baseURL string, token TokenSource, timeout time.Duration) *Client {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "reelsync-server",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,

		// Open after a 60% failure rate with at least 10 requests observed.
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},

		// Auth rejections and permanent 4xx are the server answering,
		// not the server failing; they must not open the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, ErrAuthRejected) {
				return true
			}
			var se *ServerError
			if errors.As(err, &se) && !se.Transient() {
				return true
			}
			return false
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("from", from.String()).Str("to", to.String()).Msg("transport: circuit breaker state change")
			metrics.CircuitBreakerState.Set(breakerStateValue(to))
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: cb,
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// doJSON performs one authenticated request and returns the response body.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.token.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	if err := classifyStatus(resp.StatusCode, string(data)); err != nil {
		return nil, err
	}
	return data, nil
}

// guarded runs a request through the circuit breaker, mapping an open
// circuit to ErrNetworkUnavailable so callers back off quietly.
func (c *Client) guarded(operation string, fn func() ([]byte, error)) ([]byte, error) {
	data, err := c.breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: circuit breaker open", ErrNetworkUnavailable)
		}
		metrics.TransportRequests.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	metrics.TransportRequests.WithLabelValues(operation, "ok").Inc()
	return data, nil
}

// DispatchBatch sends an ordered batch of actions and returns one result
// per action, in the same order.
func (c *Client) DispatchBatch(ctx context.Context, actions []models.SyncAction, clientTimestamp float64) (*models.BatchResponse, error) {
	req := models.BatchRequest{Actions: actions, ClientTimestamp: clientTimestamp}

	data, err := c.guarded("dispatch", func() ([]byte, error) {
		return c.doJSON(ctx, http.MethodPost, "/sync/batch", req)
	})
	if err != nil {
		return nil, err
	}

	var resp models.BatchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	if len(resp.Results) != len(actions) {
		return nil, fmt.Errorf("batch response has %d results for %d actions", len(resp.Results), len(actions))
	}
	return &resp, nil
}

// Pull fetches one page of entities changed since the given watermark.
func (c *Client) Pull(ctx context.Context, since float64, limit, offset int) (*models.PullPage, error) {
	path := "/sync?since=" + strconv.FormatFloat(since, 'f', -1, 64) +
		"&limit=" + strconv.Itoa(limit) +
		"&offset=" + strconv.Itoa(offset)

	data, err := c.guarded("pull", func() ([]byte, error) {
		return c.doJSON(ctx, http.MethodGet, path, nil)
	})
	if err != nil {
		return nil, err
	}

	var page models.PullPage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("decode pull page: %w", err)
	}
	return &page, nil
}

// VerifyToken checks the current credential against the server. Errors keep
// the full taxonomy: ErrAuthRejected for a refused credential,
// ErrNetworkUnavailable when the server cannot be reached.
func (c *Client) VerifyToken(ctx context.Context) (*models.User, error) {
	data, err := c.doJSON(ctx, http.MethodGet, "/auth/me", nil)
	if err != nil {
		metrics.TransportRequests.WithLabelValues("verify", "error").Inc()
		return nil, err
	}
	metrics.TransportRequests.WithLabelValues("verify", "ok").Inc()

	var user models.User
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	return &user, nil
}

// Health probes the server's health endpoint. Used by the connectivity
// watcher; bypasses the breaker so reachability reporting stays honest.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doJSON(ctx, http.MethodGet, "/health", nil)
	return err
}
