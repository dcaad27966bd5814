// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package enrich assigns canonical catalog keys to placeholder entities.
//
// A title created offline carries a locally minted tmp: key until the
// catalog lookup resolves the real IMDb id. The remap is an explicit
// operation over the whole outbound queue, performed before any dispatch
// that could reference the placeholder, never an incidental side effect of
// the lookup itself.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/queue"
	"github.com/tomtom215/reelsync/internal/store"
	"github.com/tomtom215/reelsync/internal/transport"
)

// Match is one catalog candidate for a locally created title.
type Match struct {
	// CanonicalKey is the server-recognized catalog id (IMDb id).
	CanonicalKey string `json:"imdb_id"`

	Title  string `json:"title"`
	Year   int    `json:"year,omitempty"`
	Poster string `json:"poster,omitempty"`
}

// Lookup resolves user-entered titles to catalog candidates. The concrete
// catalog (the server's enrichment proxy, a test fake) is the caller's
// choice.
type Lookup interface {
	Lookup(ctx context.Context, title string, year int) ([]Match, error)
}

// HTTPLookup queries the authoritative server's catalog search proxy.
type HTTPLookup struct {
	baseURL string
	token   transport.TokenSource
	httpc   *http.Client
}

// NewHTTPLookup builds a lookup against the server's /external/search
// endpoint, authenticated with the same credential as sync calls.
func NewHTTPLookup(baseURL string, token transport.TokenSource, timeout time.Duration) *HTTPLookup {
	return &HTTPLookup{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Lookup implements the Lookup interface.
func (h *HTTPLookup) Lookup(ctx context.Context, title string, year int) ([]Match, error) {
	q := url.Values{"q": {title}}
	if year > 0 {
		q.Set("year", strconv.Itoa(year))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/external/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.token.Token())
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transport.ServerError{StatusCode: resp.StatusCode, Message: "catalog search failed"}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var matches []Match
	if err := json.Unmarshal(body, &matches); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return matches, nil
}

// Remapper rewrites a placeholder key to its canonical catalog key across
// the outbound queue and the local store.
type Remapper struct {
	store *store.Store
	queue *queue.Queue
}

// NewRemapper builds a remapper over the engine's store and queue.
func NewRemapper(s *store.Store, q *queue.Queue) *Remapper {
	return &Remapper{store: s, queue: q}
}

// Apply replaces every reference to placeholderKey with canonicalKey. The
// queue is rewritten first: dispatch reads only the queue, so once the queue
// transaction commits no outgoing request can carry the stale key, even if
// the store move has not happened yet.
func (r *Remapper) Apply(kind models.Kind, placeholderKey, canonicalKey string) error {
	if !models.IsPlaceholderKey(placeholderKey) {
		return fmt.Errorf("enrich: %q is not a placeholder key", placeholderKey)
	}
	if canonicalKey == "" || models.IsPlaceholderKey(canonicalKey) {
		return fmt.Errorf("enrich: invalid canonical key %q", canonicalKey)
	}

	remapped, err := r.queue.RemapReference(placeholderKey, canonicalKey)
	if err != nil {
		return fmt.Errorf("remap queue references: %w", err)
	}

	// A missing store entry is fine: the queue may reference a placeholder
	// whose store record was already superseded by a pull.
	if err := r.store.RemapKey(kind, placeholderKey, canonicalKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("remap store key: %w", err)
	}

	logging.Info().
		Str("placeholder", placeholderKey).
		Str("canonical", canonicalKey).
		Int("queue_items", remapped).
		Msg("enrich: placeholder resolved")
	return nil
}
