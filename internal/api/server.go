// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package api exposes the local status and remediation endpoint.
//
// The server binds to loopback: it surfaces sync state and permanently
// failed queue items to the device UI and accepts manual retry/discard,
// which is the only sanctioned way a local write disappears without server
// acknowledgement.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/queue"
	"github.com/tomtom215/reelsync/internal/store"
)

// SyncController is the coordinator surface the API needs. Satisfied by
// *coordinator.Coordinator.
type SyncController interface {
	Syncing() bool
	Trigger(source string)
}

// Server is the loopback HTTP endpoint. It implements suture.Service.
type Server struct {
	listen string
	store  *store.Store
	queue  *queue.Queue
	sync   SyncController
}

// New builds the server. listen should stay on loopback; the endpoint has
// no authentication of its own.
func New(listen string, s *store.Store, q *queue.Queue, sync SyncController) *Server {
	return &Server{listen: listen, store: s, queue: q, sync: sync}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/queue/failed", s.handleFailed)
	r.Post("/queue/{id}/retry", s.handleRetry)
	r.Post("/queue/{id}/discard", s.handleDiscard)
	r.Post("/sync", s.handleSync)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Serve runs the HTTP server until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logging.Info().Str("listen", s.listen).Msg("api: listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("api: shutdown")
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	}
}

// statusReply is the GET /status body.
type statusReply struct {
	Syncing   bool        `json:"syncing"`
	Watermark float64     `json:"watermark"`
	Queue     queueDepths `json:"queue"`
}

type queueDepths struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wm, err := s.store.Watermark()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, processing, failed, err := s.queue.Depths()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, statusReply{
		Syncing:   s.sync.Syncing(),
		Watermark: wm,
		Queue:     queueDepths{Pending: pending, Processing: processing, Failed: failed},
	})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.Failed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []*queue.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.RetryFailed(id); err != nil {
		writeQueueError(w, err)
		return
	}
	s.sync.Trigger("manual")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
}

func (s *Server) handleDiscard(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Discard(id); err != nil {
		writeQueueError(w, err)
		return
	}
	logging.Info().Uint64("item", id).Msg("api: failed item discarded by user")
	writeJSON(w, http.StatusOK, map[string]string{"status": "discarded"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	s.sync.Trigger("manual")
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func itemID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid item id")
		return 0, false
	}
	return id, true
}

func writeQueueError(w http.ResponseWriter, err error) {
	if errors.Is(err, queue.ErrItemNotFound) {
		writeError(w, http.StatusNotFound, "queue item not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn().Err(err).Msg("api: encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
