// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package channel maintains the persistent change-notification connection
// to the authoritative server.
//
// The channel is strictly a cache-invalidation trigger: a message whose
// type is in the known invalidation set fires the coordinator; payload
// contents are never parsed into entity state, because partial application
// without the resolver would bypass the timestamp invariant. Dropped
// notifications are safe; the periodic fallback pull converges anyway.
package channel

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/reelsync/internal/connectivity"
	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/transport"
)

// Config tunes the listener.
type Config struct {
	// ReconnectBackoff is the fixed delay between reconnect attempts while
	// connectivity holds.
	ReconnectBackoff time.Duration

	// PingInterval is the keepalive cadence. Read deadlines are set to
	// twice this value.
	PingInterval time.Duration
}

// Listener is the reconnecting WebSocket client. It implements
// suture.Service.
type Listener struct {
	baseURL string
	token   transport.TokenSource
	watcher connectivity.Watcher
	notify  func()
	cfg     Config

	mu   sync.RWMutex
	conn *websocket.Conn
}

// New creates a listener. notify is invoked once per invalidation message;
// it must be cheap and non-blocking (the coordinator's trigger is both).
func New(baseURL string, token transport.TokenSource, watcher connectivity.Watcher, cfg Config, notify func()) *Listener {
	return &Listener{
		baseURL: baseURL,
		token:   token,
		watcher: watcher,
		notify:  notify,
		cfg:     cfg,
	}
}

// Connected reports whether the channel currently holds a live connection.
func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

// Serve runs the connect/read/reconnect loop until the context is canceled.
func (l *Listener) Serve(ctx context.Context) error {
	transitions := l.watcher.Subscribe()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// While offline: no reconnect attempts at all. Wait for the
		// connectivity watcher to flip.
		if !l.watcher.Online() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-transitions:
				continue
			}
		}

		if err := l.runConnection(ctx, transitions); err != nil && ctx.Err() == nil {
			logging.Warn().Err(err).Dur("backoff", l.cfg.ReconnectBackoff).Msg("channel: connection lost, reconnecting")
			metrics.ChannelReconnects.Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.cfg.ReconnectBackoff):
			}
		}
	}
}

// runConnection dials and reads until the connection drops, connectivity is
// lost, or the context is canceled. transitions is the Serve-level
// subscription, shared so reconnects don't accumulate subscribers.
func (l *Listener) runConnection(ctx context.Context, transitions <-chan bool) error {
	wsURL, err := l.buildURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  10 * time.Second,
		EnableCompression: true,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	l.setConn(conn)
	defer l.closeConn()
	metrics.ChannelConnected.Set(1)
	defer metrics.ChannelConnected.Set(0)
	logging.Info().Msg("channel: connected")

	// Teardown paths: context cancel and connectivity loss both close the
	// connection, which unblocks the read loop.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	go l.watchTeardown(watchCtx, conn, transitions)
	go l.pingLoop(watchCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * l.cfg.PingInterval))
	})

	for {
		if err := conn.SetReadDeadline(time.Now().Add(2 * l.cfg.PingInterval)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		l.handleMessage(message)
	}
}

// watchTeardown closes the connection when connectivity drops so the read
// loop unblocks instead of waiting for the deadline.
func (l *Listener) watchTeardown(ctx context.Context, conn *websocket.Conn, transitions <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-transitions:
			if !online {
				logging.Info().Msg("channel: connectivity lost, tearing down")
				conn.Close()
				return
			}
		}
	}
}

// pingLoop keeps the connection alive.
func (l *Listener) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(10 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// handleMessage parses just the notification type and fires the trigger for
// the invalidation set. Anything else is ignored.
func (l *Listener) handleMessage(data []byte) {
	var n models.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		logging.Warn().Err(err).Msg("channel: unparseable notification")
		return
	}

	metrics.ChannelNotifications.WithLabelValues(n.Type).Inc()
	if !n.InvalidatesCache() {
		return
	}

	logging.Debug().Str("type", n.Type).Msg("channel: invalidation received")
	l.notify()
}

// buildURL converts the server base URL to its WebSocket endpoint with the
// bearer credential as a query parameter.
func (l *Listener) buildURL() (string, error) {
	parsed, err := url.Parse(l.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}

	scheme := "ws"
	if parsed.Scheme == "https" {
		scheme = "wss"
	}

	wsURL := &url.URL{Scheme: scheme, Host: parsed.Host, Path: "/ws"}
	q := wsURL.Query()
	q.Set("token", l.token.Token())
	wsURL.RawQuery = q.Encode()
	return wsURL.String(), nil
}

func (l *Listener) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *Listener) closeConn() {
	l.mu.Lock()
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
	l.mu.Unlock()
}
