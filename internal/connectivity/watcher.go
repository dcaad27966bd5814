// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package connectivity tracks whether the authoritative server is
// reachable. The coordinator gates cycles on it and the change channel
// tears down while offline.
//
// Reachability is fed from two directions: a periodic probe of the server
// health endpoint, and explicit pushes from the host platform (mobile
// shells know about radios before any probe does).
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/reelsync/internal/logging"
)

// HealthChecker probes the server. Satisfied by transport.Client.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Watcher reports reachability and notifies subscribers of transitions.
type Watcher interface {
	// Online reports the current belief about server reachability.
	Online() bool

	// Subscribe returns a channel receiving the new state on every
	// transition. The channel is buffered; a slow consumer misses
	// intermediate flips but always observes the latest state eventually.
	Subscribe() <-chan bool
}

// Prober is the default Watcher: periodic health probes plus SetOnline
// pushes from the host.
type Prober struct {
	checker  HealthChecker
	interval time.Duration

	mu     sync.Mutex
	online bool
	subs   []chan bool
}

// NewProber creates a watcher probing checker every interval. The initial
// state is offline until the first successful probe or SetOnline(true).
func NewProber(checker HealthChecker, interval time.Duration) *Prober {
	return &Prober{checker: checker, interval: interval}
}

// Online implements Watcher.
func (p *Prober) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Subscribe implements Watcher.
func (p *Prober) Subscribe() <-chan bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan bool, 1)
	p.subs = append(p.subs, ch)
	return ch
}

// SetOnline records a reachability change pushed by the host platform or
// observed by a probe. Subscribers are notified only on transitions.
func (p *Prober) SetOnline(online bool) {
	p.mu.Lock()
	if p.online == online {
		p.mu.Unlock()
		return
	}
	p.online = online
	subs := make([]chan bool, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	logging.Info().Bool("online", online).Msg("connectivity changed")
	for _, ch := range subs {
		// Drop-then-send keeps the latest state in a full buffer.
		select {
		case ch <- online:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- online:
			default:
			}
		}
	}
}

// Serve probes the health endpoint until the context is canceled. It
// implements suture.Service.
func (p *Prober) Serve(ctx context.Context) error {
	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	err := p.checker.Health(probeCtx)
	p.SetOnline(err == nil)
}

// Static is a fixed-state Watcher for tests and embedded hosts that manage
// connectivity themselves.
type Static bool

// Online implements Watcher.
func (s Static) Online() bool { return bool(s) }

// Subscribe implements Watcher with a channel that never fires.
func (s Static) Subscribe() <-chan bool { return make(chan bool) }
