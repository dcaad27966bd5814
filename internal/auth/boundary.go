// Reelsync - Offline-First Watchlist Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/reelsync

// Package auth implements the offline-tolerant authentication boundary.
//
// Token verification classifies into exactly three states: verified,
// unreachable, rejected. Only a rejection clears the cached credential;
// losing connectivity never logs the user out. The classification is a
// tagged type end to end; collapsing it into a boolean anywhere in the
// call chain is the defect this package exists to prevent.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/reelsync/internal/logging"
	"github.com/tomtom215/reelsync/internal/metrics"
	"github.com/tomtom215/reelsync/internal/models"
	"github.com/tomtom215/reelsync/internal/store"
	"github.com/tomtom215/reelsync/internal/transport"
)

// State tags a verification outcome.
type State int

const (
	// StateVerified: the server confirmed the credential.
	StateVerified State = iota

	// StateUnreachable: the server could not be reached; the cached
	// credential and identity stay in place for offline use.
	StateUnreachable

	// StateRejected: the server authoritatively refused the credential.
	// The only state that forces re-authentication.
	StateRejected
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateVerified:
		return "verified"
	case StateUnreachable:
		return "unreachable"
	default:
		return "rejected"
	}
}

// Outcome is the tagged result of a verification. Never reduce it to a
// boolean; callers must switch on State.
type Outcome struct {
	State  State
	User   *models.User
	Reason string
}

// TokenVerifier is the server call. Satisfied by *transport.Client.
type TokenVerifier interface {
	VerifyToken(ctx context.Context) (*models.User, error)
}

// Manager owns the current credential and its verification lifecycle. It
// implements transport.TokenSource.
type Manager struct {
	store  *store.Store
	client TokenVerifier

	mu    sync.RWMutex
	token string
	user  *models.User

	// now is the clock for local expiry checks, overridable in tests.
	now func() time.Time
}

// expiryLeeway tolerates client clock skew before a locally expired token
// short-circuits to rejection.
const expiryLeeway = time.Minute

// NewManager builds the boundary. bootstrapToken, when non-empty, overrides
// any cached session token (a fresh login from the UI); otherwise the
// previously verified session is restored from the store.
func NewManager(s *store.Store, client TokenVerifier, bootstrapToken string) *Manager {
	m := &Manager{
		store:  s,
		client: client,
		now:    time.Now,
	}

	if sess, err := s.CachedSession(); err == nil {
		m.token = sess.Token
		u := sess.User
		m.user = &u
	}
	if bootstrapToken != "" {
		m.token = bootstrapToken
	}
	return m
}

// Token implements transport.TokenSource.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// CurrentUser returns the cached identity, nil when never verified.
func (m *Manager) CurrentUser() *models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user
}

// Verify checks the credential against the server, classifying the outcome
// three ways. Called on launch and resume.
func (m *Manager) Verify(ctx context.Context) Outcome {
	outcome := m.verify(ctx)
	metrics.AuthVerifications.WithLabelValues(outcome.State.String()).Inc()

	switch outcome.State {
	case StateVerified:
		logging.Info().Str("user", outcome.User.Username).Msg("auth: credential verified")
	case StateUnreachable:
		logging.Info().Msg("auth: server unreachable, keeping cached session")
	case StateRejected:
		logging.Warn().Str("reason", outcome.Reason).Msg("auth: credential rejected, session cleared")
	}
	return outcome
}

func (m *Manager) verify(ctx context.Context) Outcome {
	tok := m.Token()
	if tok == "" {
		return Outcome{State: StateRejected, Reason: "no credential"}
	}

	// A token that is provably expired by its own claims can be rejected
	// without a round trip. Opaque tokens skip this and let the server
	// decide.
	if expired, when := locallyExpired(tok, m.now()); expired {
		m.clear(fmt.Sprintf("token expired at %s", when.Format(time.RFC3339)))
		return Outcome{State: StateRejected, Reason: "token expired"}
	}

	user, err := m.client.VerifyToken(ctx)
	switch {
	case err == nil:
		m.confirm(tok, user)
		return Outcome{State: StateVerified, User: user}

	case errors.Is(err, transport.ErrAuthRejected):
		m.clear(err.Error())
		return Outcome{State: StateRejected, Reason: err.Error()}

	case errors.Is(err, transport.ErrNetworkUnavailable):
		return Outcome{State: StateUnreachable, User: m.CurrentUser()}

	default:
		// A malfunctioning server (5xx, garbled response) is not a
		// rejection. Keep the session, same as unreachable.
		return Outcome{State: StateUnreachable, User: m.CurrentUser(), Reason: err.Error()}
	}
}

// confirm persists a verified session.
func (m *Manager) confirm(token string, user *models.User) {
	m.mu.Lock()
	m.token = token
	m.user = user
	m.mu.Unlock()

	err := m.store.SaveSession(&store.Session{
		Token:      token,
		User:       *user,
		VerifiedAt: m.now().UTC(),
	})
	if err != nil {
		logging.Error().Err(err).Msg("auth: persist session")
	}
}

// clear drops the credential. Rejection path only.
func (m *Manager) clear(reason string) {
	m.mu.Lock()
	m.token = ""
	m.user = nil
	m.mu.Unlock()

	if err := m.store.ClearSession(); err != nil {
		logging.Error().Err(err).Str("reason", reason).Msg("auth: clear session")
	}
}

// locallyExpired parses the token as a JWT without verifying its signature
// and reports whether its exp claim is past, beyond the skew leeway.
// Non-JWT tokens report false.
func locallyExpired(token string, now time.Time) (bool, time.Time) {
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		return false, time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false, time.Time{}
	}
	return now.After(exp.Add(expiryLeeway)), exp.Time
}
