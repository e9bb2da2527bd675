// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rls implements the Row-Level Security session manager (C10):
// per-request database connection isolation for a multi-tenant Postgres
// backend, grounded on original_source's
// server/src/security/rls_session_manager.rs. Every connection handed
// back to a caller has had its session variables reset, the caller's
// user ID stamped via set_config, and that stamp validated by round-
// tripping get_current_user_id() — so a caller can never silently
// observe another tenant's rows through a pooled connection that leaked
// stale session state.
package rls

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

// readOnlyRequestID is the sentinel request ID that skips RLS setup
// entirely, for endpoints that only read non-tenant-scoped configuration
// data and never touch a row-level-secured table.
const readOnlyRequestID = "config-read-only"

// ConnectionState tracks one outstanding connection for security
// auditing: which user it is currently stamped for, how many requests
// it has served, and when it was last touched.
type ConnectionState struct {
	ConnectionID string
	UserID       string
	LastActivity time.Time
	RequestCount uint64
	Validated    bool
}

// Metrics are cumulative counters a caller can read and expose.
type Metrics struct {
	TotalConnections       uint64
	ActiveSessions         uint64
	ValidationFailures     uint64
	SessionLeakageDetected uint64
	RLSPolicyFailures      uint64
	ConnectionResets       uint64
}

// SessionManager hands out database/sql connections stamped with a
// per-request user context, validated before being returned to the
// caller (C10).
type SessionManager struct {
	pool *sql.DB

	statesMu sync.RWMutex
	states   map[string]*ConnectionState

	metricsMu sync.RWMutex
	metrics   Metrics

	connCounter atomic.Uint64

	cleanupInterval time.Duration
	sessionTimeout  time.Duration

	logger *slog.Logger
}

// NewSessionManager creates a SessionManager bound to an already-opened
// *sql.DB pool (a pgx-backed Postgres pool, see internal/jobstore/postgres).
func NewSessionManager(pool *sql.DB, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		pool:            pool,
		states:          make(map[string]*ConnectionState),
		cleanupInterval: 5 * time.Minute,
		sessionTimeout:  time.Hour,
		logger:          logger.With("component", "rls.session_manager"),
	}
}

// GetConnectionWithUserContext acquires a connection from the pool,
// resets any leftover session state, stamps it with userID, and
// validates the stamp took effect before returning it. The caller owns
// the returned *sql.Conn and must Close it to return it to the pool.
//
// CRITICAL: every error path here returns without a usable connection —
// there is no "best effort" fallback. A caller that receives an error
// MUST NOT proceed to query the database, since doing so on an
// unstamped or wrongly-stamped connection risks exposing another
// tenant's rows to a row-level-security policy that silently no-ops.
func (m *SessionManager) GetConnectionWithUserContext(ctx context.Context, userID, requestID string) (*sql.Conn, error) {
	if requestID == "" {
		requestID = fmt.Sprintf("req-%d", m.connCounter.Add(1))
	}

	conn, err := m.pool.Conn(ctx)
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Operation: "acquire connection", Cause: err}
	}

	if requestID == readOnlyRequestID {
		m.logger.Debug("skipping RLS setup for read-only request")
		return conn, nil
	}

	connectionID := fmt.Sprintf("conn_%d", m.connCounter.Add(1))

	if err := m.resetConnectionState(ctx, conn, connectionID); err != nil {
		m.incrementMetric(func(met *Metrics) { met.ConnectionResets++ })
		_ = conn.Close()
		return nil, err
	}

	if err := m.setUserContext(ctx, conn, userID, connectionID, requestID); err != nil {
		m.incrementMetric(func(met *Metrics) { met.RLSPolicyFailures++ })
		_ = conn.Close()
		return nil, err
	}

	if err := m.validateRLSSetup(ctx, conn, userID, connectionID, requestID); err != nil {
		m.incrementMetric(func(met *Metrics) { met.ValidationFailures++ })
		_ = conn.Close()
		return nil, err
	}

	m.trackConnectionState(connectionID, userID)
	m.logger.Debug("connection configured for user", "user_id", userID, "connection_id", connectionID, "request_id", requestID)
	return conn, nil
}

// resetConnectionState clears every session-scoped variable this
// manager sets, so a pooled connection a previous request stamped for a
// different user cannot leak that stamp forward.
func (m *SessionManager) resetConnectionState(ctx context.Context, conn *sql.Conn, connectionID string) error {
	if _, err := conn.ExecContext(ctx, "RESET ALL"); err != nil {
		return &conductorerrors.DatabaseError{Operation: "RESET ALL", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}
	for _, key := range []string{"app.current_user_id", "app.request_id", "app.session_start", "app.connection_id"} {
		if _, err := conn.ExecContext(ctx, "SELECT set_config($1, '', false)", key); err != nil {
			return &conductorerrors.DatabaseError{Operation: "reset " + key, Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
		}
	}
	return nil
}

// setUserContext stamps the session variables RLS policies read. A
// failure here is an AuthError, not a DatabaseError — the original marks
// this path "CRITICAL" because a silent failure here means every
// subsequent query on this connection runs with no user context at all.
func (m *SessionManager) setUserContext(ctx context.Context, conn *sql.Conn, userID, connectionID, requestID string) error {
	sessionStart := time.Now().UTC().Format(time.RFC3339)

	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.current_user_id', $1, false)", userID); err != nil {
		return &conductorerrors.AuthError{Reason: "failed to set user context for row-level security", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.request_id', $1, false)", requestID); err != nil {
		return &conductorerrors.AuthError{Reason: "failed to set request context", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.session_start', $1, false)", sessionStart); err != nil {
		return &conductorerrors.AuthError{Reason: "failed to set session context", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.connection_id', $1, false)", connectionID); err != nil {
		return &conductorerrors.AuthError{Reason: "failed to set connection context", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}
	return nil
}

// validateRLSSetup round-trips get_current_user_id() and compares it
// against expectedUserID. A NULL result means RLS policies on this
// connection will fail every query silently; a mismatched result means
// session variable leakage between requests — both are treated as fatal.
func (m *SessionManager) validateRLSSetup(ctx context.Context, conn *sql.Conn, expectedUserID, connectionID, requestID string) error {
	var actual sql.NullString
	row := conn.QueryRowContext(ctx, "SELECT get_current_user_id()::text")
	if err := row.Scan(&actual); err != nil {
		return &conductorerrors.DatabaseError{Operation: "validate RLS setup", Cause: fmt.Errorf("conn %s: %w", connectionID, err)}
	}

	if !actual.Valid {
		return &conductorerrors.AuthError{Reason: "RLS setup failed: user context is NULL, all row-level-secured queries will fail"}
	}

	if actual.String != expectedUserID {
		m.incrementMetric(func(met *Metrics) { met.SessionLeakageDetected++ })
		return &conductorerrors.AuthError{Reason: fmt.Sprintf("session variable leakage detected: expected user %s, got %s (conn %s, request %s)", expectedUserID, actual.String, connectionID, requestID)}
	}

	return nil
}

// trackConnectionState records the now-validated connection for
// monitoring and later cleanup.
func (m *SessionManager) trackConnectionState(connectionID, userID string) {
	m.statesMu.Lock()
	m.states[connectionID] = &ConnectionState{
		ConnectionID: connectionID,
		UserID:       userID,
		LastActivity: time.Now(),
		RequestCount: 1,
		Validated:    true,
	}
	active := len(m.states)
	m.statesMu.Unlock()

	m.metricsMu.Lock()
	m.metrics.TotalConnections++
	m.metrics.ActiveSessions = uint64(active)
	m.metricsMu.Unlock()
}

// ValidateConnectionContext re-checks that an already-open connection
// still carries expectedUserID's context, for long-lived connections
// held across multiple operations.
func (m *SessionManager) ValidateConnectionContext(ctx context.Context, conn *sql.Conn, expectedUserID string) error {
	return m.validateRLSSetup(ctx, conn, expectedUserID, "existing", "revalidation")
}

// GetMetrics returns a snapshot of cumulative security metrics.
func (m *SessionManager) GetMetrics() Metrics {
	m.metricsMu.RLock()
	defer m.metricsMu.RUnlock()
	return m.metrics
}

func (m *SessionManager) incrementMetric(mutate func(*Metrics)) {
	m.metricsMu.Lock()
	defer m.metricsMu.Unlock()
	mutate(&m.metrics)
}

// CleanupStaleConnections evicts tracked connection states that have
// been idle past the session timeout (default one hour). It does not
// close any underlying *sql.Conn — that lifecycle belongs to the pool —
// it only bounds this manager's own bookkeeping map.
func (m *SessionManager) CleanupStaleConnections() {
	cutoff := time.Now().Add(-m.sessionTimeout)

	m.statesMu.Lock()
	before := len(m.states)
	for id, state := range m.states {
		if state.LastActivity.Before(cutoff) {
			delete(m.states, id)
		}
	}
	after := len(m.states)
	m.statesMu.Unlock()

	if cleaned := before - after; cleaned > 0 {
		m.logger.Info("cleaned up stale RLS connection states", "count", cleaned)
	}

	m.metricsMu.Lock()
	m.metrics.ActiveSessions = uint64(after)
	m.metricsMu.Unlock()
}

// StartCleanupTask runs CleanupStaleConnections on cleanupInterval until
// ctx is canceled.
func (m *SessionManager) StartCleanupTask(ctx context.Context) {
	ticker := time.NewTicker(m.cleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupStaleConnections()
			}
		}
	}()
}
