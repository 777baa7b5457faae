// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/google/uuid"
)

// ErrSessionLimit is returned when MaxSessions peers are already tracked.
var ErrSessionLimit = errors.New("session limit reached")

// Session tracks one peer address. UDP has no connections, so a session
// lives from the first datagram exchanged with a peer until it has been
// idle for the session timeout.
type Session struct {
	// ID is a unique identifier used in logs.
	ID         string
	RemoteAddr *net.UDPAddr
	Created    time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// UpdateActivity records traffic at now.
func (s *Session) UpdateActivity(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the time of the last datagram.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// SessionManager keeps sessions keyed by peer address.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	maxSessions int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewSessionManager creates a session manager. A zero maxSessions means
// no limit.
func NewSessionManager(logger *slog.Logger, maxSessions int, m *metrics.Metrics) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New("", nil)
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		logger:      logger,
		metrics:     m,
	}
}

// GetOrCreate returns the session of addr, creating it when absent, and
// marks it active. It reports whether the session is new.
func (sm *SessionManager) GetOrCreate(addr *net.UDPAddr, now time.Time) (*Session, bool, error) {
	key := addr.String()

	sm.mu.RLock()
	sess, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if ok {
		sess.UpdateActivity(now)
		return sess, false, nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity(now)
		return sess, false, nil
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		return nil, false, fmt.Errorf("%w (%d)", ErrSessionLimit, sm.maxSessions)
	}

	sess = &Session{
		ID:           uuid.New().String(),
		RemoteAddr:   addr,
		Created:      now,
		lastActivity: now,
	}
	sm.sessions[key] = sess
	sm.metrics.SessionOpened()

	sm.logger.Debug("new UDP session created",
		slog.String("session", sess.ID),
		slog.String("peer", key))

	return sess, true, nil
}

// Get returns the session of peer.
func (sm *SessionManager) Get(peer string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[peer]
	return sess, ok
}

// Remove drops the session of peer.
func (sm *SessionManager) Remove(peer string) (*Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sess, ok := sm.sessions[peer]
	if ok {
		delete(sm.sessions, peer)
		sm.metrics.SessionClosed()
	}
	return sess, ok
}

// Expire removes and returns the sessions idle for longer than timeout.
func (sm *SessionManager) Expire(now time.Time, timeout time.Duration) []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var expired []*Session
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) > timeout {
			expired = append(expired, sess)
			delete(sm.sessions, key)
			sm.metrics.SessionClosed()
		}
	}
	if len(expired) > 0 {
		sm.logger.Debug("expired idle sessions", slog.Int("count", len(expired)))
	}
	return expired
}

// CloseAll removes and returns every session.
func (sm *SessionManager) CloseAll() []*Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	closed := make([]*Session, 0, len(sm.sessions))
	for key, sess := range sm.sessions {
		closed = append(closed, sess)
		delete(sm.sessions, key)
		sm.metrics.SessionClosed()
	}
	return closed
}

// Count returns the number of sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
