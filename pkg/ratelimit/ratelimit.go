// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits inbound datagrams with token buckets, one shared
// bucket for the listener and one per peer.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultIdleTimeout is how long an unused peer bucket is kept.
const DefaultIdleTimeout = 5 * time.Minute

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding capacity tokens and
// refilled with refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Available returns the whole tokens left.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Config holds the limiter configuration. A zero Capacity disables the
// corresponding bucket.
type Config struct {
	// Capacity and Rate size the per-peer buckets.
	Capacity int64
	Rate     int64
	// GlobalCapacity and GlobalRate size the listener-wide bucket.
	GlobalCapacity int64
	GlobalRate     int64
	// MaxPeers bounds the number of tracked peers; datagrams from further
	// peers are refused.
	MaxPeers    int
	IdleTimeout time.Duration
}

type peerBucket struct {
	*TokenBucket
	lastUsed time.Time
}

// Limiter applies the global and per-peer buckets.
type Limiter struct {
	cfg    Config
	global *TokenBucket
	now    func() time.Time

	mu    sync.Mutex
	peers map[string]*peerBucket
}

// Reason tells which bucket refused a datagram.
type Reason string

const (
	ReasonNone   Reason = ""
	ReasonGlobal Reason = "global"
	ReasonPeer   Reason = "peer"
)

// NewLimiter creates a limiter.
func NewLimiter(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.MaxPeers == 0 {
		cfg.MaxPeers = 10000
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	l := &Limiter{
		cfg:   cfg,
		now:   now,
		peers: make(map[string]*peerBucket),
	}
	if cfg.GlobalCapacity > 0 {
		l.global = newTokenBucket(cfg.GlobalCapacity, cfg.GlobalRate, now)
	}
	return l
}

// Allow reports whether a datagram from peer may be processed and, when
// it may not, which bucket refused it.
func (l *Limiter) Allow(peer string) (bool, Reason) {
	if l.global != nil && !l.global.Allow() {
		return false, ReasonGlobal
	}
	if l.cfg.Capacity <= 0 {
		return true, ReasonNone
	}

	l.mu.Lock()
	pb, ok := l.peers[peer]
	if !ok {
		if len(l.peers) >= l.cfg.MaxPeers {
			l.mu.Unlock()
			return false, ReasonPeer
		}
		pb = &peerBucket{TokenBucket: newTokenBucket(l.cfg.Capacity, l.cfg.Rate, l.now)}
		l.peers[peer] = pb
	}
	pb.lastUsed = l.now()
	l.mu.Unlock()

	if !pb.Allow() {
		return false, ReasonPeer
	}
	return true, ReasonNone
}

// Remove forgets the bucket of peer.
func (l *Limiter) Remove(peer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peers, peer)
}

// Sweep drops peer buckets unused for IdleTimeout and returns how many.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.cfg.IdleTimeout)

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for peer, pb := range l.peers {
		if pb.lastUsed.Before(cutoff) {
			delete(l.peers, peer)
			n++
		}
	}
	return n
}

// Peers returns the number of tracked peers.
func (l *Limiter) Peers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.peers)
}
