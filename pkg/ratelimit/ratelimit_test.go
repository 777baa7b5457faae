// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func TestTokenBucket(t *testing.T) {
	clock := newClock()
	tb := newTokenBucket(3, 2, clock.now)

	for i := 0; i < 3; i++ {
		if !tb.Allow() {
			t.Fatalf("Allow() #%d refused with a full bucket", i)
		}
	}
	if tb.Allow() {
		t.Fatal("Allow() granted from an empty bucket")
	}

	clock.advance(250 * time.Millisecond)
	if tb.Allow() {
		t.Error("half a token granted")
	}
	clock.advance(250 * time.Millisecond)
	if !tb.Allow() {
		t.Error("token not refilled after half a second at 2/s")
	}

	clock.advance(time.Hour)
	if got := tb.Available(); got != 3 {
		t.Errorf("Available() = %d, want capacity 3", got)
	}
	if tb.AllowN(4) {
		t.Error("AllowN() above capacity granted")
	}
}

func TestLimiter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		peers   []string
		allowed []bool
		reasons []Reason
	}{
		{
			name:    "disabled",
			cfg:     Config{},
			peers:   []string{"a", "a", "a"},
			allowed: []bool{true, true, true},
			reasons: []Reason{ReasonNone, ReasonNone, ReasonNone},
		},
		{
			name:    "per peer",
			cfg:     Config{Capacity: 1, Rate: 1},
			peers:   []string{"a", "b", "a"},
			allowed: []bool{true, true, false},
			reasons: []Reason{ReasonNone, ReasonNone, ReasonPeer},
		},
		{
			name:    "global",
			cfg:     Config{GlobalCapacity: 2, GlobalRate: 1},
			peers:   []string{"a", "b", "c"},
			allowed: []bool{true, true, false},
			reasons: []Reason{ReasonNone, ReasonNone, ReasonGlobal},
		},
		{
			name:    "peer cap",
			cfg:     Config{Capacity: 5, Rate: 1, MaxPeers: 1},
			peers:   []string{"a", "b"},
			allowed: []bool{true, false},
			reasons: []Reason{ReasonNone, ReasonPeer},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLimiter(tt.cfg, newClock().now)
			for i, peer := range tt.peers {
				ok, reason := l.Allow(peer)
				if ok != tt.allowed[i] || reason != tt.reasons[i] {
					t.Errorf("Allow(%q) #%d = %v, %q; want %v, %q", peer, i, ok, reason, tt.allowed[i], tt.reasons[i])
				}
			}
		})
	}
}

func TestLimiter_Sweep(t *testing.T) {
	clock := newClock()
	l := newLimiter(Config{Capacity: 1, Rate: 1, IdleTimeout: time.Minute}, clock.now)

	l.Allow("a")
	clock.advance(45 * time.Second)
	l.Allow("b")
	clock.advance(30 * time.Second)

	if n := l.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if l.Peers() != 1 {
		t.Errorf("Peers() = %d, want 1", l.Peers())
	}

	l.Remove("b")
	if l.Peers() != 0 {
		t.Errorf("Peers() after Remove = %d", l.Peers())
	}
}
