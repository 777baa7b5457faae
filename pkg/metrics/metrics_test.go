// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_SeparateRegistries(t *testing.T) {
	// Registering the same names twice on one registry panics.
	a := New("", prometheus.NewRegistry())
	b := New("", nil)

	a.Retransmissions.Inc()
	if got := testutil.ToFloat64(b.Retransmissions); got != 0 {
		t.Errorf("instances share counters: %v", got)
	}
}

func TestSessions(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Errorf("active sessions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TotalSessions); got != 2 {
		t.Errorf("total sessions = %v, want 2", got)
	}
}

func TestObserveRequest(t *testing.T) {
	m := New("test", prometheus.NewRegistry())
	m.ObserveRequest("dm", func() string { return "Content" })
	m.ObserveRequest("dm", func() string { return "Content" })

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("dm", "Content")); got != 2 {
		t.Errorf("requests_total = %v, want 2", got)
	}
}
