// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mlwm2m.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mlwm2m.
type Metrics struct {
	// Transport metrics
	Packets        *prometheus.CounterVec
	PacketSize     *prometheus.HistogramVec
	ParseErrors    prometheus.Counter
	ActiveSessions prometheus.Gauge
	TotalSessions  prometheus.Counter

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Block-wise transfer metrics
	BlockTransfers *prometheus.CounterVec

	// Transaction metrics
	Transactions        prometheus.Gauge
	Retransmissions     prometheus.Counter
	TransactionsExpired prometheus.Counter

	// Push metrics
	Pushes *prometheus.CounterVec

	// Access control metrics
	ACLDecisions *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState prometheus.Gauge
	CircuitBreakerTrips prometheus.Counter

	// Rate limiter metrics
	RateLimitedPackets *prometheus.CounterVec

	// Engine owner metrics
	DispatchRejected prometheus.Counter
}

// New creates a new Metrics instance registered with reg. A nil reg uses a
// private registry, which keeps multiple instances in one process apart.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mlwm2m"
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Packets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_packets_total",
				Help:      "Total number of CoAP datagrams",
			},
			[]string{"direction", "type"},
		),
		PacketSize: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "coap_packet_size_bytes",
				Help:      "CoAP datagram size in bytes",
				Buckets:   []float64{16, 64, 128, 256, 512, 1024, 1280},
			},
			[]string{"direction"},
		),
		ParseErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coap_parse_errors_total",
				Help:      "Total number of datagrams that failed to parse",
			},
		),
		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently active peer sessions",
			},
		),
		TotalSessions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of peer sessions",
			},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of requests dispatched",
			},
			[]string{"kind", "code"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Request handling duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		BlockTransfers: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "block_transfers_total",
				Help:      "Total number of block-wise fragments by option and outcome",
			},
			[]string{"option", "status"},
		),
		Transactions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transactions_active",
				Help:      "Number of live confirmable transactions",
			},
		),
		Retransmissions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retransmissions_total",
				Help:      "Total number of retransmitted messages",
			},
		),
		TransactionsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_expired_total",
				Help:      "Total number of transactions that ran out of retransmissions",
			},
		),
		Pushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pushes_total",
				Help:      "Total number of data pushes by result",
			},
			[]string{"result"},
		),
		ACLDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "acl_decisions_total",
				Help:      "Total number of access control decisions",
			},
			[]string{"decision"},
		),
		CircuitBreakerState: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Transport circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
		),
		CircuitBreakerTrips: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of transport circuit breaker trips",
			},
		),
		RateLimitedPackets: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_packets_total",
				Help:      "Total number of rate limited datagrams",
			},
			[]string{"limiter_type"},
		),
		DispatchRejected: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_rejected_total",
				Help:      "Total number of work items refused by the engine owner",
			},
		),
	}
}

// SessionOpened counts a new peer session.
func (m *Metrics) SessionOpened() {
	m.ActiveSessions.Inc()
	m.TotalSessions.Inc()
}

// SessionClosed counts the end of a peer session.
func (m *Metrics) SessionClosed() {
	m.ActiveSessions.Dec()
}

// ObserveRequest tracks a request dispatch. f returns the response code label.
func (m *Metrics) ObserveRequest(kind string, f func() string) {
	start := time.Now()
	code := f()
	m.RequestsTotal.WithLabelValues(kind, code).Inc()
	m.RequestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}
