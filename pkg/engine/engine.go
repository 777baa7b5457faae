// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package engine implements the LWM2M client request/response engine: it
// parses datagrams, reassembles and fragments block-wise bodies, dispatches
// requests to a handler.Handler and tracks confirmable messages it sends.
//
// An Engine is owned by a single goroutine and is not safe for concurrent
// use; see package arbiter for the hand-off used by other goroutines.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mlwm2m/pkg/acl"
	"github.com/absmach/mlwm2m/pkg/block"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/handler"
	"github.com/absmach/mlwm2m/pkg/metrics"
	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/absmach/mlwm2m/pkg/transaction"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Defaults.
const (
	DefaultMaxChunkSize     = coap.MaxBlockSize
	DefaultEventQueueLength = 16
	DefaultPushPath         = "push"
)

// Config holds the engine configuration.
type Config struct {
	// EndpointName is sent as the ep query of data pushes.
	EndpointName string

	// AltPath is stripped from request paths before decoding.
	AltPath string

	// AppPrefixes are path prefixes served by Handler.HandleApp.
	AppPrefixes []string

	MaxChunkSize  int
	MaxBlock1Size int

	AckTimeout       time.Duration
	MaxRetransmit    uint8
	ExchangeLifetime time.Duration
	// FirstMessageID seeds the message id counter; zero picks a random one.
	FirstMessageID uint16

	EventQueueLength int
	PushPath         string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Transport delivers datagrams to peers.
type Transport = transaction.Transport

// Registry resolves peers to LWM2M servers.
type Registry interface {
	Find(peer string) (registry.Server, bool)
	FindBootstrap(peer string) (registry.Server, bool)
	ByShortID(shortID uint16) (registry.Server, bool)
	Count() int
}

// Engine is the LWM2M request/response engine.
type Engine struct {
	cfg       Config
	transport Transport
	registry  Registry
	handler   handler.Handler
	observer  handler.Observer
	store     store.Store

	txs   *transaction.Manager
	reasm *block.Reassembler
	slot  block.Slot
	push  *pushState

	acl  *acl.Table
	eval *acl.Evaluator

	events    chan PushEvent
	onPushAck PushAckFunc
	resent    uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an engine. A nil observer ignores notifications and a nil
// store leaves the access control table empty.
func New(cfg Config, transport Transport, reg Registry, h handler.Handler, obs handler.Observer, st store.Store) *Engine {
	if cfg.MaxChunkSize <= 0 || cfg.MaxChunkSize > coap.MaxBlockSize {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	cfg.MaxChunkSize = int(coap.SZXFor(cfg.MaxChunkSize).Size())
	if cfg.MaxBlock1Size <= 0 {
		cfg.MaxBlock1Size = block.DefaultMaxSize
	}
	if cfg.EventQueueLength <= 0 {
		cfg.EventQueueLength = DefaultEventQueueLength
	}
	if cfg.PushPath == "" {
		cfg.PushPath = DefaultPushPath
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New("", nil)
	}
	if obs == nil {
		obs = &handler.NoopHandler{}
	}

	table := acl.NewTable()
	return &Engine{
		cfg:       cfg,
		transport: transport,
		registry:  reg,
		handler:   h,
		observer:  obs,
		store:     st,
		txs: transaction.NewManager(transaction.Config{
			AckTimeout:       cfg.AckTimeout,
			MaxRetransmit:    cfg.MaxRetransmit,
			ExchangeLifetime: cfg.ExchangeLifetime,
			FirstMessageID:   cfg.FirstMessageID,
			Logger:           cfg.Logger,
		}, transport),
		reasm:   block.NewReassembler(cfg.MaxBlock1Size),
		acl:     table,
		eval:    acl.NewEvaluator(table, reg, cfg.Logger),
		events:  make(chan PushEvent, cfg.EventQueueLength),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     time.Now,
	}
}

// HandlePacket processes one datagram received from peer.
func (e *Engine) HandlePacket(ctx context.Context, data []byte, peer string) {
	e.metrics.PacketSize.WithLabelValues("in").Observe(float64(len(data)))

	msg, err := coap.Parse(data)
	if err != nil {
		e.metrics.ParseErrors.Inc()
		e.logger.Warn("failed to parse datagram",
			slog.String("peer", peer),
			slog.Int("size", len(data)),
			slog.Any("error", err))
		e.rejectMalformed(ctx, data, peer)
		return
	}
	e.metrics.Packets.WithLabelValues("in", msg.Type.String()).Inc()
	e.logger.Debug("received", slog.String("peer", peer), slog.String("message", msg.String()))

	if coap.IsRequest(msg.Code) {
		e.handleRequest(ctx, peer, msg)
	} else {
		e.handleResponse(ctx, peer, msg)
	}
	e.metrics.Transactions.Set(float64(e.txs.Len()))
}

// rejectMalformed answers a confirmable datagram that failed to parse with
// a 4.00 carrying the parse error.
func (e *Engine) rejectMalformed(ctx context.Context, data []byte, peer string) {
	mid, ok := coap.PeekMessageID(data)
	if !ok || data[0]>>6 != 1 || (data[0]>>4)&0x3 != 0 {
		return
	}
	ack := coap.NewEmptyAck(mid)
	ack.Code = codes.BadRequest
	ack.Payload = []byte(errors.ErrMalformed.Error())
	e.send(ctx, peer, ack)
}

// Tick drives retransmission. It returns the delay until it must be called
// again, zero when nothing is pending.
func (e *Engine) Tick(ctx context.Context) time.Duration {
	expired, next := e.txs.Step(ctx, e.now())

	if n := e.txs.Retransmissions(); n > e.resent {
		e.metrics.Retransmissions.Add(float64(n - e.resent))
		e.resent = n
	}
	for _, t := range expired {
		e.metrics.TransactionsExpired.Inc()
		e.logger.Info("transaction expired",
			slog.String("peer", t.Peer),
			slog.Int("mid", int(t.MessageID)),
			slog.Bool("acked", t.AckReceived))
		if e.isPushTransaction(t) {
			e.endPush(AckTimeout, codes.Empty)
		}
	}
	e.metrics.Transactions.Set(float64(e.txs.Len()))
	return next
}

// CloseSession releases every transaction, reassembly buffer, delivery and
// push bound to peer.
func (e *Engine) CloseSession(peer string) {
	swept := e.txs.Sweep(peer)
	dropped := e.reasm.Drop(peer)
	released := e.slot.ReleasePeer(peer)
	if e.push != nil && e.push.peer == peer {
		e.endPush(AckTimeout, codes.Empty)
	}
	e.metrics.Transactions.Set(float64(e.txs.Len()))

	e.logger.Debug("session closed",
		slog.String("peer", peer),
		slog.Int("transactions", len(swept)),
		slog.Bool("block1", dropped),
		slog.Bool("delivery", released))
}

// LoadACL rebuilds the access control table from the object store.
func (e *Engine) LoadACL(ctx context.Context) error {
	if e.store == nil {
		e.acl.Clear()
		e.acl.SetRegistered(false)
		return nil
	}
	if err := e.acl.Load(ctx, e.store); err != nil {
		return errors.New("load acl", "", err)
	}
	e.logger.Info("access control loaded",
		slog.Int("instances", e.acl.Len()),
		slog.Bool("registered", e.acl.Registered()))
	return nil
}

// ACL returns the access control table.
func (e *Engine) ACL() *acl.Table {
	return e.acl
}

// CheckAccess reports whether server may perform code on uri.
func (e *Engine) CheckAccess(uri coap.URI, server uint16, code codes.Code) bool {
	allowed := e.eval.CheckAccess(uri, server, code)
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	e.metrics.ACLDecisions.WithLabelValues(decision).Inc()
	return allowed
}

func (e *Engine) isApp(path string) bool {
	for _, prefix := range e.cfg.AppPrefixes {
		prefix = "/" + strings.Trim(prefix, "/")
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

func (e *Engine) send(ctx context.Context, peer string, msg *coap.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		e.logger.Error("failed to marshal message", slog.String("peer", peer), slog.Any("error", err))
		return err
	}
	if err := e.transport.Send(ctx, peer, data); err != nil {
		e.logger.Warn("failed to send message", slog.String("peer", peer), slog.Any("error", err))
		return errors.New("send", peer, fmt.Errorf("%w: %v", errors.ErrTransport, err))
	}
	e.metrics.Packets.WithLabelValues("out", msg.Type.String()).Inc()
	e.metrics.PacketSize.WithLabelValues("out").Observe(float64(len(data)))
	return nil
}
