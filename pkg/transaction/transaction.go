// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package transaction tracks outstanding confirmable messages, matches
// acknowledgements and responses to them and drives retransmission.
package transaction

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Protocol defaults.
const (
	DefaultAckTimeout       = 2 * time.Second
	DefaultMaxRetransmit    = 4
	DefaultExchangeLifetime = 93 * time.Second
)

// Transport delivers a serialized datagram to a peer.
type Transport interface {
	Send(ctx context.Context, peer string, data []byte) error
}

// Outcome is the result of matching an incoming message.
type Outcome uint8

const (
	// NotMatched means no live transaction belongs to the message.
	NotMatched Outcome = iota
	// Acked means an empty ACK arrived; a separate response is still due.
	Acked
	// Finished means the transaction completed and was removed.
	Finished
	// Reset means the peer rejected the message and it was removed.
	Reset
)

func (o Outcome) String() string {
	switch o {
	case Acked:
		return "acked"
	case Finished:
		return "finished"
	case Reset:
		return "reset"
	default:
		return "not_matched"
	}
}

// Transaction is one outstanding confirmable message.
type Transaction struct {
	MessageID   uint16
	Peer        string
	Message     *coap.Message
	AckReceived bool
	Retransmits uint8
	// Response is the message that finished the transaction, if any.
	Response *coap.Message

	data     []byte
	timeout  time.Duration
	deadline time.Time
}

func (t *Transaction) awaitsSeparate() bool {
	return coap.IsRequest(t.Message.Code) && len(t.Message.Token) > 0
}

// Config configures a Manager.
type Config struct {
	AckTimeout       time.Duration
	MaxRetransmit    uint8
	ExchangeLifetime time.Duration
	// FirstMessageID seeds the message id counter. Zero picks a random seed.
	FirstMessageID uint16
	Logger         *slog.Logger
}

// Manager owns the live transactions in send order. It is not safe for
// concurrent use.
type Manager struct {
	cfg       Config
	transport Transport
	nextMID   uint16
	txs       []*Transaction
	resent    uint64
	logger    *slog.Logger
}

// NewManager creates a manager sending through transport.
func NewManager(cfg Config, transport Transport) *Manager {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.MaxRetransmit == 0 {
		cfg.MaxRetransmit = DefaultMaxRetransmit
	}
	if cfg.ExchangeLifetime <= 0 {
		cfg.ExchangeLifetime = DefaultExchangeLifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	next := cfg.FirstMessageID
	if next == 0 {
		next = uint16(rand.N(1<<16-1)) + 1
	}
	return &Manager{
		cfg:       cfg,
		transport: transport,
		nextMID:   next,
		logger:    cfg.Logger,
	}
}

// NextMessageID returns a message id that no live transaction with peer
// uses. The counter wraps at 16 bits.
func (m *Manager) NextMessageID(peer string) uint16 {
	for range 1 << 16 {
		mid := m.nextMID
		m.nextMID++
		if m.Get(mid, peer) == nil {
			return mid
		}
	}
	// Every id is live for peer; reuse the oldest.
	mid := m.nextMID
	m.nextMID++
	return mid
}

// Get returns the live transaction keyed by mid and peer.
func (m *Manager) Get(mid uint16, peer string) *Transaction {
	for _, t := range m.txs {
		if t.MessageID == mid && t.Peer == peer {
			return t
		}
	}
	return nil
}

// Len returns the number of live transactions.
func (m *Manager) Len() int {
	return len(m.txs)
}

// Retransmissions returns the number of retransmitted datagrams so far.
func (m *Manager) Retransmissions() uint64 {
	return m.resent
}

// Send serializes msg and hands it to the transport. Confirmable messages
// are kept as live transactions until acknowledged or expired. The message
// id of msg is used as is; a live duplicate yields ErrDuplicate.
func (m *Manager) Send(ctx context.Context, peer string, msg *coap.Message, now time.Time) (*Transaction, error) {
	if m.Get(msg.MessageID, peer) != nil {
		return nil, fmt.Errorf("%w: mid %d to %s", errors.ErrDuplicate, msg.MessageID, peer)
	}

	data, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	t := &Transaction{
		MessageID: msg.MessageID,
		Peer:      peer,
		Message:   msg,
		data:      data,
		timeout:   m.cfg.AckTimeout,
		deadline:  now.Add(m.cfg.AckTimeout),
	}
	if err := m.transport.Send(ctx, peer, data); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrTransport, err)
	}
	if msg.Type == message.Confirmable {
		m.txs = append(m.txs, t)
	}
	return t, nil
}

// HandleResponse matches msg received from peer against the live
// transactions. ACK and RST match by message id. A request sent with a
// token and acknowledged by an empty ACK stays open until a separate
// response with the same token arrives.
func (m *Manager) HandleResponse(peer string, msg *coap.Message, now time.Time) (*Transaction, Outcome) {
	for i, t := range m.txs {
		if t.Peer != peer {
			continue
		}
		switch msg.Type {
		case message.Reset:
			if t.MessageID != msg.MessageID {
				continue
			}
			m.remove(i)
			return t, Reset
		case message.Acknowledgement:
			if t.MessageID != msg.MessageID {
				continue
			}
			if msg.Code == codes.Empty && t.awaitsSeparate() {
				if t.AckReceived {
					return t, Acked
				}
				t.AckReceived = true
				t.deadline = now.Add(m.cfg.ExchangeLifetime)
				return t, Acked
			}
			t.AckReceived = true
			t.Response = msg
			m.remove(i)
			return t, Finished
		default:
			if !t.awaitsSeparate() || !bytes.Equal(t.Message.Token, msg.Token) {
				continue
			}
			t.AckReceived = true
			t.Response = msg
			m.remove(i)
			return t, Finished
		}
	}
	return nil, NotMatched
}

// Step retransmits every transaction whose deadline passed and removes
// those that ran out of retransmissions or waited too long for a separate
// response. It returns the removed transactions and the delay until the
// next deadline, zero when nothing is live.
func (m *Manager) Step(ctx context.Context, now time.Time) ([]*Transaction, time.Duration) {
	var (
		expired []*Transaction
		next    time.Duration
	)
	kept := m.txs[:0]
	for _, t := range m.txs {
		if now.Before(t.deadline) {
			kept = append(kept, t)
			next = earliest(next, t.deadline.Sub(now))
			continue
		}
		if t.AckReceived || t.Retransmits >= m.cfg.MaxRetransmit {
			expired = append(expired, t)
			continue
		}
		if err := m.transport.Send(ctx, t.Peer, t.data); err != nil {
			m.logger.Warn("retransmission failed",
				slog.String("peer", t.Peer),
				slog.Int("mid", int(t.MessageID)),
				slog.Any("error", err))
			expired = append(expired, t)
			continue
		}
		t.Retransmits++
		m.resent++
		t.timeout *= 2
		t.deadline = now.Add(t.timeout)
		m.logger.Debug("retransmitted",
			slog.String("peer", t.Peer),
			slog.Int("mid", int(t.MessageID)),
			slog.Int("attempt", int(t.Retransmits)),
			slog.Duration("next", t.timeout))
		kept = append(kept, t)
		next = earliest(next, t.timeout)
	}
	clear(m.txs[len(kept):])
	m.txs = kept
	return expired, next
}

// Remove drops the transaction keyed by mid and peer.
func (m *Manager) Remove(mid uint16, peer string) *Transaction {
	for i, t := range m.txs {
		if t.MessageID == mid && t.Peer == peer {
			m.remove(i)
			return t
		}
	}
	return nil
}

// Sweep removes and returns every transaction bound to peer.
func (m *Manager) Sweep(peer string) []*Transaction {
	var swept []*Transaction
	kept := m.txs[:0]
	for _, t := range m.txs {
		if t.Peer == peer {
			swept = append(swept, t)
			continue
		}
		kept = append(kept, t)
	}
	clear(m.txs[len(kept):])
	m.txs = kept
	return swept
}

func (m *Manager) remove(i int) {
	m.txs = append(m.txs[:i], m.txs[i+1:]...)
}

func earliest(cur, d time.Duration) time.Duration {
	if d <= 0 {
		d = time.Nanosecond
	}
	if cur == 0 || d < cur {
		return d
	}
	return cur
}
