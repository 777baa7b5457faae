// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"

	"github.com/absmach/mlwm2m/pkg/block"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/absmach/mlwm2m/pkg/transaction"
	"github.com/google/uuid"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Verdict is the outcome of a data push.
type Verdict uint8

const (
	AckReceived Verdict = iota
	AckTimeout
)

func (v Verdict) String() string {
	if v == AckReceived {
		return "ack_received"
	}
	return "ack_timeout"
}

// PushEvent reports the end of a data push.
type PushEvent struct {
	// MessageID is the message id of the first block, as returned by
	// DataPush.
	MessageID uint16
	Server    uint16
	Verdict   Verdict
	// Code is the server's response code, Empty when none arrived.
	Code codes.Code
}

// PushAckFunc receives push events from DeliverEvents.
type PushAckFunc func(PushEvent)

type pushState struct {
	server        uint16
	peer          string
	buf           []byte
	contentFormat message.MediaType
	firstMID      uint16
	mid           uint16
	// request is the first block; later blocks are copies of it.
	request *coap.Message
	// size is the current block size and sent the bytes sent so far.
	size int
	sent int
}

// DataPush posts payload to the server with shortID at /<PushPath>?ep=<name>.
// Payloads larger than one chunk are sent with Block1, one block per
// acknowledgement. Only one push may be in flight; its end is reported as a
// PushEvent. It returns the message id of the first block.
func (e *Engine) DataPush(ctx context.Context, shortID uint16, payload []byte, contentFormat message.MediaType) (uint16, error) {
	s, err := e.registeredServer(shortID)
	if err != nil {
		return 0, errors.New("data push", "", err)
	}
	if len(payload) == 0 {
		return 0, errors.New("data push", s.Peer, fmt.Errorf("%w: empty payload", errors.ErrInvalidInput))
	}
	if e.push != nil {
		e.metrics.Pushes.WithLabelValues("rejected").Inc()
		return 0, errors.New("data push", s.Peer, fmt.Errorf("%w: mid %d", errors.ErrPushInFlight, e.push.firstMID))
	}

	msg := &coap.Message{
		Type:      message.Confirmable,
		Code:      codes.POST,
		MessageID: e.txs.NextMessageID(s.Peer),
		Token:     newToken(),
	}
	msg.SetPath(e.cfg.PushPath)
	msg.AddQuery("ep=" + e.cfg.EndpointName)
	msg.SetContentFormat(contentFormat)

	p := &pushState{
		server:        shortID,
		peer:          s.Peer,
		contentFormat: contentFormat,
		size:          e.cfg.MaxChunkSize,
	}
	first := msg.Clone()
	if len(payload) > p.size {
		if err := msg.SetBlock(message.Block1, coap.NewBlock(0, true, p.size)); err != nil {
			return 0, errors.New("data push", s.Peer, err)
		}
		msg.Payload = payload[:p.size]
		p.buf = bytes.Clone(payload)
	} else {
		msg.Payload = payload
	}

	if _, err := e.txs.Send(ctx, s.Peer, msg, e.now()); err != nil {
		e.metrics.Pushes.WithLabelValues("failed").Inc()
		return 0, errors.New("data push", s.Peer, err)
	}
	p.firstMID, p.mid = msg.MessageID, msg.MessageID
	p.request = first
	p.sent = len(msg.Payload)
	e.push = p
	e.metrics.Pushes.WithLabelValues("started").Inc()
	e.metrics.Transactions.Set(float64(e.txs.Len()))

	e.logger.Debug("data push started",
		slog.Int("server", int(shortID)),
		slog.Int("mid", int(msg.MessageID)),
		slog.Int("size", len(payload)))
	return msg.MessageID, nil
}

// continuePush sends the next block after a 2.31 Continue acknowledging the
// current one. The server may lower the block size; the next block number
// follows from the bytes already sent.
func (e *Engine) continuePush(ctx context.Context, peer string, ack *coap.Message, blk coap.Block) {
	p := e.push
	if p == nil || p.peer != peer || p.mid != ack.MessageID || p.buf == nil {
		return
	}

	size := min(blk.Size(), p.size)
	if p.sent >= len(p.buf) || p.sent%size != 0 {
		e.logger.Warn("push continuation out of scope",
			slog.String("peer", peer),
			slog.String("block", blk.String()),
			slog.Int("sent", p.sent))
		e.endPush(AckTimeout, codes.BadOption)
		return
	}

	end := min(p.sent+size, len(p.buf))
	next := coap.NewBlock(uint32(p.sent/size), end < len(p.buf), size)
	msg := p.request.Clone()
	msg.MessageID = e.txs.NextMessageID(peer)
	if err := msg.SetBlock(message.Block1, next); err != nil {
		e.endPush(AckTimeout, codes.InternalServerError)
		return
	}
	msg.Payload = p.buf[p.sent:end]

	if _, err := e.txs.Send(ctx, peer, msg, e.now()); err != nil {
		e.logger.Warn("failed to send push block", slog.String("peer", peer), slog.Any("error", err))
		e.endPush(AckTimeout, codes.InternalServerError)
		return
	}
	e.metrics.BlockTransfers.WithLabelValues("block1", "pushed").Inc()
	p.mid = msg.MessageID
	p.size = size
	p.sent = end
}

// CancelPush abandons the push in flight. It reports whether there was one.
func (e *Engine) CancelPush() bool {
	if e.push == nil {
		return false
	}
	e.txs.Remove(e.push.mid, e.push.peer)
	e.endPush(AckTimeout, codes.Empty)
	e.metrics.Transactions.Set(float64(e.txs.Len()))
	return true
}

// PushInFlight reports whether a data push is pending.
func (e *Engine) PushInFlight() bool {
	return e.push != nil
}

func (e *Engine) isPushTransaction(t *transaction.Transaction) bool {
	return e.push != nil && t.Peer == e.push.peer && t.MessageID == e.push.mid
}

func (e *Engine) endPush(v Verdict, code codes.Code) {
	p := e.push
	e.push = nil
	e.metrics.Pushes.WithLabelValues(v.String()).Inc()
	e.logger.Debug("data push ended",
		slog.Int("server", int(p.server)),
		slog.Int("mid", int(p.firstMID)),
		slog.String("verdict", v.String()),
		slog.String("code", code.String()))
	e.enqueue(PushEvent{MessageID: p.firstMID, Server: p.server, Verdict: v, Code: code})
}

// AsyncResponse sends a separate confirmable response to the server with
// shortID, reusing mid and token. Payloads larger than one chunk start a
// Block2 transfer whose remaining blocks are served from the delivery slot.
func (e *Engine) AsyncResponse(ctx context.Context, shortID, mid uint16, code codes.Code, token []byte, contentFormat message.MediaType, payload []byte) error {
	s, err := e.registeredServer(shortID)
	if err != nil {
		return errors.New("async response", "", err)
	}
	if len(token) > coap.MaxTokenLength {
		return errors.New("async response", s.Peer, fmt.Errorf("%w: token length %d", errors.ErrInvalidInput, len(token)))
	}

	msg := &coap.Message{
		Type:      message.Confirmable,
		Code:      code,
		MessageID: mid,
		Token:     bytes.Clone(token),
	}
	msg.SetPath(s.Location)
	msg.SetContentFormat(contentFormat)

	stashed := false
	if len(payload) > e.cfg.MaxChunkSize {
		blk := coap.NewBlock(0, true, e.cfg.MaxChunkSize)
		if err := msg.SetBlock(message.Block2, blk); err != nil {
			return errors.New("async response", s.Peer, err)
		}
		msg.Payload = payload[:blk.Size()]
		e.slot.Stash(block.Delivery{
			Peer:          s.Peer,
			Buffer:        bytes.Clone(payload),
			ContentFormat: contentFormat,
		})
		stashed = true
	} else {
		msg.Payload = payload
	}

	if _, err := e.txs.Send(ctx, s.Peer, msg, e.now()); err != nil {
		if stashed {
			e.slot.Release()
		}
		return errors.New("async response", s.Peer, err)
	}
	e.metrics.Transactions.Set(float64(e.txs.Len()))
	return nil
}

func (e *Engine) registeredServer(shortID uint16) (registry.Server, error) {
	s, ok := e.registry.ByShortID(shortID)
	if !ok {
		return registry.Server{}, fmt.Errorf("%w: server %d", errors.ErrNotFound, shortID)
	}
	if !s.Registered() {
		return registry.Server{}, fmt.Errorf("%w: server %d is %s", errors.ErrUnregistered, shortID, s.Status)
	}
	return s, nil
}

// ErrorCode maps an error returned by DataPush or AsyncResponse to the
// CoAP code reported to callers.
func ErrorCode(err error) codes.Code {
	switch {
	case err == nil:
		return codes.Empty
	case errors.Is(err, errors.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, errors.ErrUnregistered), errors.Is(err, errors.ErrInvalidInput):
		return codes.BadRequest
	case errors.Is(err, errors.ErrPushInFlight):
		return codes.PreconditionFailed
	default:
		return codes.InternalServerError
	}
}

// SetPushAckCallback sets the function DeliverEvents hands push events to.
func (e *Engine) SetPushAckCallback(fn PushAckFunc) {
	e.onPushAck = fn
}

// Events returns the push event queue for owners that drain it themselves
// instead of using a callback.
func (e *Engine) Events() <-chan PushEvent {
	return e.events
}

// DeliverEvents drains queued push events into the callback. It returns
// the number delivered. Without a callback the events stay queued.
func (e *Engine) DeliverEvents() int {
	if e.onPushAck == nil {
		return 0
	}
	n := 0
	for {
		select {
		case ev := <-e.events:
			e.onPushAck(ev)
			n++
		default:
			return n
		}
	}
}

func (e *Engine) enqueue(ev PushEvent) {
	select {
	case e.events <- ev:
		return
	default:
	}
	if e.DeliverEvents() == 0 {
		// Nobody drains the queue; keep the newest event.
		select {
		case old := <-e.events:
			e.logger.Warn("push event dropped", slog.Int("mid", int(old.MessageID)))
		default:
		}
	}
	select {
	case e.events <- ev:
	default:
		e.logger.Warn("push event dropped", slog.Int("mid", int(ev.MessageID)))
	}
}

func newToken() []byte {
	id := uuid.New()
	return id[:4]
}
