// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/transaction"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func (e *Engine) handleResponse(ctx context.Context, peer string, msg *coap.Message) {
	switch msg.Type {
	case message.Confirmable, message.NonConfirmable:
		done := e.matchTransaction(peer, msg)
		if !done && (msg.Code == codes.Changed || msg.Code == codes.Content) {
			if _, ok := msg.Observe(); ok {
				done = e.observer.HandleNotify(ctx, peer, msg)
			}
		}
		if msg.Type == message.Confirmable {
			e.send(ctx, peer, coap.NewEmptyAck(msg.MessageID))
		}
		if !done {
			e.logger.Debug("unmatched response", slog.String("peer", peer), slog.String("message", msg.String()))
		}
	case message.Reset:
		e.observer.Cancel(ctx, peer, msg.MessageID)
		e.matchTransaction(peer, msg)
	case message.Acknowledgement:
		if msg.Code == codes.Continue {
			if blk, ok, err := msg.Block(message.Block1); ok && err == nil {
				e.continuePush(ctx, peer, msg, blk)
			}
		}
		e.matchTransaction(peer, msg)
	}
}

// matchTransaction closes the transaction msg answers and settles the
// push it belongs to, if any.
func (e *Engine) matchTransaction(peer string, msg *coap.Message) bool {
	tx, outcome := e.txs.HandleResponse(peer, msg, e.now())
	if outcome == transaction.NotMatched {
		return false
	}
	e.logger.Debug("transaction matched",
		slog.String("peer", peer),
		slog.Int("mid", int(tx.MessageID)),
		slog.String("outcome", outcome.String()))

	if !e.isPushTransaction(tx) {
		return true
	}
	switch outcome {
	case transaction.Reset:
		e.endPush(AckTimeout, codes.Empty)
	case transaction.Finished:
		code := tx.Response.Code
		if code == codes.RequestEntityIncomplete {
			e.endPush(AckTimeout, code)
		} else {
			e.endPush(AckReceived, code)
		}
	}
	return true
}
