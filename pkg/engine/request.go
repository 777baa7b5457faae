// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"log/slog"

	"github.com/absmach/mlwm2m/pkg/block"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/handler"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const (
	diagBlockOutOfScope = "BlockOutOfScope"
	diagNoDelivery      = "NoPendingResponse"
)

func (e *Engine) handleRequest(ctx context.Context, peer string, req *coap.Message) {
	resp := &coap.Message{Token: req.Token}
	if req.Type == message.Confirmable {
		resp.Type = message.Acknowledgement
		resp.MessageID = req.MessageID
	} else {
		resp.Type = message.NonConfirmable
		resp.MessageID = e.txs.NextMessageID(peer)
	}

	block2, hasBlock2, err := req.Block(message.Block2)
	if err != nil {
		e.sendError(ctx, peer, req, codes.BadOption, err.Error())
		return
	}

	blk1, hasBlock1, err := req.Block(message.Block1)
	if hasBlock1 {
		if !e.reassemble(ctx, peer, req, resp, blk1, err) {
			return
		}
	}

	path := req.Path()
	if e.isApp(path) {
		e.handleApp(ctx, peer, req, resp, block2, hasBlock2)
		return
	}

	if hasBlock2 && block2.Num != 0 && !hasBlock1 {
		if d, ok := e.slot.Exact(peer, path); ok {
			e.serveDelivery(ctx, peer, req, resp, d, block2)
			return
		}
	}

	uri, err := coap.DecodeURI(e.cfg.AltPath, req.PathSegments())
	if err != nil {
		e.logger.Debug("undecodable request path", slog.String("peer", peer), slog.String("path", path))
		e.sendError(ctx, peer, req, codes.BadRequest, "")
		return
	}

	hreq := &handler.Request{URI: uri, Peer: peer, Message: req}
	hresp := &handler.Response{}
	var res coap.Result
	e.metrics.ObserveRequest(uri.Kind.String(), func() string {
		res = e.dispatch(ctx, hreq, hresp)
		return res.String()
	})

	switch {
	case res.Kind == coap.ResultNoResponse:
		return
	case res.Failed():
		if res.Err != nil {
			e.logger.Warn("handler failed", slog.String("peer", peer), slog.String("path", path), slog.Any("error", res.Err))
		}
		e.sendError(ctx, peer, req, res.ResponseCode(), "")
		return
	case !coap.IsSuccess(res.Code):
		// Codes below 2.01 carry no answer.
		return
	}

	resp.Code = res.Code
	if hasBlock1 {
		blk1.More = false
		if err := resp.SetBlock(message.Block1, blk1.Clamp(e.cfg.MaxChunkSize)); err != nil {
			e.sendError(ctx, peer, req, codes.InternalServerError, "")
			return
		}
	}
	if err := e.attachPayload(peer, path, resp, hresp, block2, hasBlock2); err != nil {
		e.sendBlockError(ctx, peer, req, err)
		return
	}
	e.send(ctx, peer, resp)
}

// reassemble feeds a Block1 fragment. It reports whether the request is
// complete and must be dispatched; otherwise the answer was already sent.
func (e *Engine) reassemble(ctx context.Context, peer string, req, resp *coap.Message, blk1 coap.Block, decodeErr error) bool {
	if _, ok := e.registry.Find(peer); !ok {
		if _, ok := e.registry.FindBootstrap(peer); !ok {
			e.sendError(ctx, peer, req, codes.InternalServerError, "")
			return false
		}
	}
	if decodeErr != nil {
		e.reasm.Drop(peer)
		e.metrics.BlockTransfers.WithLabelValues("block1", "malformed").Inc()
		e.sendError(ctx, peer, req, codes.InternalServerError, decodeErr.Error())
		return false
	}

	body, status := e.reasm.Feed(peer, req.MessageID, blk1, req.Payload)
	e.metrics.BlockTransfers.WithLabelValues("block1", status.String()).Inc()

	switch status {
	case block.Complete:
		req.Payload = body
		return true
	case block.Continue, block.Retransmit:
		resp.Code = codes.Continue
		echo := blk1.Clamp(e.cfg.MaxChunkSize)
		echo.More = true
		if err := resp.SetBlock(message.Block1, echo); err != nil {
			e.sendError(ctx, peer, req, codes.InternalServerError, "")
			return false
		}
		e.send(ctx, peer, resp)
		return false
	default:
		e.logger.Debug("block1 transfer aborted",
			slog.String("peer", peer),
			slog.String("block", blk1.String()),
			slog.String("status", status.String()))
		e.sendError(ctx, peer, req, status.Code(), "")
		return false
	}
}

// dispatch picks exactly one handler by URI shape.
func (e *Engine) dispatch(ctx context.Context, req *handler.Request, resp *handler.Response) coap.Result {
	server, registered := e.registry.Find(req.Peer)
	if registered {
		req.Server = server.ShortID
	}
	_, bootstrap := e.registry.FindBootstrap(req.Peer)

	switch req.URI.Kind {
	case coap.URIDM:
		switch {
		case registered:
			return e.handler.HandleDM(ctx, req, resp)
		case bootstrap:
			return e.handler.HandleBootstrapCommand(ctx, req, resp)
		default:
			e.logger.Debug("device management request from unknown peer", slog.String("peer", req.Peer))
			return coap.NoResponse()
		}
	case coap.URIDeleteAll:
		if req.Message.Code != codes.DELETE {
			return coap.Handled(codes.BadRequest)
		}
		return e.handler.HandleDeleteAll(ctx, req, resp)
	case coap.URIBootstrap:
		if req.Message.Code != codes.POST {
			return coap.Handled(codes.BadRequest)
		}
		return e.handler.HandleBootstrapFinish(ctx, req, resp)
	case coap.URIRegistration:
		return e.handler.HandleRegistration(ctx, req, resp)
	default:
		return coap.Handled(codes.BadRequest)
	}
}

// handleApp acknowledges an application request at once and passes it to
// the handler, whose answer comes later through AsyncResponse. Block2
// continuations are served from the delivery slot.
func (e *Engine) handleApp(ctx context.Context, peer string, req, resp *coap.Message, block2 coap.Block, hasBlock2 bool) {
	if hasBlock2 && block2.Num != 0 {
		d, ok := e.slot.Lookup(peer, req.Path())
		if !ok {
			e.sendError(ctx, peer, req, codes.NotFound, diagNoDelivery)
			return
		}
		e.serveDelivery(ctx, peer, req, resp, d, block2)
		return
	}

	if req.Type == message.Confirmable {
		if err := e.send(ctx, peer, coap.NewEmptyAck(req.MessageID)); err != nil {
			return
		}
	}

	hreq := &handler.Request{Peer: peer, Message: req}
	if s, ok := e.registry.Find(peer); ok {
		hreq.Server = s.ShortID
	}
	e.metrics.ObserveRequest("app", func() string {
		if err := e.handler.HandleApp(ctx, hreq); err != nil {
			e.logger.Warn("application handler failed", slog.String("peer", peer), slog.String("path", req.Path()), slog.Any("error", err))
			return "error"
		}
		return "accepted"
	})
}

// serveDelivery answers a Block2 continuation from the stashed delivery d
// and frees the slot after the final block.
func (e *Engine) serveDelivery(ctx context.Context, peer string, req, resp *coap.Message, d block.Delivery, block2 coap.Block) {
	chunk, blk, err := block.Fragment(d.Buffer, block2, e.cfg.MaxChunkSize)
	if err != nil {
		e.sendBlockError(ctx, peer, req, err)
		return
	}
	resp.Code = codes.Content
	resp.SetContentFormat(d.ContentFormat)
	if err := resp.SetBlock(message.Block2, blk); err != nil {
		e.sendError(ctx, peer, req, codes.InternalServerError, "")
		return
	}
	resp.Payload = chunk
	if !blk.More {
		e.slot.Release()
	}
	e.metrics.BlockTransfers.WithLabelValues("block2", "delivered").Inc()
	e.send(ctx, peer, resp)
}

// attachPayload puts the handler payload on resp, fragmenting it when the
// request asked for a block or when it does not fit in one chunk.
func (e *Engine) attachPayload(peer, path string, resp *coap.Message, hresp *handler.Response, block2 coap.Block, hasBlock2 bool) error {
	if hresp.HasContentFormat {
		resp.SetContentFormat(hresp.ContentFormat)
	}
	payload := hresp.Payload

	switch {
	case hresp.Block2 != nil:
		if err := resp.SetBlock(message.Block2, *hresp.Block2); err != nil {
			return err
		}
		resp.Payload = payload
	case hasBlock2:
		chunk, blk, err := block.Fragment(payload, block2, e.cfg.MaxChunkSize)
		if err != nil {
			e.metrics.BlockTransfers.WithLabelValues("block2", "out_of_scope").Inc()
			return err
		}
		if err := resp.SetBlock(message.Block2, blk); err != nil {
			return err
		}
		resp.Payload = chunk
		if !blk.More {
			if _, ok := e.slot.Exact(peer, path); ok {
				e.slot.Release()
			}
		}
		e.metrics.BlockTransfers.WithLabelValues("block2", "served").Inc()
	case len(payload) > e.cfg.MaxChunkSize:
		blk := coap.NewBlock(0, true, e.cfg.MaxChunkSize)
		if err := resp.SetBlock(message.Block2, blk); err != nil {
			return err
		}
		resp.Payload = payload[:blk.Size()]
		e.slot.Stash(block.Delivery{
			Peer:          peer,
			Path:          path,
			Buffer:        payload,
			ContentFormat: hresp.ContentFormat,
		})
		e.metrics.BlockTransfers.WithLabelValues("block2", "stashed").Inc()
	default:
		resp.Payload = payload
	}
	return nil
}

// sendError answers req with code and its token. A CON request gets a
// piggybacked ACK, a NON request a NON reply with a fresh message id.
func (e *Engine) sendError(ctx context.Context, peer string, req *coap.Message, code codes.Code, diag string) {
	if code > codes.ProxyingNotSupported {
		code = codes.InternalServerError
	}
	msg := &coap.Message{
		Type:      message.Acknowledgement,
		Code:      code,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
	if req.Type == message.NonConfirmable {
		msg.Type = message.NonConfirmable
		msg.MessageID = e.txs.NextMessageID(peer)
	}
	if diag != "" {
		msg.Payload = []byte(diag)
	}
	e.send(ctx, peer, msg)
}

func (e *Engine) sendBlockError(ctx context.Context, peer string, req *coap.Message, err error) {
	if errors.Is(err, errors.ErrBlockOutOfScope) {
		e.sendError(ctx, peer, req, codes.BadOption, diagBlockOutOfScope)
		return
	}
	e.sendError(ctx, peer, req, codes.InternalServerError, "")
}
