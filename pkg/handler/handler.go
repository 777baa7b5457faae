// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Request carries a decoded request and the identity of its sender.
// It is passed to Handler methods.
type Request struct {
	// URI is the decoded request path.
	URI coap.URI

	// Server is the short id of the sending server. Zero for the bootstrap
	// server and for application requests from unknown peers.
	Server uint16

	// Peer is the sender's transport address.
	Peer string

	// Message is the request. A Block1 body is already reassembled into
	// Message.Payload.
	Message *coap.Message
}

// Response is filled in by a Handler.
type Response struct {
	Payload []byte

	// ContentFormat is sent when HasContentFormat is set.
	ContentFormat    message.MediaType
	HasContentFormat bool

	// Block2 is set by block-aware handlers that already cut Payload to
	// the requested block. The engine then sends it unchanged.
	Block2 *coap.Block
}

// SetContentFormat sets the response content format.
func (r *Response) SetContentFormat(mt message.MediaType) {
	r.ContentFormat = mt
	r.HasContentFormat = true
}

// Handler serves the requests the engine dispatches by URI shape.
// Access control is the Handler's business; the engine only supplies the
// server identity.
//
// Handle* methods return the outcome of the request:
// - coap.Handled(code) answers with code and, for success codes, resp
// - coap.NoResponse() sends nothing
// - coap.Fatal(err) answers 5.00
type Handler interface {
	// HandleDM serves a device-management request from a registered server.
	HandleDM(ctx context.Context, req *Request, resp *Response) coap.Result

	// HandleBootstrapCommand serves a device-management request from the
	// bootstrap server.
	HandleBootstrapCommand(ctx context.Context, req *Request, resp *Response) coap.Result

	// HandleRegistration serves a request on a registration path.
	HandleRegistration(ctx context.Context, req *Request, resp *Response) coap.Result

	// HandleDeleteAll serves DELETE on the root path.
	HandleDeleteAll(ctx context.Context, req *Request, resp *Response) coap.Result

	// HandleBootstrapFinish serves POST /bs.
	HandleBootstrapFinish(ctx context.Context, req *Request, resp *Response) coap.Result

	// HandleApp receives a request under an application prefix. The request
	// has already been acknowledged; the answer is sent later through the
	// engine's AsyncResponse.
	HandleApp(ctx context.Context, req *Request) error
}

// Observer is the observation subsystem.
type Observer interface {
	// Cancel drops the observation established by message mid from peer.
	Cancel(ctx context.Context, peer string, mid uint16)

	// HandleNotify consumes a notification and reports whether it belonged
	// to a known observation.
	HandleNotify(ctx context.Context, peer string, msg *coap.Message) bool
}

// SuccessCode returns the usual success code for a request code.
func SuccessCode(code codes.Code) codes.Code {
	switch code {
	case codes.GET:
		return codes.Content
	case codes.POST:
		return codes.Changed
	case codes.PUT:
		return codes.Changed
	case codes.DELETE:
		return codes.Deleted
	default:
		return codes.BadRequest
	}
}

// NoopHandler is a Handler that accepts every request with an empty
// success response. Useful for testing.
type NoopHandler struct{}

var (
	_ Handler  = (*NoopHandler)(nil)
	_ Observer = (*NoopHandler)(nil)
)

func (h *NoopHandler) HandleDM(ctx context.Context, req *Request, resp *Response) coap.Result {
	return coap.Handled(SuccessCode(req.Message.Code))
}

func (h *NoopHandler) HandleBootstrapCommand(ctx context.Context, req *Request, resp *Response) coap.Result {
	return coap.Handled(SuccessCode(req.Message.Code))
}

func (h *NoopHandler) HandleRegistration(ctx context.Context, req *Request, resp *Response) coap.Result {
	return coap.Handled(SuccessCode(req.Message.Code))
}

func (h *NoopHandler) HandleDeleteAll(ctx context.Context, req *Request, resp *Response) coap.Result {
	return coap.Handled(codes.Deleted)
}

func (h *NoopHandler) HandleBootstrapFinish(ctx context.Context, req *Request, resp *Response) coap.Result {
	return coap.Handled(codes.Changed)
}

func (h *NoopHandler) HandleApp(ctx context.Context, req *Request) error {
	return nil
}

func (h *NoopHandler) Cancel(ctx context.Context, peer string, mid uint16) {}

func (h *NoopHandler) HandleNotify(ctx context.Context, peer string, msg *coap.Message) bool {
	return false
}
