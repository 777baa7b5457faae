// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interfaces that link the dispatch engine to
// the LWM2M object model.
//
// # Data Flow
//
//	Server → Engine (parse, reassemble) → Handler (serve) → Engine (fragment) → Server
//
// The engine decodes the request path and picks exactly one Handler method:
//   - HandleDM: numeric path from a registered server
//   - HandleBootstrapCommand: numeric path from the bootstrap server
//   - HandleRegistration: path under /rd
//   - HandleDeleteAll: DELETE /
//   - HandleBootstrapFinish: POST /bs
//   - HandleApp: path under an application prefix, answered asynchronously
//
// Notifications and resets for observations go to the Observer.
//
// # Example
//
//	type MyHandler struct {
//		handler.NoopHandler
//		acl *acl.Evaluator
//	}
//
//	func (h *MyHandler) HandleDM(ctx context.Context, req *handler.Request, resp *handler.Response) coap.Result {
//		if !h.acl.CheckAccess(req.URI, req.Server, req.Message.Code) {
//			return coap.Handled(codes.Unauthorized)
//		}
//		...
//	}
package handler
