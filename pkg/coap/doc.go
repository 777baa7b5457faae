// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package coap holds the CoAP message model used by the LWM2M engine.
//
// # Messages
//
// A Message is a plain value: type, code, message id, token, options and
// payload. Parse and Marshal convert between Message and wire bytes using the
// go-coap UDP coder, so option encoding and header validation follow RFC 7252
// exactly:
//
//	msg, err := coap.Parse(datagram)
//	if err != nil {
//		// errors.Is(err, errors.ErrMalformed)
//	}
//	out, err := msg.Marshal()
//
// Parsed messages never alias the datagram buffer.
//
// # Block options
//
// Block1 and Block2 (RFC 7959) values are decoded into Block. Only the seven
// classic sizes (16 to 1024 bytes) are accepted; BERT is rejected.
//
// # LWM2M URIs
//
// DecodeURI classifies a request path as a device-management path
// (/object/instance/resource), the bootstrap-finish path (/bs), a
// registration path (/rd/...) or delete-all (empty path).
//
// # Handler results
//
// Result is the tagged outcome returned by request handlers: Handled(code),
// NoResponse() or Fatal(err).
package coap
