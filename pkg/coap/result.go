// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ResultKind tags a Result.
type ResultKind uint8

const (
	// ResultHandled carries a CoAP code to answer with.
	ResultHandled ResultKind = iota
	// ResultNoResponse means nothing must be sent; either the request is
	// deliberately ignored or its answer was already sent.
	ResultNoResponse
	// ResultFatal means the handler failed internally.
	ResultFatal
)

// Result is the outcome of a request handler.
type Result struct {
	Kind ResultKind
	Code codes.Code
	Err  error
}

// Handled returns a result answered with code.
func Handled(code codes.Code) Result {
	return Result{Kind: ResultHandled, Code: code}
}

// NoResponse returns a result that sends nothing.
func NoResponse() Result {
	return Result{Kind: ResultNoResponse}
}

// Fatal returns a result for an internal failure.
func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Err: err}
}

// Failed reports whether the result maps to an error response.
func (r Result) Failed() bool {
	switch r.Kind {
	case ResultFatal:
		return true
	case ResultHandled:
		return IsError(r.Code)
	default:
		return false
	}
}

// ResponseCode is the code sent on the wire. Fatal results and codes
// outside the response classes become 5.00.
func (r Result) ResponseCode() codes.Code {
	if r.Kind == ResultFatal || r.Code > codes.ProxyingNotSupported {
		return codes.InternalServerError
	}
	return r.Code
}

func (r Result) String() string {
	switch r.Kind {
	case ResultNoResponse:
		return "no_response"
	case ResultFatal:
		return fmt.Sprintf("fatal(%v)", r.Err)
	default:
		return r.Code.String()
	}
}
