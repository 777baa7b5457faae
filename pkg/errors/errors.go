// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mlwm2m.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrMalformed indicates a datagram that is not a valid CoAP message.
	ErrMalformed = errors.New("malformed message")

	// ErrInvalidInput indicates invalid input data.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTimeout indicates an operation timeout.
	ErrTimeout = errors.New("timeout")

	// ErrTransport indicates the transport failed to deliver a datagram.
	ErrTransport = errors.New("transport failure")

	// ErrNotFound indicates an unknown server, transaction or record.
	ErrNotFound = errors.New("not found")

	// ErrUnregistered indicates a server that is known but not registered.
	ErrUnregistered = errors.New("server not registered")

	// ErrPushInFlight indicates a data push is already pending.
	ErrPushInFlight = errors.New("push already in flight")

	// ErrDuplicate indicates a transaction with the same message id and peer is live.
	ErrDuplicate = errors.New("duplicate transaction")

	// ErrBlockOutOfScope indicates a block number past the end of the payload.
	ErrBlockOutOfScope = errors.New("block out of scope")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrSizeLimitExceeded indicates size limit exceeded.
	ErrSizeLimitExceeded = errors.New("size limit exceeded")

	// ErrClosed indicates the engine owner has been shut down.
	ErrClosed = errors.New("closed")

	// ErrBusy indicates the engine owner's event queue is full.
	ErrBusy = errors.New("event queue full")
)

// EngineError wraps an error with the operation and peer it concerns.
type EngineError struct {
	Op   string // Operation that failed
	Peer string // Remote peer address
	Err  error  // Underlying error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Peer != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.Peer, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// New creates a new EngineError.
func New(op, peer string, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{
		Op:   op,
		Peer: peer,
		Err:  err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
