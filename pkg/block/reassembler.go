// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package block implements Block1 reassembly of incoming requests and
// Block2 fragmentation of outgoing responses.
package block

import (
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// DefaultMaxSize bounds a reassembled Block1 body.
const DefaultMaxSize = 4096

// Status is the outcome of feeding one Block1 fragment.
type Status uint8

const (
	// Continue means the fragment was stored and more are expected.
	Continue Status = iota
	// Complete means the fragment was the last one; the body is returned.
	Complete
	// Retransmit means the fragment repeats the last stored message id.
	Retransmit
	// Incomplete means the fragment does not follow the stored ones.
	Incomplete
	// TooLarge means the body would exceed the size limit.
	TooLarge
)

// Code is the response code the status maps to.
func (s Status) Code() codes.Code {
	switch s {
	case Continue, Retransmit:
		return codes.Continue
	case Incomplete:
		return codes.RequestEntityIncomplete
	case TooLarge:
		return codes.RequestEntityTooLarge
	default:
		return codes.Empty
	}
}

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Complete:
		return "complete"
	case Retransmit:
		return "retransmit"
	case Incomplete:
		return "incomplete"
	case TooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

type transfer struct {
	buf     []byte
	lastMID uint16
}

// Reassembler keeps one Block1 transfer per peer.
type Reassembler struct {
	maxSize   int
	transfers map[string]*transfer
}

// NewReassembler creates a reassembler that refuses bodies larger than
// maxSize bytes. A non-positive maxSize selects DefaultMaxSize.
func NewReassembler(maxSize int) *Reassembler {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Reassembler{
		maxSize:   maxSize,
		transfers: make(map[string]*transfer),
	}
}

// Feed stores one fragment received from peer under message id mid.
// On Complete the returned slice is the whole body and the peer's state
// is released. Incomplete and TooLarge discard the partial body.
func (r *Reassembler) Feed(peer string, mid uint16, blk coap.Block, payload []byte) ([]byte, Status) {
	t, ok := r.transfers[peer]
	if ok && t.lastMID == mid {
		return nil, Retransmit
	}

	if blk.Num == 0 {
		t = &transfer{}
		r.transfers[peer] = t
	}
	if t == nil || blk.Offset() != len(t.buf) {
		delete(r.transfers, peer)
		return nil, Incomplete
	}
	if len(t.buf)+len(payload) > r.maxSize {
		delete(r.transfers, peer)
		return nil, TooLarge
	}

	t.buf = append(t.buf, payload...)
	t.lastMID = mid
	if blk.More {
		return nil, Continue
	}

	delete(r.transfers, peer)
	return t.buf, Complete
}

// Pending reports whether peer has a transfer in progress.
func (r *Reassembler) Pending(peer string) bool {
	_, ok := r.transfers[peer]
	return ok
}

// Drop releases the transfer of peer.
func (r *Reassembler) Drop(peer string) bool {
	if _, ok := r.transfers[peer]; !ok {
		return false
	}
	delete(r.transfers, peer)
	return true
}

// Len returns the number of transfers in progress.
func (r *Reassembler) Len() int {
	return len(r.transfers)
}
