// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package block

import (
	"fmt"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
)

// Fragment returns the chunk of payload addressed by req with its size
// clamped to maxChunk. The returned block has More set iff bytes remain.
// An offset past the end yields ErrBlockOutOfScope. An empty payload has a
// single empty block 0.
func Fragment(payload []byte, req coap.Block, maxChunk int) ([]byte, coap.Block, error) {
	blk := req.Clamp(maxChunk)
	off := blk.Offset()
	if off > len(payload) || (off == len(payload) && off != 0) {
		return nil, coap.Block{}, fmt.Errorf("%w: offset %d of %d bytes", errors.ErrBlockOutOfScope, off, len(payload))
	}

	end := min(off+blk.Size(), len(payload))
	blk.More = end < len(payload)
	return payload[off:end], blk, nil
}

// Delivery is an oversized response kept for later Block2 pulls.
type Delivery struct {
	Peer string
	// Path is the request path the response answers. Empty matches every
	// path from Peer.
	Path          string
	Buffer        []byte
	ContentFormat message.MediaType
}

// Slot holds at most one Delivery. A new Stash replaces the previous one.
type Slot struct {
	d *Delivery
}

// Stash stores d, superseding any previous delivery.
func (s *Slot) Stash(d Delivery) {
	s.d = &d
}

// Lookup returns the delivery matching peer and path.
func (s *Slot) Lookup(peer, path string) (Delivery, bool) {
	if s.d == nil || s.d.Peer != peer {
		return Delivery{}, false
	}
	if s.d.Path != "" && s.d.Path != path {
		return Delivery{}, false
	}
	return *s.d, true
}

// Exact returns the delivery stashed for exactly peer and path. Unlike
// Lookup, a delivery with an empty Path never matches.
func (s *Slot) Exact(peer, path string) (Delivery, bool) {
	if s.d == nil || s.d.Peer != peer || s.d.Path == "" || s.d.Path != path {
		return Delivery{}, false
	}
	return *s.d, true
}

// Active reports whether a delivery is stashed.
func (s *Slot) Active() bool {
	return s.d != nil
}

// Release frees the slot.
func (s *Slot) Release() {
	s.d = nil
}

// ReleasePeer frees the slot if it belongs to peer.
func (s *Slot) ReleasePeer(peer string) bool {
	if s.d == nil || s.d.Peer != peer {
		return false
	}
	s.d = nil
	return true
}
