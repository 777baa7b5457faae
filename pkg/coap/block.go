// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"fmt"

	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/net/blockwise"
)

// MaxBlockSize is the largest classic block size.
const MaxBlockSize = 1024

// Block is a decoded Block1 or Block2 option value.
type Block struct {
	Num  uint32
	More bool
	SZX  blockwise.SZX
}

// NewBlock builds a block descriptor for the given size. size is rounded
// down to the nearest valid block size.
func NewBlock(num uint32, more bool, size int) Block {
	return Block{Num: num, More: more, SZX: SZXFor(size)}
}

// Size is the block size in bytes.
func (b Block) Size() int {
	return int(b.SZX.Size())
}

// Offset is the byte offset of the block in the whole body.
func (b Block) Offset() int {
	return int(b.Num) * b.Size()
}

// Clamp lowers the block size to at most max bytes, keeping the block
// number unchanged.
func (b Block) Clamp(max int) Block {
	if szx := SZXFor(max); szx < b.SZX {
		b.SZX = szx
	}
	return b
}

// Encode returns the option value.
func (b Block) Encode() (uint32, error) {
	return blockwise.EncodeBlockOption(b.SZX, int64(b.Num), b.More)
}

func (b Block) String() string {
	return fmt.Sprintf("%d/%t/%d", b.Num, b.More, b.Size())
}

// DecodeBlock decodes a Block1 or Block2 option value.
func DecodeBlock(v uint32) (Block, error) {
	szx, num, more, err := blockwise.DecodeBlockOption(v)
	if err != nil {
		return Block{}, fmt.Errorf("%w: %v", errors.ErrMalformed, err)
	}
	if szx > blockwise.SZX1024 {
		return Block{}, fmt.Errorf("%w: unsupported block size exponent %d", errors.ErrMalformed, szx)
	}
	return Block{Num: uint32(num), More: more, SZX: szx}, nil
}

// SZXFor returns the largest block size exponent whose size does not exceed
// size. Sizes under 16 map to 16.
func SZXFor(size int) blockwise.SZX {
	szx := blockwise.SZX16
	for s := blockwise.SZX32; s <= blockwise.SZX1024; s++ {
		if int(s.Size()) > size {
			break
		}
		szx = s
	}
	return szx
}

// Block returns the decoded option id (Block1 or Block2) if present.
func (m *Message) Block(id message.OptionID) (Block, bool, error) {
	v, ok := m.Uint32(id)
	if !ok {
		if m.Has(id) {
			return Block{}, true, fmt.Errorf("%w: bad block option", errors.ErrMalformed)
		}
		return Block{}, false, nil
	}
	b, err := DecodeBlock(v)
	return b, true, err
}

// SetBlock sets a Block1 or Block2 option.
func (m *Message) SetBlock(id message.OptionID, b Block) error {
	v, err := b.Encode()
	if err != nil {
		return err
	}
	m.SetUint32(id, v)
	return nil
}
