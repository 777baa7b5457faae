// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

// MaxTokenLength is the longest token RFC 7252 allows.
const MaxTokenLength = 8

// Message is an in-memory CoAP message.
type Message struct {
	Type      message.Type
	Code      codes.Code
	MessageID uint16
	Token     message.Token
	Options   message.Options
	Payload   []byte
}

// Parse decodes one CoAP datagram. The returned message owns all of its
// buffers.
func Parse(data []byte) (*Message, error) {
	pm := pool.NewMessage(context.Background())
	defer pm.Reset()

	if _, err := pm.UnmarshalWithDecoder(coder.DefaultCoder, data); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrMalformed, err)
	}
	if len(pm.Token()) > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", errors.ErrMalformed, len(pm.Token()))
	}

	msg := &Message{
		Type:      pm.Type(),
		Code:      pm.Code(),
		MessageID: uint16(pm.MessageID()),
		Token:     bytes.Clone(pm.Token()),
	}
	for _, opt := range pm.Options() {
		msg.Options = append(msg.Options, message.Option{ID: opt.ID, Value: bytes.Clone(opt.Value)})
	}
	if body := pm.Body(); body != nil {
		payload, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrMalformed, err)
		}
		if len(payload) > 0 {
			msg.Payload = payload
		}
	}

	return msg, nil
}

// PeekMessageID extracts the message id from a datagram header without
// validating the rest of it.
func PeekMessageID(data []byte) (uint16, bool) {
	if len(data) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint16(data[2:4]), true
}

// Marshal encodes the message to wire format.
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Token) > MaxTokenLength {
		return nil, fmt.Errorf("%w: token length %d", errors.ErrInvalidInput, len(m.Token))
	}

	// Options must hit the encoder sorted by number; repeated options keep
	// their relative order.
	opts := make(message.Options, len(m.Options))
	copy(opts, m.Options)
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].ID < opts[j].ID })

	pm := pool.NewMessage(context.Background())
	defer pm.Reset()

	pm.SetType(m.Type)
	pm.SetCode(m.Code)
	pm.SetMessageID(int32(m.MessageID))
	pm.SetToken(m.Token)
	pm.ResetOptionsTo(opts)
	if len(m.Payload) > 0 {
		pm.SetBody(bytes.NewReader(m.Payload))
	}

	data, err := pm.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CoAP message: %w", err)
	}
	return bytes.Clone(data), nil
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := &Message{
		Type:      m.Type,
		Code:      m.Code,
		MessageID: m.MessageID,
		Token:     bytes.Clone(m.Token),
		Payload:   bytes.Clone(m.Payload),
	}
	for _, opt := range m.Options {
		c.Options = append(c.Options, message.Option{ID: opt.ID, Value: bytes.Clone(opt.Value)})
	}
	return c
}

// Has reports whether the option is present.
func (m *Message) Has(id message.OptionID) bool {
	for _, opt := range m.Options {
		if opt.ID == id {
			return true
		}
	}
	return false
}

// Uint32 returns the value of a uint option.
func (m *Message) Uint32(id message.OptionID) (uint32, bool) {
	v, err := m.Options.GetUint32(id)
	if err != nil {
		return 0, false
	}
	return v, true
}

// SetUint32 replaces any occurrence of the option with a single uint value.
func (m *Message) SetUint32(id message.OptionID, v uint32) {
	buf := make([]byte, 4)
	n, _ := message.EncodeUint32(buf, v)
	m.Remove(id)
	m.Options = append(m.Options, message.Option{ID: id, Value: buf[:n]})
}

// Remove drops every occurrence of the option.
func (m *Message) Remove(id message.OptionID) {
	kept := m.Options[:0]
	for _, opt := range m.Options {
		if opt.ID != id {
			kept = append(kept, opt)
		}
	}
	m.Options = kept
}

// PathSegments returns the Uri-Path options in order.
func (m *Message) PathSegments() []string {
	return m.strings(message.URIPath)
}

// Path returns the Uri-Path joined with a leading slash.
func (m *Message) Path() string {
	return "/" + strings.Join(m.PathSegments(), "/")
}

// SetPath replaces the Uri-Path with the segments of path. Empty segments
// are skipped.
func (m *Message) SetPath(path string) {
	m.Remove(message.URIPath)
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			continue
		}
		m.Options = append(m.Options, message.Option{ID: message.URIPath, Value: []byte(seg)})
	}
}

// Queries returns the Uri-Query options in order.
func (m *Message) Queries() []string {
	return m.strings(message.URIQuery)
}

// AddQuery appends a Uri-Query option.
func (m *Message) AddQuery(q string) {
	m.Options = append(m.Options, message.Option{ID: message.URIQuery, Value: []byte(q)})
}

// ContentFormat returns the Content-Format option.
func (m *Message) ContentFormat() (message.MediaType, bool) {
	v, ok := m.Uint32(message.ContentFormat)
	return message.MediaType(v), ok
}

// SetContentFormat sets the Content-Format option.
func (m *Message) SetContentFormat(mt message.MediaType) {
	m.SetUint32(message.ContentFormat, uint32(mt))
}

// Observe returns the Observe option.
func (m *Message) Observe() (uint32, bool) {
	return m.Uint32(message.Observe)
}

func (m *Message) strings(id message.OptionID) []string {
	var out []string
	for _, opt := range m.Options {
		if opt.ID == id {
			out = append(out, string(opt.Value))
		}
	}
	return out
}

func (m *Message) String() string {
	return fmt.Sprintf("%s %s mid=%d token=%x path=%s len=%d", m.Type, m.Code, m.MessageID, []byte(m.Token), m.Path(), len(m.Payload))
}

// NewEmptyAck returns an empty acknowledgement for mid.
func NewEmptyAck(mid uint16) *Message {
	return &Message{Type: message.Acknowledgement, Code: codes.Empty, MessageID: mid}
}

// IsRequest reports whether code is a method code (GET to DELETE).
func IsRequest(code codes.Code) bool {
	return code >= codes.GET && code <= codes.DELETE
}

// IsSuccess reports whether code is in the 2.xx class.
func IsSuccess(code codes.Code) bool {
	return code >= codes.Created && code < codes.BadRequest
}

// IsError reports whether code is in the 4.xx or 5.xx class.
func IsError(code codes.Code) bool {
	return code >= codes.BadRequest
}
