// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"bytes"
	"context"
	"errors"
	"testing"

	mlerrors "github.com/absmach/mlwm2m/pkg/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp/coder"
)

func TestParse_PoolEncoded(t *testing.T) {
	ctx := context.Background()
	pm := pool.NewMessage(ctx)
	defer pm.Reset()

	pm.SetCode(codes.PUT)
	pm.SetMessageID(4242)
	pm.SetType(message.Confirmable)
	pm.SetToken(message.Token{0xca, 0xfe})
	pm.ResetOptionsTo(message.Options{
		{ID: message.URIPath, Value: []byte("3")},
		{ID: message.URIPath, Value: []byte("0")},
		{ID: message.URIPath, Value: []byte("1")},
	})
	pm.SetBody(bytes.NewReader([]byte("hello")))

	data, err := pm.MarshalWithEncoder(coder.DefaultCoder)
	if err != nil {
		t.Fatalf("Failed to marshal CoAP message: %v", err)
	}

	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if msg.Type != message.Confirmable {
		t.Errorf("Type = %v, want Confirmable", msg.Type)
	}
	if msg.Code != codes.PUT {
		t.Errorf("Code = %v, want PUT", msg.Code)
	}
	if msg.MessageID != 4242 {
		t.Errorf("MessageID = %d, want 4242", msg.MessageID)
	}
	if !bytes.Equal(msg.Token, []byte{0xca, 0xfe}) {
		t.Errorf("Token = %x, want cafe", []byte(msg.Token))
	}
	if diff := cmp.Diff([]string{"3", "0", "1"}, msg.PathSegments()); diff != "" {
		t.Errorf("PathSegments() mismatch (-want +got):\n%s", diff)
	}
	if string(msg.Payload) != "hello" {
		t.Errorf("Payload = %q, want %q", msg.Payload, "hello")
	}
}

func TestMessage_MarshalParse(t *testing.T) {
	in := &Message{
		Type:      message.NonConfirmable,
		Code:      codes.POST,
		MessageID: 7,
		Token:     message.Token{1, 2, 3, 4},
		Payload:   []byte{0x00, 0x01, 0x02},
	}
	in.SetContentFormat(message.AppOctets)
	in.SetPath("/push")
	in.AddQuery("ep=device-1")
	if err := in.SetBlock(message.Block1, NewBlock(2, true, 256)); err != nil {
		t.Fatalf("SetBlock() error = %v", err)
	}

	data, err := in.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	out, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if out.Path() != "/push" {
		t.Errorf("Path() = %q, want /push", out.Path())
	}
	if diff := cmp.Diff([]string{"ep=device-1"}, out.Queries()); diff != "" {
		t.Errorf("Queries() mismatch (-want +got):\n%s", diff)
	}
	if cf, ok := out.ContentFormat(); !ok || cf != message.AppOctets {
		t.Errorf("ContentFormat() = %v, %v", cf, ok)
	}
	blk, ok, err := out.Block(message.Block1)
	if err != nil || !ok {
		t.Fatalf("Block() = %v, %v, %v", blk, ok, err)
	}
	if blk.Num != 2 || !blk.More || blk.Size() != 256 {
		t.Errorf("Block1 = %v, want 2/true/256", blk)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("Payload = %x, want %x", out.Payload, in.Payload)
	}
}

func TestParse_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "short header", data: []byte{0x40, 0x01}},
		{name: "token length nine", data: []byte{0x49, 0x01, 0x00, 0x01, 1, 2, 3, 4, 5, 6, 7, 8, 9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data)
			if !errors.Is(err, mlerrors.ErrMalformed) {
				t.Errorf("Parse() error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestPeekMessageID(t *testing.T) {
	mid, ok := PeekMessageID([]byte{0x40, 0x01, 0x12, 0x34, 0xff})
	if !ok || mid != 0x1234 {
		t.Errorf("PeekMessageID() = %#x, %v, want 0x1234, true", mid, ok)
	}
	if _, ok := PeekMessageID([]byte{0x40, 0x01, 0x12}); ok {
		t.Error("PeekMessageID() on 3 bytes should fail")
	}
}

func TestMessage_Options(t *testing.T) {
	m := &Message{}
	m.SetPath("/rd/abc")
	m.SetUint32(message.Observe, 0)
	m.SetUint32(message.Observe, 5)

	if obs, ok := m.Observe(); !ok || obs != 5 {
		t.Errorf("Observe() = %d, %v, want 5, true", obs, ok)
	}
	m.Remove(message.Observe)
	if m.Has(message.Observe) {
		t.Error("Observe option should be removed")
	}
	if m.Path() != "/rd/abc" {
		t.Errorf("Path() = %q", m.Path())
	}

	c := m.Clone()
	c.Options[0].Value[0] = 'x'
	if m.Path() != "/rd/abc" {
		t.Error("Clone() shares option buffers")
	}
}

func TestCodeClasses(t *testing.T) {
	tests := []struct {
		code    codes.Code
		request bool
		success bool
		error   bool
	}{
		{codes.Empty, false, false, false},
		{codes.GET, true, false, false},
		{codes.DELETE, true, false, false},
		{codes.Content, false, true, false},
		{codes.Continue, false, true, false},
		{codes.BadRequest, false, false, true},
		{codes.InternalServerError, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			if IsRequest(tt.code) != tt.request {
				t.Errorf("IsRequest() = %v", !tt.request)
			}
			if IsSuccess(tt.code) != tt.success {
				t.Errorf("IsSuccess() = %v", !tt.success)
			}
			if IsError(tt.code) != tt.error {
				t.Errorf("IsError() = %v", !tt.error)
			}
		})
	}
}
