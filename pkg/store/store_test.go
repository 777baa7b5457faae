// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"bytes"
	"context"
	"testing"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/google/go-cmp/cmp"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

func TestLoad_YAML(t *testing.T) {
	m, err := Load("testdata/objects.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	code, recs := m.ReadData(context.Background(), coap.ObjectURI(2))
	if code != codes.Content || len(recs) != 1 {
		t.Fatalf("ReadData(/2) = %v, %d records", code, len(recs))
	}
	owner, ok := recs[0].Child(3)
	if !ok || owner.Value != 100 {
		t.Errorf("owner resource = %+v, %v, want 100", owner, ok)
	}
	acl, ok := recs[0].Child(2)
	if !ok || len(acl.Children) != 1 || acl.Children[0].Value != 31 {
		t.Errorf("acl resource = %+v", acl)
	}
}

func TestMemory_ReadData(t *testing.T) {
	m := NewMemory(Object{
		ID: 3,
		Instances: []Record{
			{ID: 0, Children: []Record{{ID: 0, Text: "maker"}, {ID: 9, Value: 80}}},
		},
	})
	ctx := context.Background()

	tests := []struct {
		name string
		uri  coap.URI
		code codes.Code
		want []Record
	}{
		{name: "resource", uri: coap.ResourceURI(3, 0, 9), code: codes.Content, want: []Record{{ID: 9, Value: 80}}},
		{name: "missing resource", uri: coap.ResourceURI(3, 0, 1), code: codes.NotFound},
		{name: "missing instance", uri: coap.InstanceURI(3, 1), code: codes.NotFound},
		{name: "missing object", uri: coap.ObjectURI(4), code: codes.NotFound},
		{name: "not a dm uri", uri: coap.URI{Kind: coap.URIBootstrap}, code: codes.BadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, recs := m.ReadData(ctx, tt.uri)
			if code != tt.code {
				t.Errorf("code = %v, want %v", code, tt.code)
			}
			if diff := cmp.Diff(tt.want, recs); diff != "" {
				t.Errorf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMemory_ReadDataReturnsCopies(t *testing.T) {
	m := NewMemory(Object{ID: 1, Instances: []Record{{ID: 0, Children: []Record{{ID: 1, Value: 300}}}}})
	_, recs := m.ReadData(context.Background(), coap.InstanceURI(1, 0))
	recs[0].Children[0].Value = 0

	_, again := m.ReadData(context.Background(), coap.ResourceURI(1, 0, 1))
	if again[0].Value != 300 {
		t.Errorf("store was mutated through a returned record: %d", again[0].Value)
	}
}

func TestMemory_PutDelete(t *testing.T) {
	m := NewMemory()
	m.Put(2, Record{ID: 5})
	m.Put(2, Record{ID: 1})
	m.Put(2, Record{ID: 5, Value: 7})

	objs := m.Objects()
	want := []Object{{ID: 2, Instances: []Record{{ID: 1}, {ID: 5, Value: 7}}}}
	if diff := cmp.Diff(want, objs); diff != "" {
		t.Errorf("Objects() mismatch (-want +got):\n%s", diff)
	}

	if !m.Delete(2, 1) {
		t.Error("Delete(2, 1) = false")
	}
	if m.Delete(2, 1) {
		t.Error("second Delete(2, 1) = true")
	}
	if !m.Has(2) {
		t.Error("object 2 should still exist")
	}
}

func TestCBORRoundTrip(t *testing.T) {
	m, err := Load("testdata/objects.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var buf bytes.Buffer
	if err := m.EncodeCBOR(&buf); err != nil {
		t.Fatalf("EncodeCBOR() error = %v", err)
	}
	first := bytes.Clone(buf.Bytes())

	decoded, err := LoadCBOR(&buf)
	if err != nil {
		t.Fatalf("LoadCBOR() error = %v", err)
	}
	if diff := cmp.Diff(m.Objects(), decoded.Objects()); diff != "" {
		t.Errorf("objects mismatch (-want +got):\n%s", diff)
	}

	var again bytes.Buffer
	if err := decoded.EncodeCBOR(&again); err != nil {
		t.Fatalf("EncodeCBOR() error = %v", err)
	}
	if !bytes.Equal(first, again.Bytes()) {
		t.Error("CBOR encoding is not deterministic")
	}
}

func TestLoadYAML_UnknownField(t *testing.T) {
	_, err := LoadYAML(bytes.NewBufferString("objects:\n  - id: 1\n    bogus: true\n"))
	if err == nil {
		t.Error("LoadYAML() accepted an unknown field")
	}
}
