// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"testing"
)

func TestDecodeURI(t *testing.T) {
	tests := []struct {
		name     string
		altPath  string
		segments []string
		kind     URIKind
		str      string
		wantErr  bool
	}{
		{name: "delete all", segments: nil, kind: URIDeleteAll, str: "/"},
		{name: "bootstrap finish", segments: []string{"bs"}, kind: URIBootstrap, str: "/bs"},
		{name: "bootstrap with extra", segments: []string{"bs", "1"}, wantErr: true},
		{name: "registration", segments: []string{"rd", "5a3f"}, kind: URIRegistration, str: "/rd/5a3f"},
		{name: "object", segments: []string{"3"}, kind: URIDM, str: "/3"},
		{name: "instance", segments: []string{"3", "0"}, kind: URIDM, str: "/3/0"},
		{name: "resource", segments: []string{"3", "0", "9"}, kind: URIDM, str: "/3/0/9"},
		{name: "too deep", segments: []string{"3", "0", "9", "1"}, wantErr: true},
		{name: "not numeric", segments: []string{"three"}, wantErr: true},
		{name: "reserved id", segments: []string{"65535"}, wantErr: true},
		{name: "overflow", segments: []string{"70000"}, wantErr: true},
		{name: "alt path stripped", altPath: "/lwm2m", segments: []string{"lwm2m", "5", "0"}, kind: URIDM, str: "/5/0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := DecodeURI(tt.altPath, tt.segments)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeURI() = %v, want error", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeURI() error = %v", err)
			}
			if u.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", u.Kind, tt.kind)
			}
			if u.String() != tt.str {
				t.Errorf("String() = %q, want %q", u.String(), tt.str)
			}
		})
	}
}

func TestURIFlags(t *testing.T) {
	u, err := ParseURI("/2/1")
	if err != nil {
		t.Fatalf("ParseURI() error = %v", err)
	}
	if !u.HasObject() || !u.HasInstance() || u.HasResource() {
		t.Errorf("flags = %v/%v/%v, want true/true/false", u.HasObject(), u.HasInstance(), u.HasResource())
	}
	if u != InstanceURI(2, 1) {
		t.Errorf("ParseURI(/2/1) = %+v, want %+v", u, InstanceURI(2, 1))
	}
}
