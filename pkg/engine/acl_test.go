// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"

	"github.com/absmach/mlwm2m/pkg/acl"
	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/registry"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func accessRecord(id, oid, iid, owner uint16, rights map[uint16]acl.Rights) store.Record {
	entries := store.Record{ID: acl.ResACL}
	for sid, r := range rights {
		entries.Children = append(entries.Children, store.Record{ID: sid, Value: int64(r)})
	}
	return store.Record{
		ID: id,
		Children: []store.Record{
			{ID: acl.ResObjectID, Value: int64(oid)},
			{ID: acl.ResObjectInstanceID, Value: int64(iid)},
			{ID: acl.ResOwner, Value: int64(owner)},
			entries,
		},
	}
}

func TestCheckAccess_LoadedFromStore(t *testing.T) {
	f := newFixture(t)
	f.engine.store = store.NewMemory(store.Object{
		ID: acl.ObjectID,
		Instances: []store.Record{
			accessRecord(0, 3, 0, 1, map[uint16]acl.Rights{1: acl.Read}),
			accessRecord(1, 5, acl.AllInstances, acl.BootstrapOwner, map[uint16]acl.Rights{1: acl.Create}),
			accessRecord(2, 1, 0, 2, map[uint16]acl.Rights{acl.DefaultServer: acl.Read | acl.Write}),
		},
	})
	if err := f.engine.LoadACL(context.Background()); err != nil {
		t.Fatalf("LoadACL() error = %v", err)
	}
	if f.engine.ACL().Len() != 3 {
		t.Fatalf("ACL().Len() = %d, want 3", f.engine.ACL().Len())
	}

	tests := []struct {
		name   string
		uri    coap.URI
		server uint16
		code   codes.Code
		want   bool
	}{
		{name: "read granted", uri: coap.InstanceURI(3, 0), server: 1, code: codes.GET, want: true},
		{name: "write not granted", uri: coap.InstanceURI(3, 0), server: 1, code: codes.PUT},
		{name: "other server", uri: coap.InstanceURI(3, 0), server: 2, code: codes.GET},
		{name: "create by bootstrap grant", uri: coap.ObjectURI(5), server: 1, code: codes.POST, want: true},
		{name: "create without grant", uri: coap.ObjectURI(5), server: 2, code: codes.POST},
		{name: "default entry", uri: coap.InstanceURI(1, 0), server: 7, code: codes.PUT, want: true},
		{name: "no governing instance", uri: coap.InstanceURI(4, 0), server: 1, code: codes.GET},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.engine.CheckAccess(tt.uri, tt.server, tt.code); got != tt.want {
				t.Errorf("CheckAccess(%s, %d, %s) = %v, want %v", tt.uri, tt.server, tt.code, got, tt.want)
			}
		})
	}

	allowed := testutil.ToFloat64(f.engine.metrics.ACLDecisions.WithLabelValues("allow"))
	denied := testutil.ToFloat64(f.engine.metrics.ACLDecisions.WithLabelValues("deny"))
	if allowed != 3 || denied != 4 {
		t.Errorf("decisions allow=%v deny=%v, want 3 and 4", allowed, denied)
	}
}

func TestCheckAccess_NoTable(t *testing.T) {
	uri := coap.InstanceURI(3, 0)

	f := newFixture(t)
	if err := f.engine.LoadACL(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.engine.CheckAccess(uri, 1, codes.GET) {
		t.Error("access granted without a table while two servers are configured")
	}

	single := New(Config{}, &mockTransport{}, registry.New(
		registry.Server{ShortID: 1, Status: registry.StatusRegistered, Peer: serverPeer},
	), &mockHandler{}, nil, nil)
	if !single.CheckAccess(uri, 1, codes.PUT) {
		t.Error("access denied to the only server without a table")
	}
}
