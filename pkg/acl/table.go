// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package acl evaluates LWM2M Access Control (object 2) rights.
package acl

import (
	"context"
	"fmt"
	"sort"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/absmach/mlwm2m/pkg/errors"
	"github.com/absmach/mlwm2m/pkg/store"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ObjectID is the Access Control object id.
const ObjectID uint16 = 2

// Access Control resource ids.
const (
	ResObjectID         uint16 = 0
	ResObjectInstanceID uint16 = 1
	ResACL              uint16 = 2
	ResOwner            uint16 = 3
)

const (
	// AllInstances as an object instance id matches every instance.
	AllInstances = coap.MaxID
	// BootstrapOwner is the owner of instances provisioned by the bootstrap server.
	BootstrapOwner = coap.MaxID
	// DefaultServer keys the rights applied to servers without their own entry.
	DefaultServer uint16 = 0
)

// Rights is the LWM2M access right bitmask.
type Rights uint8

const (
	Read Rights = 1 << iota
	Write
	Execute
	Delete
	Create
)

const (
	FullRights  = Read | Write | Execute | Delete | Create
	OwnerRights = Read | Write | Execute | Delete
)

func (r Rights) Has(want Rights) bool {
	return r&want == want
}

func (r Rights) String() string {
	const letters = "RWEDC"
	out := make([]byte, 0, len(letters))
	for i := range letters {
		if r&(1<<i) != 0 {
			out = append(out, letters[i])
		}
	}
	if len(out) == 0 {
		return "-"
	}
	return string(out)
}

// Entry grants rights to one server, or to every other server when
// ServerID is DefaultServer.
type Entry struct {
	ServerID uint16
	Rights   Rights
}

// Instance is one Access Control object instance.
type Instance struct {
	ID               uint16
	ObjectID         uint16
	ObjectInstanceID uint16
	Owner            uint16
	Entries          []Entry
}

// SetRights adds or replaces the entry for server.
func (in *Instance) SetRights(server uint16, r Rights) {
	for i := range in.Entries {
		if in.Entries[i].ServerID == server {
			in.Entries[i].Rights = r
			return
		}
	}
	in.Entries = append(in.Entries, Entry{ServerID: server, Rights: r})
}

func (in Instance) clone() Instance {
	entries := make([]Entry, 0, len(in.Entries))
	for _, e := range in.Entries {
		dup := false
		for i := range entries {
			if entries[i].ServerID == e.ServerID {
				entries[i].Rights = e.Rights
				dup = true
				break
			}
		}
		if !dup {
			entries = append(entries, e)
		}
	}
	if len(entries) == 0 {
		entries = nil
	}
	in.Entries = entries
	return in
}

// Table holds the Access Control instances ordered by instance id.
// It is owned by the engine goroutine and is not safe for concurrent use.
type Table struct {
	registered bool
	instances  []Instance
	index      map[uint16]int
}

// NewTable creates an unregistered, empty table.
func NewTable() *Table {
	return &Table{index: make(map[uint16]int)}
}

// Registered reports whether the Access Control object exists.
func (t *Table) Registered() bool {
	return t.registered
}

// SetRegistered marks the Access Control object as present or absent.
func (t *Table) SetRegistered(v bool) {
	t.registered = v
}

// Len returns the number of instances.
func (t *Table) Len() int {
	return len(t.instances)
}

// Instances returns a copy of every instance in id order.
func (t *Table) Instances() []Instance {
	out := make([]Instance, len(t.instances))
	for i := range t.instances {
		out[i] = t.instances[i].clone()
	}
	return out
}

// Get returns the instance with the given id.
func (t *Table) Get(id uint16) (Instance, bool) {
	i, ok := t.index[id]
	if !ok {
		return Instance{}, false
	}
	return t.instances[i].clone(), true
}

// Put creates or replaces an instance and marks the table registered.
// Entries sharing a server id collapse to the last one.
func (t *Table) Put(in Instance) {
	t.registered = true
	in = in.clone()
	if i, ok := t.index[in.ID]; ok {
		t.instances[i] = in
		return
	}
	t.instances = append(t.instances, in)
	t.reindex()
}

// Delete removes an instance.
func (t *Table) Delete(id uint16) bool {
	i, ok := t.index[id]
	if !ok {
		return false
	}
	t.instances = append(t.instances[:i], t.instances[i+1:]...)
	t.reindex()
	return true
}

// DeleteRelated removes the instances governing objectID/objectInstanceID
// and returns their ids. It is used when that object instance is deleted.
func (t *Table) DeleteRelated(objectID, objectInstanceID uint16) []uint16 {
	var removed []uint16
	kept := t.instances[:0]
	for _, in := range t.instances {
		if in.ObjectID == objectID && in.ObjectInstanceID == objectInstanceID {
			removed = append(removed, in.ID)
			continue
		}
		kept = append(kept, in)
	}
	t.instances = kept
	t.reindex()
	return removed
}

// Erase resets every instance to the state a bootstrap delete leaves it in:
// no target, bootstrap owner, no entries.
func (t *Table) Erase() {
	for i := range t.instances {
		t.instances[i].ObjectID = coap.MaxID
		t.instances[i].ObjectInstanceID = AllInstances
		t.instances[i].Owner = BootstrapOwner
		t.instances[i].Entries = nil
	}
}

// Clear drops every instance.
func (t *Table) Clear() {
	t.instances = nil
	t.reindex()
}

// Load rebuilds the table from object 2 of s. A missing object leaves the
// table empty and unregistered.
func (t *Table) Load(ctx context.Context, s store.Store) error {
	code, recs := s.ReadData(ctx, coap.ObjectURI(ObjectID))
	switch code {
	case codes.Content:
	case codes.NotFound:
		t.Clear()
		t.registered = false
		return nil
	default:
		return fmt.Errorf("failed to read access control object: %s", code)
	}

	instances := make([]Instance, 0, len(recs))
	for _, rec := range recs {
		in, err := DecodeInstance(rec)
		if err != nil {
			return err
		}
		instances = append(instances, in)
	}

	t.instances = instances
	t.registered = true
	t.reindex()
	return nil
}

func (t *Table) reindex() {
	sort.SliceStable(t.instances, func(i, j int) bool { return t.instances[i].ID < t.instances[j].ID })
	t.index = make(map[uint16]int, len(t.instances))
	for i, in := range t.instances {
		t.index[in.ID] = i
	}
}

// DecodeInstance reads an Access Control instance from its object record.
func DecodeInstance(rec store.Record) (Instance, error) {
	in := Instance{ID: rec.ID}

	var err error
	if in.ObjectID, err = uint16Resource(rec, ResObjectID); err != nil {
		return Instance{}, err
	}
	if in.ObjectInstanceID, err = uint16Resource(rec, ResObjectInstanceID); err != nil {
		return Instance{}, err
	}
	if in.Owner, err = uint16Resource(rec, ResOwner); err != nil {
		return Instance{}, err
	}

	if acl, ok := rec.Child(ResACL); ok {
		for _, ri := range acl.Children {
			if ri.Value < 0 || ri.Value > int64(FullRights) {
				return Instance{}, fmt.Errorf("%w: /2/%d/2/%d rights %d", errors.ErrInvalidInput, rec.ID, ri.ID, ri.Value)
			}
			in.SetRights(ri.ID, Rights(ri.Value))
		}
	}

	return in, nil
}

func uint16Resource(rec store.Record, rid uint16) (uint16, error) {
	r, ok := rec.Child(rid)
	if !ok {
		return 0, fmt.Errorf("%w: /2/%d/%d missing", errors.ErrInvalidInput, rec.ID, rid)
	}
	if r.Value < 0 || r.Value > int64(coap.MaxID) {
		return 0, fmt.Errorf("%w: /2/%d/%d value %d", errors.ErrInvalidInput, rec.ID, rid, r.Value)
	}
	return uint16(r.Value), nil
}
