// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package store provides the LWM2M object data store read by the engine.
//
// Records form a small tree: an object holds instance records, an instance
// holds resource records and a multi-instance resource holds one record per
// resource instance in Children.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// Record is one node of object data.
type Record struct {
	ID       uint16   `yaml:"id"                 cbor:"1,keyasint"`
	Value    int64    `yaml:"value,omitempty"    cbor:"2,keyasint,omitempty"`
	Text     string   `yaml:"text,omitempty"     cbor:"3,keyasint,omitempty"`
	Children []Record `yaml:"children,omitempty" cbor:"4,keyasint,omitempty"`
}

// Child returns the child record with the given id.
func (r Record) Child(id uint16) (Record, bool) {
	for _, c := range r.Children {
		if c.ID == id {
			return c, true
		}
	}
	return Record{}, false
}

// Object is the serialized form of one object and its instances.
type Object struct {
	ID        uint16   `yaml:"id"        cbor:"1,keyasint"`
	Instances []Record `yaml:"instances" cbor:"2,keyasint"`
}

// Store reads object data. Returned records are copies owned by the caller.
type Store interface {
	ReadData(ctx context.Context, uri coap.URI) (codes.Code, []Record)
}

var _ Store = (*Memory)(nil)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.RWMutex
	objects map[uint16][]Record
}

// NewMemory creates a store holding the given objects.
func NewMemory(objects ...Object) *Memory {
	m := &Memory{objects: make(map[uint16][]Record)}
	for _, o := range objects {
		m.objects[o.ID] = cloneRecords(o.Instances)
	}
	return m
}

// Load reads a store from a YAML (.yaml, .yml) or CBOR (.cbor) file.
func Load(path string) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open objects file %s: %w", path, err)
	}
	defer f.Close()

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return LoadYAML(f)
	case ".cbor":
		return LoadCBOR(f)
	default:
		return nil, fmt.Errorf("unsupported objects file extension %q", filepath.Ext(path))
	}
}

// ReadData returns the records addressed by uri: every instance for an
// object path, one instance or one resource otherwise.
func (m *Memory) ReadData(_ context.Context, uri coap.URI) (codes.Code, []Record) {
	if uri.Kind != coap.URIDM || !uri.HasObject() {
		return codes.BadRequest, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	instances, ok := m.objects[uri.ObjectID]
	if !ok {
		return codes.NotFound, nil
	}
	if !uri.HasInstance() {
		return codes.Content, cloneRecords(instances)
	}

	for _, inst := range instances {
		if inst.ID != uri.InstanceID {
			continue
		}
		if !uri.HasResource() {
			return codes.Content, cloneRecords([]Record{inst})
		}
		if res, ok := inst.Child(uri.ResourceID); ok {
			return codes.Content, cloneRecords([]Record{res})
		}
		return codes.NotFound, nil
	}

	return codes.NotFound, nil
}

// Has reports whether the object exists, even with zero instances.
func (m *Memory) Has(oid uint16) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[oid]
	return ok
}

// Put creates or replaces an object instance.
func (m *Memory) Put(oid uint16, inst Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instances := m.objects[oid]
	for i := range instances {
		if instances[i].ID == inst.ID {
			instances[i] = cloneRecord(inst)
			return
		}
	}
	instances = append(instances, cloneRecord(inst))
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	m.objects[oid] = instances
}

// Delete removes an object instance.
func (m *Memory) Delete(oid, iid uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	instances := m.objects[oid]
	for i := range instances {
		if instances[i].ID == iid {
			m.objects[oid] = append(instances[:i], instances[i+1:]...)
			return true
		}
	}
	return false
}

// Objects returns a snapshot of every object ordered by id.
func (m *Memory) Objects() []Object {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Object, 0, len(m.objects))
	for id, instances := range m.objects {
		out = append(out, Object{ID: id, Instances: cloneRecords(instances)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneRecords(in []Record) []Record {
	if in == nil {
		return nil
	}
	out := make([]Record, len(in))
	for i := range in {
		out[i] = cloneRecord(in[i])
	}
	return out
}

func cloneRecord(r Record) Record {
	r.Children = cloneRecords(r.Children)
	return r
}
