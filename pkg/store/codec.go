// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/yaml.v3"
)

// snapshot is the top-level document of an objects file.
type snapshot struct {
	Objects []Object `yaml:"objects" cbor:"1,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	// Canonical encoding keeps snapshots of the same data byte-identical.
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create objects CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create objects CBOR decoder mode: %v", err))
	}
}

// LoadYAML reads an objects document in YAML.
func LoadYAML(r io.Reader) (*Memory, error) {
	var doc snapshot
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode YAML objects: %w", err)
	}
	return NewMemory(doc.Objects...), nil
}

// LoadCBOR reads an objects document in CBOR.
func LoadCBOR(r io.Reader) (*Memory, error) {
	var doc snapshot
	if err := decMode.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode CBOR objects: %w", err)
	}
	return NewMemory(doc.Objects...), nil
}

// EncodeCBOR writes a CBOR snapshot of the store.
func (m *Memory) EncodeCBOR(w io.Writer) error {
	return encMode.NewEncoder(w).Encode(snapshot{Objects: m.Objects()})
}

// EncodeYAML writes a YAML snapshot of the store.
func (m *Memory) EncodeYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snapshot{Objects: m.Objects()}); err != nil {
		return err
	}
	return enc.Close()
}
