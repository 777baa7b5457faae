// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry keeps the LWM2M servers known to the client.
package registry

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/absmach/mlwm2m/pkg/errors"
)

// Status is the registration state of a server.
type Status uint8

const (
	StatusDeregistered Status = iota
	StatusRegistering
	StatusRegistered
	StatusUpdating
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusRegistering:
		return "registering"
	case StatusRegistered:
		return "registered"
	case StatusUpdating:
		return "updating"
	case StatusFailed:
		return "failed"
	default:
		return "deregistered"
	}
}

// Server is one LWM2M server or bootstrap server.
type Server struct {
	ShortID uint16
	Status  Status
	// Peer is the transport address of the server.
	Peer string
	// Location is the registration path assigned by the server, e.g. "/rd/5a3f".
	Location  string
	Bootstrap bool
}

// Registered reports whether the server accepts data from the client.
func (s Server) Registered() bool {
	return s.Status == StatusRegistered || s.Status == StatusUpdating
}

// Registry is a concurrency-safe server list kept in insertion order.
type Registry struct {
	mu      sync.RWMutex
	servers []Server
}

// New creates a registry holding servers.
func New(servers ...Server) *Registry {
	r := &Registry{}
	for _, s := range servers {
		r.Put(s)
	}
	return r
}

// Put adds a server or replaces the one with the same short id and role.
func (r *Registry) Put(s Server) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.servers {
		if r.servers[i].ShortID == s.ShortID && r.servers[i].Bootstrap == s.Bootstrap {
			r.servers[i] = s
			return
		}
	}
	r.servers = append(r.servers, s)
}

// Remove drops the server with shortID.
func (r *Registry) Remove(shortID uint16) (Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.servers {
		if s.ShortID == shortID && !s.Bootstrap {
			r.servers = slices.Delete(r.servers, i, i+1)
			return s, true
		}
	}
	return Server{}, false
}

// SetStatus updates the registration state and location of a server.
func (r *Registry) SetStatus(shortID uint16, status Status, location string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.servers {
		if r.servers[i].ShortID == shortID && !r.servers[i].Bootstrap {
			r.servers[i].Status = status
			r.servers[i].Location = location
			return nil
		}
	}
	return fmt.Errorf("%w: server %d", errors.ErrNotFound, shortID)
}

// Servers returns a snapshot of every server.
func (r *Registry) Servers() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.servers)
}

// Find returns the management server reachable at peer.
func (r *Registry) Find(peer string) (Server, bool) {
	return r.find(func(s Server) bool { return !s.Bootstrap && s.Peer == peer })
}

// FindBootstrap returns the bootstrap server reachable at peer.
func (r *Registry) FindBootstrap(peer string) (Server, bool) {
	return r.find(func(s Server) bool { return s.Bootstrap && s.Peer == peer })
}

// ByShortID returns the management server with shortID.
func (r *Registry) ByShortID(shortID uint16) (Server, bool) {
	return r.find(func(s Server) bool { return !s.Bootstrap && s.ShortID == shortID })
}

// Count returns the number of management servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.servers {
		if !s.Bootstrap {
			n++
		}
	}
	return n
}

func (r *Registry) find(match func(Server) bool) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.servers {
		if match(s) {
			return s, true
		}
	}
	return Server{}, false
}

// Parse reads a server definition of the form "<shortID>=<host:port>" or
// "bs=<host:port>" for the bootstrap server. Management servers start
// registered at "/rd/<shortID>".
func Parse(def string) (Server, error) {
	id, peer, ok := strings.Cut(strings.TrimSpace(def), "=")
	if !ok || peer == "" {
		return Server{}, fmt.Errorf("%w: server definition %q", errors.ErrInvalidInput, def)
	}
	if id == "bs" {
		return Server{Peer: peer, Bootstrap: true}, nil
	}
	n, err := strconv.ParseUint(id, 10, 16)
	if err != nil || n == 0 || n == 65535 {
		return Server{}, fmt.Errorf("%w: short server id %q", errors.ErrInvalidInput, id)
	}
	return Server{
		ShortID:  uint16(n),
		Status:   StatusRegistered,
		Peer:     peer,
		Location: "/rd/" + id,
	}, nil
}
