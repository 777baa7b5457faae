// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package acl

import (
	"log/slog"

	"github.com/absmach/mlwm2m/pkg/coap"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

// ServerCounter reports how many servers are registered.
type ServerCounter interface {
	Count() int
}

// Evaluator answers rights and access questions against a Table.
// It never mutates the table.
type Evaluator struct {
	table   *Table
	servers ServerCounter
	logger  *slog.Logger
}

// NewEvaluator creates an evaluator over t.
func NewEvaluator(t *Table, servers ServerCounter, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		table:   t,
		servers: servers,
		logger:  logger,
	}
}

// CheckRights returns the rights of server on objectID/instanceID and the
// owner of the governing instance. Pass AllInstances for object-wide
// checks.
func (e *Evaluator) CheckRights(objectID, instanceID, server uint16) (Rights, uint16) {
	if e.table.Len() == 0 {
		return FullRights, 0
	}

	var match *Instance
	for i := range e.table.instances {
		in := &e.table.instances[i]
		if in.ObjectID == objectID && (in.ObjectInstanceID == instanceID || in.ObjectInstanceID == AllInstances) {
			match = in
			break
		}
	}
	if match == nil {
		return 0, 0
	}

	if match.Owner == server && len(match.Entries) == 0 {
		return OwnerRights, server
	}

	var (
		fallback    Rights
		hasFallback bool
	)
	for _, entry := range match.Entries {
		if entry.ServerID == server {
			return entry.Rights, match.Owner
		}
		if entry.ServerID == DefaultServer {
			fallback, hasFallback = entry.Rights, true
		}
	}
	if hasFallback {
		return fallback, match.Owner
	}

	return 0, 0
}

// CheckAccess decides whether server may perform the request code on uri.
func (e *Evaluator) CheckAccess(uri coap.URI, server uint16, code codes.Code) bool {
	allowed := e.checkAccess(uri, server, code)
	e.logger.Debug("access check",
		slog.String("uri", uri.String()),
		slog.Int("server", int(server)),
		slog.String("code", code.String()),
		slog.Bool("allowed", allowed))
	return allowed
}

func (e *Evaluator) checkAccess(uri coap.URI, server uint16, code codes.Code) bool {
	if !e.table.Registered() {
		return e.servers.Count() == 1
	}
	// Registered with no instances allows everything, whatever the server count.
	if e.table.Len() == 0 {
		return true
	}

	if code == codes.POST && !uri.HasInstance() {
		rights, owner := e.CheckRights(uri.ObjectID, AllInstances, server)
		return rights != 0 && owner == BootstrapOwner && rights.Has(Create)
	}

	iid := AllInstances
	if uri.HasInstance() {
		iid = uri.InstanceID
	}
	rights, owner := e.CheckRights(uri.ObjectID, iid, server)
	if rights == 0 {
		return false
	}

	if code == codes.GET && rights.Has(Read) {
		return true
	}

	if ((code == codes.POST && !uri.HasResource()) || (code == codes.PUT && uri.HasInstance())) && rights.Has(Write) {
		if uri.ObjectID != ObjectID || owner == server {
			return true
		}
	}

	if code == codes.POST && uri.HasInstance() && uri.HasResource() && rights.Has(Execute) {
		return true
	}

	if code == codes.DELETE && rights.Has(Delete) {
		if uri.ObjectID != ObjectID || owner == server {
			return true
		}
	}

	return false
}
