// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the datagram transport of the LWM2M client.
//
// # Overview
//
// A Server binds one UDP socket. Datagrams read from it are handed to a
// Dispatcher, normally the arbiter owning the engine, and the engine's own
// datagrams go out through Server.Send, which makes the server the
// engine.Transport.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐  HandlePacket  ┌─────────┐
//	│  LWM2M  │ ←─UDP─→ │  Server │ ─────────────→ │ Arbiter │ → Engine
//	│ Server  │         └─────────┘ ←──── Send ─── └─────────┘
//	└─────────┘              │
//	                         ↓
//	                   ┌──────────┐
//	                   │ Session  │
//	                   │ Manager  │
//	                   └──────────┘
//
// # Sessions
//
// UDP has no connections, so the server tracks one session per peer
// address, created by the first datagram received from or sent to the peer.
// A session idle for Config.SessionTimeout is expired and the dispatcher's
// CloseSession releases the transactions, partial Block1 bodies, stashed
// Block2 responses and the push bound to that peer.
//
// # Protection
//
// Inbound datagrams pass a listener-wide and a per-peer token bucket
// (package ratelimit) before they reach the dispatcher. Outbound writes run
// through a circuit breaker (package breaker), so a failing socket makes
// sends fail fast and the engine expires the affected transactions.
//
// # Ordering
//
// Datagrams are read and dispatched by a single goroutine. Block-wise
// transfers depend on the order in which blocks arrive, so there is no
// worker pool between the socket and the dispatcher.
//
// # Example
//
//	srv := udp.New(udp.Config{Address: ":56830", Logger: logger})
//	eng := engine.New(engineCfg, srv, reg, handler, nil, store)
//	arb := arbiter.New(arbiter.Config{}, eng)
//	defer arb.Shutdown()
//
//	if err := srv.Listen(ctx, arb); err != nil {
//		logger.Error("udp server failed", slog.Any("error", err))
//	}
package udp
