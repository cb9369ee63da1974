// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package control implements the master side of the worker control
// channel: a Unix socket that every freshly spawned worker dials to
// announce its pid.
//
// A [Listener] accepts connections, runs the one-message handshake
// defined in lib/ipc, and keeps the authoritative pid to connection
// table. It reports two events to an [Observer]: WorkerRegistered when
// a handshake completes and WorkerLost when a registered connection
// closes. After the handshake the connection carries nothing the pool
// depends on; its closure is how the master learns a worker is gone.
//
// Workers may also report their RPC endpoint and the rack controller
// connections they hold. Those messages only update the registration
// returned by [Listener.Registrations].
//
// The listener owns an advisory lock on the socket path plus ".lock"
// for as long as it runs, so a second master on the same path fails
// with [ErrSocketInUse] instead of stealing the socket.
package control
