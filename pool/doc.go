// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package pool keeps a fixed number of region worker processes alive.
//
// A [Supervisor] owns N slots with ids 0..N-1. Each slot moves through
// Missing, Spawning, Registered and Terminating. A slot leaves Missing
// when the supervisor launches a process for it, becomes Registered
// when that process completes the control channel handshake, and
// returns to Missing when the connection drops or the process exits.
// A slot that returns to Missing is refilled immediately, without
// backoff, unless the supervisor is stopping.
//
// Slot 1 carries the background task designation whenever N is at
// least 2. The designation belongs to the slot id, so a respawned
// slot 1 keeps it and no other slot ever receives it.
//
// All slot state is owned by a single goroutine that reads one event
// channel. Registration and loss events from the control listener,
// process exits, spawn timeouts and operator requests are all
// serialized through it.
//
// [ExecLauncher] starts workers with os/exec, passing the slot id and
// background flag in both the environment and the argument template.
package pool
