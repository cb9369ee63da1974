// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the worker side of the region controller control
// channel.
//
// A worker process recovers its launch parameters with [ParamsFromEnv],
// dials the master's control socket with [Dial], and announces itself
// with [Client.Identify]. From then on the open connection tells the
// master the worker is alive. [Client.Done] closes when the master goes
// away, which a worker should treat as a request to exit.
//
// The RPC methods report the worker's RPC endpoint and the rack
// controller connections it holds. Each waits for the master's
// acknowledgement.
package worker
