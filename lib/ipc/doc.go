// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the wire format of the master/worker control
// channel: the Unix socket every worker dials back to immediately after
// it is launched. Both the control listener (package control) and the
// worker client (package worker) import it so the format is defined
// once.
//
// Every message is a 6-byte header followed by a payload:
//
//	[uint32 big-endian payload length][uint16 big-endian message type][payload]
//
// The handshake is a single Identify message carrying the worker's
// pid as a fixed 4-byte payload, answered by an empty Ack. After the
// handshake the connection stays open purely as a liveness signal.
// Workers may additionally report their RPC endpoint and RPC
// connections; those messages carry CBOR payloads and are also
// answered by Ack.
package ipc
