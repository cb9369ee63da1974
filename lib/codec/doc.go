// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the shared CBOR configuration used by regiond's
// local protocols.
//
// Two places carry CBOR:
//
//   - the payloads of control-channel messages sent after the
//     handshake (RPC endpoint and connection reports from workers),
//   - the operator admin socket request/response envelopes.
//
// The handshake itself is fixed binary (see lib/ipc) and does not go
// through this package. Encoding uses Core Deterministic Encoding
// (RFC 8949 §4.2) so the same value always produces the same bytes,
// which keeps test fixtures stable.
//
// Buffer-oriented use:
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Stream-oriented use (sockets):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types that only ever travel as CBOR carry `cbor` struct tags. Types
// that are also printed as JSON by regiond-ctl carry `json` tags, which
// fxamacker/cbor reads as a fallback.
package codec
