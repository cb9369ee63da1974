// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package service provides the CBOR request/response protocol spoken on
// regiond's operator socket.
//
// Every connection carries exactly one exchange. The client writes a
// CBOR map with an "action" field plus action-specific fields; the
// server routes on the action and writes a [Response] envelope before
// closing. CBOR is self-delimiting, so the protocol needs no framing.
//
// [SocketServer] dispatches to handlers registered with Handle.
// [Client] opens a fresh connection per Call.
//
// Access control is the socket's file mode: the server creates it 0660,
// so only the regiond user and group can reach it.
package service
