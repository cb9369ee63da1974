// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [SocketDir] creates a short directory under /tmp for Unix domain
// sockets, whose paths are limited to 108 bytes and so cannot live
// under a deeply nested t.TempDir().
//
// [RequireReceive] and [RequireClosed] wrap the select-with-timeout
// pattern so tests never hang on a channel that is not going to be
// written. They are the only place tests use wall-clock timeouts.
//
// [UniqueID] returns monotonically increasing identifiers.
//
// Helpers fail the test with t.Fatalf rather than returning errors.
package testutil
