// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helper shared by the regiond
// binaries: reporting a fatal error from run() before (or without) the
// structured logger and exiting non-zero.
package process
