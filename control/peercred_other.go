// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package control

import "net"

func peerPID(net.Conn) (int, bool) {
	return 0, false
}
