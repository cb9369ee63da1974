// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package service

import "net"

func peerUID(net.Conn) (int, bool) {
	return 0, false
}
