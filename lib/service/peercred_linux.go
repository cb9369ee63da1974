// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package service

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerUID returns the uid the kernel recorded for the process that
// connected conn.
func peerUID(conn net.Conn) (int, bool) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, false
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, false
	}

	var credentials *unix.Ucred
	var credentialsErr error
	if err := raw.Control(func(fd uintptr) {
		credentials, credentialsErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credentialsErr != nil {
		return 0, false
	}
	return int(credentials.Uid), true
}
