// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package control

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerPID returns the pid the kernel recorded for the process that
// connected conn.
func peerPID(conn net.Conn) (int, bool) {
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
	return int(credentials.Pid), true
}
