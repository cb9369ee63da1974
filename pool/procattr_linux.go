// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package pool

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// workerProcAttr makes the kernel send SIGTERM to a worker whose
// supervisor dies.
func workerProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}
}
