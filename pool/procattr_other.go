// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package pool

import "syscall"

func workerProcAttr() *syscall.SysProcAttr {
	return nil
}
