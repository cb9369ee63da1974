// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import "fmt"

// Health summarizes whether the pool is at its desired size.
type Health string

const (
	HealthRunning  Health = "running"
	HealthDegraded Health = "degraded"
)

// Status is the pool's service status.
type Status struct {
	Health   Health `cbor:"health" json:"health"`
	Message  string `cbor:"message,omitempty" json:"message,omitempty"`
	Running  int    `cbor:"running" json:"running"`
	Expected int    `cbor:"expected" json:"expected"`
}

// newStatus reports running registered workers against expected.
func newStatus(running, expected int) Status {
	status := Status{Health: HealthRunning, Running: running, Expected: expected}
	if running >= expected {
		return status
	}
	noun := "processes"
	if running == 1 {
		noun = "process"
	}
	status.Health = HealthDegraded
	status.Message = fmt.Sprintf("%d %s running but %d were expected.", running, noun, expected)
	return status
}
