// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"fmt"
	"strconv"
)

// SlotID identifies a worker slot. Ids are dense in [0, N).
type SlotID int

func (id SlotID) String() string {
	return strconv.Itoa(int(id))
}

// BackgroundSlot is the slot that runs background tasks when the pool
// has at least two slots.
const BackgroundSlot SlotID = 1

// carriesBackground reports whether slot id runs background tasks in a
// pool of size desired.
func carriesBackground(id SlotID, desired int) bool {
	return id == BackgroundSlot && desired >= 2
}

// State is a slot's lifecycle state.
type State int

const (
	// Missing slots have no process and are filled by the next spawn.
	Missing State = iota
	// Spawning slots have a launched process that has not yet
	// completed its handshake.
	Spawning
	// Registered slots have a live, handshaken worker.
	Registered
	// Terminating slots were asked to exit during shutdown.
	Terminating
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Spawning:
		return "spawning"
	case Registered:
		return "registered"
	case Terminating:
		return "terminating"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Slot is a snapshot of one worker slot.
type Slot struct {
	ID         SlotID
	PID        int
	Background bool
	State      State
}
