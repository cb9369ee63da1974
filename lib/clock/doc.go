// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for the supervisor.
//
// The supervisor's timers (stuck-spawn deadlines, the periodic status
// tick) are scheduled through a Clock rather than the time package.
// Production wires Real(); tests wire Fake() and move time forward with
// Advance, using WaitForTimers to know the code under test has armed
// the timer it is waiting on:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	supervisor := pool.NewSupervisor(pool.Options{Clock: fake, ...})
//	fake.WaitForTimers(1)
//	fake.Advance(30 * time.Second)
package clock
