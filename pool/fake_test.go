// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// launchRecord is one call to fakeLauncher.Launch.
type launchRecord struct {
	slot       SlotID
	background bool
	process    *fakeProcess
}

// fakeLauncher hands out fake processes with increasing pids. Launch
// runs on the supervisor's loop, so it never blocks.
type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	failures map[SlotID]int
	// ignoreTerm makes processes survive SIGTERM.
	ignoreTerm bool

	launches chan launchRecord
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{
		nextPID:  1000,
		failures: make(map[SlotID]int),
		launches: make(chan launchRecord, 256),
	}
}

// failNext makes the next count launches for slot fail.
func (l *fakeLauncher) failNext(slot SlotID, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[slot] = count
}

func (l *fakeLauncher) setIgnoreTerm(ignore bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ignoreTerm = ignore
}

func (l *fakeLauncher) Launch(slot SlotID, background bool) (Process, error) {
	l.mu.Lock()
	if l.failures[slot] > 0 {
		l.failures[slot]--
		l.mu.Unlock()
		return nil, fmt.Errorf("launch of slot %d refused", slot)
	}
	l.nextPID++
	process := &fakeProcess{
		pid:      l.nextPID,
		launcher: l,
		exited:   make(chan struct{}),
	}
	l.mu.Unlock()

	l.launches <- launchRecord{slot: slot, background: background, process: process}
	return process, nil
}

func (l *fakeLauncher) ignoresTerm() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ignoreTerm
}

var errKilled = errors.New("signal: killed")

// fakeProcess exits on SIGKILL, and on SIGTERM unless its launcher
// ignores it.
type fakeProcess struct {
	pid      int
	launcher *fakeLauncher

	mu       sync.Mutex
	signals  []os.Signal
	exitErr  error
	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Signal(signal os.Signal) error {
	select {
	case <-p.exited:
		return os.ErrProcessDone
	default:
	}
	p.mu.Lock()
	p.signals = append(p.signals, signal)
	p.mu.Unlock()

	switch signal {
	case unix.SIGKILL:
		p.exit(errKilled)
	case unix.SIGTERM:
		if !p.launcher.ignoresTerm() {
			p.exit(nil)
		}
	}
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// exit makes the process terminate with err.
func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(p.exited)
	})
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

func (p *fakeProcess) received(signal os.Signal) bool {
	for _, got := range p.receivedSignals() {
		if got == signal {
			return true
		}
	}
	return false
}

// fakeListener counts Stop calls.
type fakeListener struct {
	mu    sync.Mutex
	stops int
}

func (l *fakeListener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	return nil
}

func (l *fakeListener) stopCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}
