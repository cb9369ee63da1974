// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/maasregion/regiond/lib/clock"
)

var (
	// ErrUnknownSlot is returned for a slot id outside [0, N).
	ErrUnknownSlot = errors.New("unknown worker slot")

	// ErrNoProcess is returned when signalling a slot or pid that has
	// no supervised process.
	ErrNoProcess = errors.New("no worker process")

	// ErrStopped is returned by requests made after the supervisor's
	// event loop has exited.
	ErrStopped = errors.New("supervisor stopped")

	errNotStarted = errors.New("supervisor not started")
)

// DefaultUpdateInterval is the period of the status report.
const DefaultUpdateInterval = 60 * time.Second

// eventBuffer absorbs bursts such as every worker exiting at once.
const eventBuffer = 64

// Launcher starts a worker process for a slot.
type Launcher interface {
	Launch(slot SlotID, background bool) (Process, error)
}

// Process is a started worker.
type Process interface {
	Pid() int
	Signal(os.Signal) error
	// Wait blocks until the process exits and is reaped.
	Wait() error
}

// Listener is the control channel, stopped once the pool has drained.
type Listener interface {
	Stop() error
}

// Options configures a Supervisor.
type Options struct {
	// DesiredCount is the number of slots. Must be at least 1.
	DesiredCount int

	Launcher Launcher
	Logger   *slog.Logger

	// Clock drives the spawn timeout and status ticker. Defaults to
	// the real clock.
	Clock clock.Clock

	// SpawnTimeout kills a process that stays Spawning this long.
	// Zero disables the timeout.
	SpawnTimeout time.Duration

	// UpdateInterval defaults to DefaultUpdateInterval.
	UpdateInterval time.Duration
}

// Supervisor keeps DesiredCount worker slots filled.
type Supervisor struct {
	desired        int
	launcher       Launcher
	logger         *slog.Logger
	clock          clock.Clock
	spawnTimeout   time.Duration
	updateInterval time.Duration

	events   chan any
	quit     chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once

	listener Listener

	// Owned by the event loop.
	slots         []*slot
	pendingSpawns map[SlotID]int
	children      map[int]*child
	shuttingDown  bool
	drained       chan struct{}
	drainedClosed bool
}

type slot struct {
	Slot
	spawnTimer *clock.Timer
}

// child is a launched process that has not been reaped yet. Its slot
// may already have moved on if the connection dropped first.
type child struct {
	slot    SlotID
	process Process
}

type registeredEvent struct{ pid int }

type lostEvent struct{ pid int }

type exitedEvent struct {
	pid int
	err error
}

type spawnTimeoutEvent struct {
	slot SlotID
	pid  int
}

// New validates options and returns an unstarted Supervisor.
func New(options Options) (*Supervisor, error) {
	if options.DesiredCount < 1 {
		return nil, fmt.Errorf("desired worker count must be at least 1, got %d", options.DesiredCount)
	}
	if options.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if options.SpawnTimeout < 0 {
		return nil, fmt.Errorf("spawn timeout must not be negative, got %v", options.SpawnTimeout)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	interval := options.UpdateInterval
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Supervisor{
		desired:        options.DesiredCount,
		launcher:       options.Launcher,
		logger:         logger,
		clock:          clk,
		spawnTimeout:   options.SpawnTimeout,
		updateInterval: interval,
		events:         make(chan any, eventBuffer),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		pendingSpawns:  make(map[SlotID]int),
		children:       make(map[int]*child),
	}, nil
}

// Start creates the slots and launches a worker for each. It returns
// once every initial launch has been attempted. listener, which may be
// nil, is stopped by Stop after the pool drains.
func (s *Supervisor) Start(listener Listener) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("supervisor already started")
	}
	s.listener = listener
	go s.run()

	return s.do(context.Background(), func() {
		s.slots = make([]*slot, s.desired)
		for i := range s.slots {
			id := SlotID(i)
			s.slots[i] = &slot{Slot: Slot{ID: id, Background: carriesBackground(id, s.desired)}}
		}
		s.logger.Info("worker pool starting", "desired", s.desired)
		s.spawnMissing()
	})
}

// WorkerRegistered reports a completed handshake. It implements the
// control listener's observer.
func (s *Supervisor) WorkerRegistered(pid int) {
	s.post(registeredEvent{pid: pid})
}

// WorkerLost reports a closed control connection.
func (s *Supervisor) WorkerLost(pid int) {
	s.post(lostEvent{pid: pid})
}

// SpawnMissing launches a worker for every Missing slot. It is a no-op
// when every slot is occupied or the supervisor is stopping.
func (s *Supervisor) SpawnMissing(ctx context.Context) error {
	return s.do(ctx, func() {
		if !s.shuttingDown {
			s.spawnMissing()
		}
	})
}

// TermWorker sends SIGTERM to the slot's process. The slot's state
// changes only when the exit or disconnect is observed.
func (s *Supervisor) TermWorker(ctx context.Context, id SlotID) error {
	return s.signalSlot(ctx, id, unix.SIGTERM)
}

// KillWorker sends SIGKILL to the slot's process.
func (s *Supervisor) KillWorker(ctx context.Context, id SlotID) error {
	return s.signalSlot(ctx, id, unix.SIGKILL)
}

// SignalPID signals the worker bound to pid.
func (s *Supervisor) SignalPID(ctx context.Context, pid int, signal os.Signal) error {
	var err error
	if doErr := s.do(ctx, func() {
		target := s.slotByPID(pid)
		if target == nil {
			err = fmt.Errorf("%w: pid %d", ErrNoProcess, pid)
			return
		}
		err = s.signal(target, signal)
	}); doErr != nil {
		return doErr
	}
	return err
}

// Slots returns a snapshot of every slot in id order.
func (s *Supervisor) Slots(ctx context.Context) ([]Slot, error) {
	var snapshot []Slot
	err := s.do(ctx, func() {
		snapshot = make([]Slot, len(s.slots))
		for i, sl := range s.slots {
			snapshot[i] = sl.Slot
		}
	})
	return snapshot, err
}

// Status reports registered workers against the desired count.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	var status Status
	err := s.do(ctx, func() { status = s.status() })
	return status, err
}

// Snapshot is the pool's status together with the slots it was
// computed from.
type Snapshot struct {
	Status Status
	Slots  []Slot
}

// Snapshot returns the status and every slot from the same loop step,
// so the running count always matches the Registered slots.
func (s *Supervisor) Snapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot
	err := s.do(ctx, func() {
		snapshot.Status = s.status()
		snapshot.Slots = make([]Slot, len(s.slots))
		for i, sl := range s.slots {
			snapshot.Slots[i] = sl.Slot
		}
	})
	return snapshot, err
}

// Stop terminates the pool: no further spawns, SIGTERM to every live
// worker, then a wait until every slot is Missing and every process has
// been reaped. The control listener is stopped last. If ctx ends first
// the remaining workers are killed and the context error is returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	var drained <-chan struct{}
	err := s.do(ctx, func() { drained = s.beginShutdown() })
	if errors.Is(err, ErrStopped) {
		return nil
	}

	if err == nil {
		select {
		case <-drained:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if err != nil {
		s.logger.Warn("worker pool did not drain, killing remaining workers", "error", err)
		if killErr := s.do(context.Background(), func() {
			s.beginShutdown()
			s.killAll()
		}); killErr != nil {
			s.logger.Error("killing remaining workers failed", "error", killErr)
			err = errors.Join(err, fmt.Errorf("killing remaining workers: %w", killErr))
		}
		err = fmt.Errorf("waiting for workers to exit: %w", err)
	}

	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done

	if s.listener != nil {
		if stopErr := s.listener.Stop(); stopErr != nil {
			err = errors.Join(err, fmt.Errorf("stopping control listener: %w", stopErr))
		}
	}
	s.logger.Info("worker pool stopped")
	return err
}

// run is the event loop. It is the only goroutine that touches slot
// state.
func (s *Supervisor) run() {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.reportStatus()
			if !s.shuttingDown {
				s.spawnMissing()
			}
		case event := <-s.events:
			s.handle(event)
		}
		s.checkDrained()
	}
}

func (s *Supervisor) handle(event any) {
	switch event := event.(type) {
	case registeredEvent:
		s.onRegistered(event.pid)
	case lostEvent:
		s.onLost(event.pid)
	case exitedEvent:
		s.onExited(event.pid, event.err)
	case spawnTimeoutEvent:
		s.onSpawnTimeout(event.slot, event.pid)
	case func():
		event()
	default:
		s.logger.Error("unknown supervisor event", "event", fmt.Sprintf("%T", event))
	}
}

// post queues an event for the loop. Events sent after the loop exits
// are dropped.
func (s *Supervisor) post(event any) {
	select {
	case s.events <- event:
	case <-s.done:
	}
}

// do runs fn on the event loop and waits for it to finish.
func (s *Supervisor) do(ctx context.Context, fn func()) error {
	if !s.started.Load() {
		return errNotStarted
	}
	finished := make(chan struct{})
	request := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.events <- request:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawnMissing launches a process for every Missing slot in ascending
// id order. The pid is bound to the slot before control returns to the
// loop, so the handshake can never be seen first.
func (s *Supervisor) spawnMissing() {
	for _, sl := range s.slots {
		if sl.State != Missing {
			continue
		}
		sl.State = Spawning
		process, err := s.launcher.Launch(sl.ID, sl.Background)
		if err != nil {
			sl.State = Missing
			s.logger.Error("launching worker failed",
				"slot", sl.ID,
				"background", sl.Background,
				"error", err,
			)
			continue
		}

		pid := process.Pid()
		sl.PID = pid
		s.pendingSpawns[sl.ID] = pid
		s.children[pid] = &child{slot: sl.ID, process: process}
		go s.watch(pid, process)

		if s.spawnTimeout > 0 {
			id := sl.ID
			sl.spawnTimer = s.clock.AfterFunc(s.spawnTimeout, func() {
				s.post(spawnTimeoutEvent{slot: id, pid: pid})
			})
		}

		s.logger.Info("worker spawned",
			"slot", sl.ID,
			"pid", pid,
			"background", sl.Background,
		)
	}
}

// watch reports the process's exit to the loop.
func (s *Supervisor) watch(pid int, process Process) {
	err := process.Wait()
	s.post(exitedEvent{pid: pid, err: err})
}

func (s *Supervisor) onRegistered(pid int) {
	for id, pending := range s.pendingSpawns {
		if pending != pid {
			continue
		}
		sl := s.slots[id]
		delete(s.pendingSpawns, id)
		sl.stopSpawnTimer()
		sl.State = Registered
		s.logger.Info("worker ready",
			"slot", sl.ID,
			"pid", pid,
			"background", sl.Background,
		)
		return
	}

	if sl := s.slotByPID(pid); sl != nil {
		s.logger.Debug("ignoring registration for slot not spawning",
			"slot", sl.ID,
			"pid", pid,
			"state", sl.State.String(),
		)
		return
	}
	s.logger.Warn("registration from unknown pid", "pid", pid)
}

// onLost handles a dropped control connection. The process, if it is
// still running, is killed so it cannot linger unsupervised.
func (s *Supervisor) onLost(pid int) {
	sl := s.slotByPID(pid)
	if sl == nil {
		s.logger.Debug("connection loss for unbound pid", "pid", pid)
		return
	}
	s.logger.Warn("worker connection lost",
		"slot", sl.ID,
		"pid", pid,
		"state", sl.State.String(),
	)
	s.release(sl)

	if s.shuttingDown {
		return
	}
	if c, alive := s.children[pid]; alive {
		if err := c.process.Signal(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("killing disconnected worker failed", "pid", pid, "error", err)
		}
	}
	s.spawnMissing()
}

func (s *Supervisor) onExited(pid int, err error) {
	delete(s.children, pid)

	attributes := append([]any{"pid", pid}, exitAttributes(err)...)
	sl := s.slotByPID(pid)
	if sl == nil {
		s.logger.Debug("worker reaped", attributes...)
		return
	}
	attributes = append(attributes, "slot", sl.ID, "state", sl.State.String())
	if s.shuttingDown {
		s.logger.Info("worker exited", attributes...)
	} else {
		s.logger.Warn("worker exited", attributes...)
	}
	s.release(sl)

	if !s.shuttingDown {
		s.spawnMissing()
	}
}

func (s *Supervisor) onSpawnTimeout(id SlotID, pid int) {
	sl := s.slots[id]
	if sl.State != Spawning || sl.PID != pid {
		return
	}
	sl.spawnTimer = nil
	s.logger.Warn("worker did not complete handshake in time, killing",
		"slot", id,
		"pid", pid,
		"timeout", s.spawnTimeout.String(),
	)
	if err := s.signal(sl, unix.SIGKILL); err != nil {
		s.logger.Warn("killing stuck worker failed", "pid", pid, "error", err)
	}
}

// release returns a slot to Missing.
func (s *Supervisor) release(sl *slot) {
	sl.stopSpawnTimer()
	delete(s.pendingSpawns, sl.ID)
	sl.PID = 0
	sl.State = Missing
}

func (s *Supervisor) signalSlot(ctx context.Context, id SlotID, signal os.Signal) error {
	var err error
	if doErr := s.do(ctx, func() {
		if id < 0 || int(id) >= len(s.slots) {
			err = fmt.Errorf("%w: %d", ErrUnknownSlot, id)
			return
		}
		err = s.signal(s.slots[id], signal)
	}); doErr != nil {
		return doErr
	}
	return err
}

// signal delivers sig to the slot's process. Loop only.
func (s *Supervisor) signal(sl *slot, sig os.Signal) error {
	if sl.PID == 0 {
		return fmt.Errorf("%w: slot %d is %s", ErrNoProcess, sl.ID, sl.State)
	}
	c, exists := s.children[sl.PID]
	if !exists {
		return fmt.Errorf("%w: pid %d", ErrNoProcess, sl.PID)
	}
	if err := c.process.Signal(sig); err != nil {
		return fmt.Errorf("signalling pid %d: %w", sl.PID, err)
	}
	s.logger.Info("signalled worker", "slot", sl.ID, "pid", sl.PID, "signal", sig.String())
	return nil
}

// beginShutdown stops spawning and asks every live worker to exit.
func (s *Supervisor) beginShutdown() <-chan struct{} {
	if s.drained != nil {
		return s.drained
	}
	s.shuttingDown = true
	s.drained = make(chan struct{})
	s.logger.Info("stopping worker pool", "workers", len(s.children))

	for _, sl := range s.slots {
		if sl.State != Spawning && sl.State != Registered {
			continue
		}
		sl.stopSpawnTimer()
		delete(s.pendingSpawns, sl.ID)
		sl.State = Terminating
		if err := s.signal(sl, unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("terminating worker failed", "slot", sl.ID, "error", err)
		}
	}
	s.checkDrained()
	return s.drained
}

// killAll sends SIGKILL to every unreaped process.
func (s *Supervisor) killAll() {
	for pid, c := range s.children {
		if err := c.process.Signal(unix.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Warn("killing worker failed", "pid", pid, "slot", c.slot, "error", err)
		}
	}
}

// checkDrained closes the drain channel once shutdown has finished.
func (s *Supervisor) checkDrained() {
	if s.drained == nil || s.drainedClosed || len(s.children) > 0 {
		return
	}
	for _, sl := range s.slots {
		if sl.State != Missing {
			return
		}
	}
	s.drainedClosed = true
	close(s.drained)
}

func (s *Supervisor) status() Status {
	running := 0
	for _, sl := range s.slots {
		if sl.State == Registered {
			running++
		}
	}
	return newStatus(running, s.desired)
}

func (s *Supervisor) reportStatus() {
	status := s.status()
	if status.Health == HealthRunning {
		s.logger.Info("worker pool status", "health", string(status.Health), "running", status.Running)
		return
	}
	s.logger.Warn("worker pool status",
		"health", string(status.Health),
		"running", status.Running,
		"expected", status.Expected,
		"message", status.Message,
	)
}

func (s *Supervisor) slotByPID(pid int) *slot {
	if pid == 0 {
		return nil
	}
	for _, sl := range s.slots {
		if sl.PID == pid {
			return sl
		}
	}
	return nil
}

func (sl *slot) stopSpawnTimer() {
	if sl.spawnTimer != nil {
		sl.spawnTimer.Stop()
		sl.spawnTimer = nil
	}
}
