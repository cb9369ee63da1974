// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/maasregion/regiond/lib/clock"
	"github.com/maasregion/regiond/lib/ipc"
)

// ErrSocketInUse is returned by Start when another live process holds
// the control socket.
var ErrSocketInUse = errors.New("control socket in use by another process")

// DefaultHandshakeTimeout bounds the wait for a new connection's
// Identify message.
const DefaultHandshakeTimeout = 10 * time.Second

// writeTimeout bounds each acknowledgement write.
const writeTimeout = 5 * time.Second

// Observer receives registration events. Calls come from per-connection
// goroutines and may be concurrent.
type Observer interface {
	WorkerRegistered(pid int)
	WorkerLost(pid int)
}

// Options configures a Listener.
type Options struct {
	Observer Observer
	Logger   *slog.Logger

	// Clock stamps registrations. Defaults to the real clock.
	Clock clock.Clock

	// HandshakeTimeout defaults to DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration
}

// Listener is the control channel endpoint.
type Listener struct {
	observer         Observer
	logger           *slog.Logger
	clock            clock.Clock
	handshakeTimeout time.Duration

	path     string
	lock     *flock.Flock
	listener net.Listener
	handlers sync.WaitGroup

	mu            sync.Mutex
	stopping      bool
	connections   map[*connection]struct{}
	registrations map[int]*registration
}

// connection is one accepted control connection.
type connection struct {
	id   string
	conn net.Conn
}

// registration is the live record for a worker that completed its
// handshake. Guarded by Listener.mu.
type registration struct {
	pid          int
	connection   *connection
	registeredAt time.Time
	announced    bool
	rpcPort      uint16
	rpcPeers     map[string]RPCConnection
}

// Registration is a snapshot of one registered worker.
type Registration struct {
	PID            int             `cbor:"pid" json:"pid"`
	ConnectionID   string          `cbor:"connection_id" json:"connection_id"`
	RegisteredAt   time.Time       `cbor:"registered_at" json:"registered_at"`
	RPCPort        uint16          `cbor:"rpc_port,omitempty" json:"rpc_port,omitempty"`
	RPCConnections []RPCConnection `cbor:"rpc_connections,omitempty" json:"rpc_connections,omitempty"`
}

// RPCConnection is a rack controller connection held by a worker.
type RPCConnection struct {
	ID    string `cbor:"id" json:"id"`
	Ident string `cbor:"ident" json:"ident"`
	Host  string `cbor:"host" json:"host"`
	Port  uint16 `cbor:"port" json:"port"`
}

// New returns a Listener. Call Start to begin accepting workers.
func New(options Options) *Listener {
	if options.Observer == nil {
		panic("control.New: Observer is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	timeout := options.HandshakeTimeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &Listener{
		observer:         options.Observer,
		logger:           logger,
		clock:            clk,
		handshakeTimeout: timeout,
		connections:      make(map[*connection]struct{}),
		registrations:    make(map[int]*registration),
	}
}

// Start claims path and begins accepting connections. Any file left at
// path by an earlier master that did not shut down cleanly is removed
// first. Errors are fatal to the caller; Start is never retried
// internally.
func (l *Listener) Start(path string) error {
	if l.listener != nil {
		return fmt.Errorf("control listener already started on %s", l.path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking %s: %w", lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		lock.Unlock()
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		listener.Close()
		lock.Unlock()
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	l.path = path
	l.lock = lock
	l.listener = listener

	l.handlers.Add(1)
	go l.acceptLoop()

	l.logger.Info("control socket listening", "socket", path)
	return nil
}

// Path returns the socket path given to Start.
func (l *Listener) Path() string {
	return l.path
}

// Stop closes the socket and every open connection, then waits for the
// connection goroutines to finish. Connections closed by Stop do not
// produce WorkerLost events. Stop is idempotent.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.stopping || l.listener == nil {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	open := make([]*connection, 0, len(l.connections))
	for c := range l.connections {
		open = append(open, c)
	}
	l.mu.Unlock()

	err := l.listener.Close()
	for _, c := range open {
		c.conn.Close()
	}
	l.handlers.Wait()

	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("removing socket: %w", removeErr))
	}
	if unlockErr := l.lock.Unlock(); unlockErr != nil {
		err = errors.Join(err, fmt.Errorf("releasing socket lock: %w", unlockErr))
	}

	l.logger.Info("control socket stopped", "socket", l.path)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Registrations returns the registered workers ordered by pid.
func (l *Listener) Registrations() []Registration {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]Registration, 0, len(l.registrations))
	for _, r := range l.registrations {
		if !r.announced {
			continue
		}
		snapshot := Registration{
			PID:          r.pid,
			ConnectionID: r.connection.id,
			RegisteredAt: r.registeredAt,
			RPCPort:      r.rpcPort,
		}
		for _, peer := range r.rpcPeers {
			snapshot.RPCConnections = append(snapshot.RPCConnections, peer)
		}
		sort.Slice(snapshot.RPCConnections, func(i, j int) bool {
			return snapshot.RPCConnections[i].ID < snapshot.RPCConnections[j].ID
		})
		result = append(result, snapshot)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PID < result[j].PID })
	return result
}

func (l *Listener) acceptLoop() {
	defer l.handlers.Done()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Error("control accept failed", "error", err)
			continue
		}

		c := &connection{id: uuid.NewString(), conn: conn}
		l.mu.Lock()
		if l.stopping {
			l.mu.Unlock()
			conn.Close()
			continue
		}
		l.connections[c] = struct{}{}
		l.mu.Unlock()

		l.handlers.Add(1)
		go func() {
			defer l.handlers.Done()
			l.serve(c)
		}()
	}
}

// serve runs one connection from accept to close.
func (l *Listener) serve(c *connection) {
	logger := l.logger.With("connection_id", c.id)
	pid := 0
	defer func() {
		c.conn.Close()
		l.disconnect(c, pid)
	}()

	pid, ok := l.handshake(c, logger)
	if !ok {
		return
	}
	logger = logger.With("pid", pid)
	logger.Info("worker registered")
	l.observer.WorkerRegistered(pid)

	for {
		message, err := ipc.ReadMessage(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Debug("worker connection closed")
			} else {
				logger.Warn("worker connection failed", "error", err)
			}
			return
		}
		if err := l.handleMessage(c, pid, message); err != nil {
			logger.Warn("protocol error, dropping worker connection",
				"message_type", message.Type.String(),
				"error", err,
			)
			return
		}
	}
}

// handshake reads the Identify message, records the registration and
// acknowledges it. On failure the connection has no registration and
// the returned pid is zero.
func (l *Listener) handshake(c *connection, logger *slog.Logger) (int, bool) {
	c.conn.SetReadDeadline(time.Now().Add(l.handshakeTimeout))
	message, err := ipc.ReadMessage(c.conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("connection closed before handshake")
		} else {
			logger.Warn("handshake not received", "error", err)
		}
		return 0, false
	}
	declared, err := ipc.ParseIdentify(message)
	if err != nil {
		logger.Warn("malformed handshake", "error", err)
		return 0, false
	}
	pid := int(declared)

	if peer, ok := peerPID(c.conn); ok && peer != pid {
		logger.Warn("declared pid differs from peer credentials",
			"pid", pid,
			"peer_pid", peer,
		)
	}

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return 0, false
	}
	if existing, exists := l.registrations[pid]; exists {
		l.mu.Unlock()
		logger.Warn("duplicate handshake for registered pid",
			"pid", pid,
			"existing_connection_id", existing.connection.id,
		)
		return 0, false
	}
	record := &registration{
		pid:          pid,
		connection:   c,
		registeredAt: l.clock.Now(),
		rpcPeers:     make(map[string]RPCConnection),
	}
	l.registrations[pid] = record
	l.mu.Unlock()

	if err := l.reply(c, ipc.NewAckMessage()); err != nil {
		logger.Warn("acknowledging handshake failed", "pid", pid, "error", err)
		l.mu.Lock()
		delete(l.registrations, pid)
		l.mu.Unlock()
		return 0, false
	}
	c.conn.SetReadDeadline(time.Time{})

	l.mu.Lock()
	record.announced = true
	l.mu.Unlock()
	return pid, true
}

// disconnect forgets c and reports the loss of its worker, unless the
// listener is stopping.
func (l *Listener) disconnect(c *connection, pid int) {
	l.mu.Lock()
	delete(l.connections, c)
	lost := false
	if record, exists := l.registrations[pid]; exists && record.connection == c {
		delete(l.registrations, pid)
		lost = record.announced && !l.stopping
	}
	l.mu.Unlock()

	if lost {
		l.logger.Info("worker connection lost", "pid", pid, "connection_id", c.id)
		l.observer.WorkerLost(pid)
	}
}

// handleMessage applies a post-handshake message from the worker with
// the given pid. A returned error is a protocol violation.
func (l *Listener) handleMessage(c *connection, pid int, message ipc.Message) error {
	switch message.Type {
	case ipc.MessageTypeRPCEndpointPublish:
		var endpoint ipc.RPCEndpoint
		if err := ipc.DecodePayload(message, &endpoint); err != nil {
			return err
		}
		if err := checkPID(pid, endpoint.PID); err != nil {
			return err
		}
		l.update(pid, func(r *registration) { r.rpcPort = endpoint.Port })
		l.logger.Info("worker published rpc endpoint", "pid", pid, "port", endpoint.Port)

	case ipc.MessageTypeRPCRegisterConnection:
		var peer ipc.RPCConnection
		if err := ipc.DecodePayload(message, &peer); err != nil {
			return err
		}
		if err := checkPID(pid, peer.PID); err != nil {
			return err
		}
		if peer.ConnectionID == "" {
			return errors.New("rpc connection without connid")
		}
		l.update(pid, func(r *registration) {
			r.rpcPeers[peer.ConnectionID] = RPCConnection{
				ID:    peer.ConnectionID,
				Ident: peer.Ident,
				Host:  peer.Host,
				Port:  peer.Port,
			}
		})
		l.logger.Debug("worker registered rpc connection",
			"pid", pid,
			"rpc_connection_id", peer.ConnectionID,
			"ident", peer.Ident,
		)

	case ipc.MessageTypeRPCUnregisterConnection:
		var gone ipc.RPCDisconnection
		if err := ipc.DecodePayload(message, &gone); err != nil {
			return err
		}
		if err := checkPID(pid, gone.PID); err != nil {
			return err
		}
		l.update(pid, func(r *registration) { delete(r.rpcPeers, gone.ConnectionID) })
		l.logger.Debug("worker unregistered rpc connection",
			"pid", pid,
			"rpc_connection_id", gone.ConnectionID,
		)

	default:
		return fmt.Errorf("unexpected %s after handshake", message.Type)
	}

	return l.reply(c, ipc.NewAckMessage())
}

func (l *Listener) update(pid int, apply func(*registration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if record, exists := l.registrations[pid]; exists {
		apply(record)
	}
}

func (l *Listener) reply(c *connection, message ipc.Message) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ipc.WriteMessage(c.conn, message)
}

func checkPID(own int, claimed uint32) error {
	if int(claimed) != own {
		return fmt.Errorf("message for pid %d on connection of pid %d", claimed, own)
	}
	return nil
}
