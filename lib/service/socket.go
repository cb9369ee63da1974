// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/maasregion/regiond/lib/codec"
)

// ActionFunc processes a request for one action. raw is the full CBOR
// request, including the "action" field; the handler decodes its own
// fields from it.
//
// A nil result produces {ok: true}. A non-nil result is encoded into
// the response's "data" field. An error produces {ok: false} with the
// error text.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// Response is the envelope of every reply.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// SocketServer serves the request/response protocol on a Unix socket.
// Register actions with Handle before calling Serve. Unknown actions
// get an error response.
type SocketServer struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	// activeConnections lets Serve wait for in-flight handlers.
	activeConnections sync.WaitGroup
}

// NewSocketServer creates a server that will listen on socketPath.
func NewSocketServer(socketPath string, logger *slog.Logger) *SocketServer {
	return &SocketServer{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
	}
}

// Handle registers handler for action. Panics if the action is already
// registered.
func (s *SocketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("service.SocketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections until ctx is cancelled, then waits for
// in-flight handlers before returning. A file already at the socket
// path is replaced; the socket is removed on return.
func (s *SocketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("admin socket listening", "socket", s.socketPath)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// readTimeout is how long a client has to send its request.
const readTimeout = 30 * time.Second

// writeTimeout bounds the response write.
const writeTimeout = 10 * time.Second

// actionTimeout bounds a handler. Admin handlers wait on the pool's
// event loop, which must not hold an operator connection forever.
const actionTimeout = 15 * time.Second

// maxRequestSize caps a single request. Admin requests are a few dozen
// bytes.
const maxRequestSize = 64 * 1024

type peerUIDKey struct{}

// PeerUID returns the uid of the process on the other end of the
// request, when the kernel reports it.
func PeerUID(ctx context.Context) (int, bool) {
	uid, ok := ctx.Value(peerUIDKey{}).(int)
	return uid, ok
}

func (s *SocketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if !errors.Is(err, io.EOF) {
			s.respond(conn, "", nil, fmt.Errorf("invalid request: %w", err))
		}
		return
	}

	action, handler, err := s.route(raw)
	if err != nil {
		s.respond(conn, action, nil, err)
		return
	}

	logger := s.logger.With("action", action)
	if uid, ok := peerUID(conn); ok {
		ctx = context.WithValue(ctx, peerUIDKey{}, uid)
		logger = logger.With("peer_uid", uid)
	}
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		logger.Warn("admin request failed", "error", err)
	} else {
		logger.Info("admin request")
	}
	s.respond(conn, action, result, err)
}

// route finds the handler for the request's action.
func (s *SocketServer) route(raw codec.RawMessage) (string, ActionFunc, error) {
	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		return "", nil, fmt.Errorf("invalid request: %w", err)
	}
	if header.Action == "" {
		return "", nil, errors.New("missing required field: action")
	}
	handler, exists := s.handlers[header.Action]
	if !exists {
		return header.Action, nil, fmt.Errorf("unknown action %q", header.Action)
	}
	return header.Action, handler, nil
}

// respond writes the reply envelope for result or err. Write failures
// are only logged; the connection is closing regardless.
func (s *SocketServer) respond(conn net.Conn, action string, result any, err error) {
	response := Response{OK: err == nil}
	if err != nil {
		response.Error = err.Error()
	} else if result != nil {
		data, marshalErr := codec.Marshal(result)
		if marshalErr != nil {
			response = Response{Error: fmt.Sprintf("internal: marshaling response: %v", marshalErr)}
		} else {
			response.Data = data
		}
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if writeErr := codec.NewEncoder(conn).Encode(response); writeErr != nil {
		s.logger.Debug("writing admin response failed", "action", action, "error", writeErr)
	}
}
