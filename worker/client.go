// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maasregion/regiond/lib/ipc"
)

// ErrClosed is returned by calls made after the control connection
// closed.
var ErrClosed = errors.New("control connection closed")

// defaultCallTimeout applies when the caller's context has no deadline.
const defaultCallTimeout = 10 * time.Second

// Client is a worker's control channel connection.
type Client struct {
	conn net.Conn
	pid  uint32

	// mu serializes request/acknowledgement exchanges.
	mu   sync.Mutex
	acks chan struct{}

	identified atomic.Bool
	closeOnce  sync.Once
	closeErr   error

	// done closes exactly once, through finish. readErr is written
	// only inside finishOnce, before done closes.
	done       chan struct{}
	finishOnce sync.Once
	readErr    error
}

// Dial connects to the master's control socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing control socket %s: %w", socketPath, err)
	}
	return &Client{
		conn: conn,
		acks: make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

// Identify performs the handshake for pid and waits for the master's
// acknowledgement. The master closes the connection instead of
// acknowledging when it rejects the handshake.
func (c *Client) Identify(ctx context.Context, pid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identified.Load() {
		return errors.New("already identified")
	}

	c.conn.SetDeadline(callDeadline(ctx))
	if err := ipc.WriteMessage(c.conn, ipc.NewIdentifyMessage(uint32(pid))); err != nil {
		c.Close()
		return fmt.Errorf("sending identify: %w", err)
	}
	reply, err := ipc.ReadMessage(c.conn)
	if err != nil {
		c.Close()
		return fmt.Errorf("handshake rejected: %w", err)
	}
	if reply.Type != ipc.MessageTypeAck {
		c.Close()
		return fmt.Errorf("handshake answered with %s", reply.Type)
	}
	c.conn.SetDeadline(time.Time{})

	c.pid = uint32(pid)
	c.identified.Store(true)
	go c.readLoop()
	return nil
}

// PublishRPC reports the port of the worker's RPC listener.
func (c *Client) PublishRPC(ctx context.Context, port uint16) error {
	return c.call(ctx, ipc.MessageTypeRPCEndpointPublish, func(pid uint32) any {
		return ipc.RPCEndpoint{PID: pid, Port: port}
	})
}

// RegisterConnection reports a rack controller connection held by the
// worker.
func (c *Client) RegisterConnection(ctx context.Context, id, ident, host string, port uint16) error {
	return c.call(ctx, ipc.MessageTypeRPCRegisterConnection, func(pid uint32) any {
		return ipc.RPCConnection{PID: pid, ConnectionID: id, Ident: ident, Host: host, Port: port}
	})
}

// UnregisterConnection reports that a rack controller connection
// closed.
func (c *Client) UnregisterConnection(ctx context.Context, id string) error {
	return c.call(ctx, ipc.MessageTypeRPCUnregisterConnection, func(pid uint32) any {
		return ipc.RPCDisconnection{PID: pid, ConnectionID: id}
	})
}

// Done is closed when the control connection ends, from either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection after Done closes.
func (c *Client) Err() error {
	select {
	case <-c.done:
	default:
		return nil
	}
	if c.readErr != nil {
		return c.readErr
	}
	return ErrClosed
}

// Close closes the connection. The master sees the worker as lost.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
		if !c.identified.Load() {
			c.finish(nil)
		}
	})
	return c.closeErr
}

// finish records why the connection ended and closes done. Only the
// first call has any effect.
func (c *Client) finish(err error) {
	c.finishOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

// call sends one extension message and waits for its acknowledgement.
// A call abandoned by its context leaves the exchange out of step, so
// the connection is closed.
func (c *Client) call(ctx context.Context, messageType ipc.MessageType, payload func(pid uint32) any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.identified.Load() {
		return errors.New("not identified")
	}

	message, err := ipc.NewCBORMessage(messageType, payload(c.pid))
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.conn.SetWriteDeadline(callDeadline(ctx))
	if err := ipc.WriteMessage(c.conn, message); err != nil {
		c.Close()
		return fmt.Errorf("sending %s: %w", messageType, err)
	}

	ctx, cancel := context.WithDeadline(ctx, callDeadline(ctx))
	defer cancel()
	select {
	case <-c.acks:
		return nil
	case <-c.done:
		return fmt.Errorf("%s: %w", messageType, ErrClosed)
	case <-ctx.Done():
		c.Close()
		return fmt.Errorf("waiting for %s acknowledgement: %w", messageType, ctx.Err())
	}
}

// readLoop runs after the handshake. The master only ever sends
// acknowledgements; anything else ends the connection.
func (c *Client) readLoop() {
	err := c.receiveAcks()
	c.Close()
	c.finish(err)
}

func (c *Client) receiveAcks() error {
	for {
		message, err := ipc.ReadMessage(c.conn)
		if err != nil {
			return err
		}
		if message.Type != ipc.MessageTypeAck {
			return fmt.Errorf("unexpected %s from master", message.Type)
		}
		select {
		case c.acks <- struct{}{}:
		default:
			return errors.New("unsolicited acknowledgement from master")
		}
	}
}

func callDeadline(ctx context.Context) time.Time {
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultCallTimeout)
}
