// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/maasregion/regiond/control"
	"github.com/maasregion/regiond/lib/ipc"
	"github.com/maasregion/regiond/lib/testutil"
)

const testTimeout = 5 * time.Second

type recordingObserver struct {
	registered chan int
	lost       chan int
}

func (o *recordingObserver) WorkerRegistered(pid int) { o.registered <- pid }
func (o *recordingObserver) WorkerLost(pid int)       { o.lost <- pid }

func startMaster(t *testing.T) (*control.Listener, *recordingObserver) {
	t.Helper()
	observer := &recordingObserver{registered: make(chan int, 8), lost: make(chan int, 8)}
	listener := control.New(control.Options{
		Observer: observer,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		})),
	})
	if err := listener.Start(filepath.Join(testutil.SocketDir(t), "control.sock")); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { listener.Stop() })
	return listener, observer
}

func dialAndIdentify(t *testing.T, path string, pid int) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err := Dial(ctx, path)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if err := client.Identify(ctx, pid); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	return client
}

func TestIdentifyRegistersWithMaster(t *testing.T) {
	listener, observer := startMaster(t)

	dialAndIdentify(t, listener.Path(), os.Getpid())

	if pid := testutil.RequireReceive(t, observer.registered, testTimeout, "registration"); pid != os.Getpid() {
		t.Fatalf("registered pid = %d, want %d", pid, os.Getpid())
	}
}

func TestRPCReportsReachMaster(t *testing.T) {
	listener, observer := startMaster(t)
	client := dialAndIdentify(t, listener.Path(), 2001)
	testutil.RequireReceive(t, observer.registered, testTimeout, "registration")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.PublishRPC(ctx, 5251); err != nil {
		t.Fatalf("PublishRPC: %v", err)
	}
	if err := client.RegisterConnection(ctx, "conn-1", "rack-1", "192.0.2.10", 5250); err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	if err := client.RegisterConnection(ctx, "conn-2", "rack-2", "192.0.2.11", 5250); err != nil {
		t.Fatalf("RegisterConnection: %v", err)
	}
	if err := client.UnregisterConnection(ctx, "conn-1"); err != nil {
		t.Fatalf("UnregisterConnection: %v", err)
	}

	registrations := listener.Registrations()
	if len(registrations) != 1 {
		t.Fatalf("Registrations() = %+v", registrations)
	}
	registration := registrations[0]
	if registration.RPCPort != 5251 {
		t.Errorf("RPCPort = %d, want 5251", registration.RPCPort)
	}
	if len(registration.RPCConnections) != 1 || registration.RPCConnections[0].Ident != "rack-2" {
		t.Errorf("RPCConnections = %+v, want only rack-2", registration.RPCConnections)
	}
}

func TestCloseReportsLoss(t *testing.T) {
	listener, observer := startMaster(t)
	client := dialAndIdentify(t, listener.Path(), 2002)
	testutil.RequireReceive(t, observer.registered, testTimeout, "registration")

	client.Close()

	if pid := testutil.RequireReceive(t, observer.lost, testTimeout, "loss"); pid != 2002 {
		t.Fatalf("lost pid = %d, want 2002", pid)
	}
	testutil.RequireClosed(t, client.Done(), testTimeout, "Done after Close")
}

func TestDoneClosesWhenMasterStops(t *testing.T) {
	listener, observer := startMaster(t)
	client := dialAndIdentify(t, listener.Path(), 2003)
	testutil.RequireReceive(t, observer.registered, testTimeout, "registration")

	listener.Stop()

	testutil.RequireClosed(t, client.Done(), testTimeout, "Done after master stop")
	if err := client.Err(); !errors.Is(err, io.EOF) {
		t.Errorf("Err() = %v, want EOF", err)
	}
	err := client.PublishRPC(context.Background(), 1)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("PublishRPC after close = %v, want ErrClosed", err)
	}
}

func TestIdentifyRejectedForDuplicatePID(t *testing.T) {
	listener, observer := startMaster(t)
	dialAndIdentify(t, listener.Path(), 2004)
	testutil.RequireReceive(t, observer.registered, testTimeout, "registration")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	duplicate, err := Dial(ctx, listener.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := duplicate.Identify(ctx, 2004); err == nil {
		t.Fatal("duplicate Identify succeeded")
	}
	testutil.RequireClosed(t, duplicate.Done(), testTimeout, "Done after rejected handshake")
}

func TestCallsBeforeIdentifyFail(t *testing.T) {
	listener, _ := startMaster(t)
	client, err := Dial(context.Background(), listener.Path())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	if err := client.PublishRPC(context.Background(), 1); err == nil {
		t.Fatal("PublishRPC before Identify succeeded")
	}
}

func TestUnexpectedMasterMessageEndsConnection(t *testing.T) {
	// A bare socket standing in for a misbehaving master.
	path := filepath.Join(testutil.SocketDir(t), "fake.sock")
	socket, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer socket.Close()

	go func() {
		conn, err := socket.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := ipc.ReadMessage(conn); err != nil {
			return
		}
		ipc.WriteMessage(conn, ipc.NewAckMessage())
		ipc.WriteMessage(conn, ipc.NewIdentifyMessage(1))
		io.Copy(io.Discard, conn)
	}()

	client := dialAndIdentify(t, path, 2005)
	testutil.RequireClosed(t, client.Done(), testTimeout, "Done after unexpected message")
	if client.Err() == nil || errors.Is(client.Err(), ErrClosed) {
		t.Errorf("Err() = %v, want protocol error", client.Err())
	}
}

func TestCloseDuringIdentify(t *testing.T) {
	// A bare master that acknowledges every handshake and reports when
	// the acknowledgement is on the wire.
	path := filepath.Join(testutil.SocketDir(t), "fake.sock")
	socket, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer socket.Close()

	acked := make(chan struct{}, 1)
	go func() {
		for {
			conn, err := socket.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := ipc.ReadMessage(conn); err != nil {
					return
				}
				ipc.WriteMessage(conn, ipc.NewAckMessage())
				acked <- struct{}{}
				io.Copy(io.Discard, conn)
			}()
		}
	}()

	for i := range 200 {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		client, err := Dial(ctx, path)
		if err != nil {
			cancel()
			t.Fatalf("Dial %d: %v", i, err)
		}

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			<-acked
			client.Close()
		}()

		// Identify may succeed or see the closed connection; either is
		// fine as long as Done closes exactly once.
		client.Identify(ctx, 3000+i)
		testutil.RequireClosed(t, closed, testTimeout, "Close returned")
		testutil.RequireClosed(t, client.Done(), testTimeout, "Done after Close")
		if client.Err() == nil {
			t.Errorf("iteration %d: Err() is nil after Done", i)
		}
		cancel()
	}
}
