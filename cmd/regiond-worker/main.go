// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// regiond-worker is the reference worker process launched by regiond.
// It reads its slot id and background flag from the environment the
// master sets, dials the control socket and identifies itself, and
// then stays connected: the open connection is how the master knows it
// is alive.
//
// With --rpc-address the worker also accepts TCP connections and
// publishes the bound port to the master. Only the worker started with
// MAAS_REGIOND_RUN_BACKGROUND_TASKS=true runs the periodic background
// duty. The worker exits on SIGTERM or SIGINT, or when the master
// closes the control connection.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/maasregion/regiond/lib/clock"
	"github.com/maasregion/regiond/lib/config"
	"github.com/maasregion/regiond/lib/process"
	"github.com/maasregion/regiond/lib/version"
	"github.com/maasregion/regiond/worker"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		rpcAddress         string
		backgroundInterval time.Duration
		logLevel           string
		showVersion        bool
	)

	flagSet := pflag.NewFlagSet("regiond-worker", pflag.ContinueOnError)
	flagSet.StringVar(&rpcAddress, "rpc-address", "", "TCP address to accept RPC connections on, e.g. :0 (disabled when empty)")
	flagSet.DurationVar(&backgroundInterval, "background-interval", time.Minute, "period of the background duty (background worker only)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("regiond-worker")
		return nil
	}
	if backgroundInterval <= 0 {
		return fmt.Errorf("--background-interval must be positive, got %v", backgroundInterval)
	}

	params, err := worker.ParamsFromEnv()
	if err != nil {
		return fmt.Errorf("reading launch parameters: %w", err)
	}

	level, err := config.ParseLogLevel(logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})).With(
		"worker_id", params.WorkerID,
		"pid", os.Getpid(),
	)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := worker.Dial(ctx, params.SocketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Identify(ctx, os.Getpid()); err != nil {
		return fmt.Errorf("identifying to master: %w", err)
	}
	logger.Info("worker registered",
		"socket", params.SocketPath,
		"run_background_tasks", params.RunBackgroundTasks,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if rpcAddress != "" {
		rpcListener, err := net.Listen("tcp", rpcAddress)
		if err != nil {
			return fmt.Errorf("listening for RPC on %s: %w", rpcAddress, err)
		}
		defer rpcListener.Close()

		port := uint16(rpcListener.Addr().(*net.TCPAddr).Port)
		if err := client.PublishRPC(ctx, port); err != nil {
			return fmt.Errorf("publishing RPC endpoint: %w", err)
		}
		logger.Info("rpc endpoint published", "port", port)
		go serveRPC(ctx, rpcListener, client, logger)
	}

	if params.RunBackgroundTasks {
		go runBackground(ctx, clock.Real(), backgroundInterval, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("worker stopping")
		return nil
	case <-client.Done():
		// The master owns our lifetime. Without it nobody would
		// notice if this process wedged, so exit rather than linger.
		if err := client.Err(); err != nil {
			logger.Warn("control connection lost", "error", err)
		}
		logger.Info("master went away, worker exiting")
		return nil
	}
}

// serveRPC accepts connections and reports each one to the master for
// as long as it stays open. No protocol is spoken on the connection.
func serveRPC(ctx context.Context, listener net.Listener, client *worker.Client, logger *slog.Logger) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("rpc accept failed", "error", err)
			}
			return
		}
		go trackRPCConnection(ctx, conn, client, logger)
	}
}

func trackRPCConnection(ctx context.Context, conn net.Conn, client *worker.Client, logger *slog.Logger) {
	defer conn.Close()

	id := uuid.NewString()
	remote, _ := conn.RemoteAddr().(*net.TCPAddr)
	host, port := "", uint16(0)
	if remote != nil {
		host, port = remote.IP.String(), uint16(remote.Port)
	}
	logger = logger.With("rpc_connection", id, "remote", conn.RemoteAddr().String())

	if err := client.RegisterConnection(ctx, id, conn.RemoteAddr().String(), host, port); err != nil {
		logger.Warn("registering rpc connection failed", "error", err)
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		buffer := make([]byte, 4096)
		for {
			if _, err := conn.Read(buffer); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-ctx.Done():
		return
	}

	unregisterContext, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.UnregisterConnection(unregisterContext, id); err != nil {
		logger.Warn("unregistering rpc connection failed", "error", err)
	}
}

// runBackground performs the background duty on every tick. The duty
// itself belongs to the application; here it only reports that it ran.
func runBackground(ctx context.Context, clk clock.Clock, interval time.Duration, logger *slog.Logger) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("background tasks enabled", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			logger.Debug("background duty", "time", now)
		}
	}
}
