// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// regiond is the region controller master. It owns the control socket
// that workers dial back to, keeps the configured number of
// regiond-worker processes running, and serves the admin socket that
// regiond-ctl talks to.
//
// Configuration comes from the YAML file named by --config or
// REGIOND_CONFIG, then the MAAS_* environment overrides, then flags.
// SIGINT or SIGTERM stops the pool: every worker is sent SIGTERM and
// the master exits once all of them have been reaped.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/maasregion/regiond/admin"
	"github.com/maasregion/regiond/control"
	"github.com/maasregion/regiond/lib/config"
	"github.com/maasregion/regiond/lib/process"
	"github.com/maasregion/regiond/lib/service"
	"github.com/maasregion/regiond/lib/version"
	"github.com/maasregion/regiond/pool"
)

// shutdownTimeout bounds how long the pool gets to drain after a stop
// signal before the remaining workers are killed.
const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		process.Fatal(err)
	}
}

func run(args []string) error {
	var (
		configPath   string
		workerCount  int
		logLevel     string
		spawnTimeout time.Duration
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("regiond", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to the YAML configuration file")
	flagSet.IntVar(&workerCount, "workers", 0, "number of worker processes (overrides pool.worker_count)")
	flagSet.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error (overrides log_level)")
	flagSet.DurationVar(&spawnTimeout, "spawn-timeout", 0, "kill workers that have not identified within this duration (overrides pool.spawn_timeout)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("regiond")
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("workers") {
		cfg.Pool.WorkerCount = workerCount
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("spawn-timeout") {
		cfg.Pool.SpawnTimeout = spawnTimeout
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, err := pool.NewExecLauncher(pool.ExecLauncherOptions{
		Command:           cfg.Pool.WorkerCommand,
		ControlSocketPath: cfg.Paths.ControlSocket,
	})
	if err != nil {
		return fmt.Errorf("worker command: %w", err)
	}
	logger.Info("worker binary validated", "path", launcher.Path())

	supervisor, err := pool.New(pool.Options{
		DesiredCount:   cfg.Pool.WorkerCount,
		Launcher:       launcher,
		Logger:         logger.With("component", "pool"),
		SpawnTimeout:   cfg.Pool.SpawnTimeout,
		UpdateInterval: cfg.Pool.UpdateInterval,
	})
	if err != nil {
		return err
	}

	listener := control.New(control.Options{
		Observer: supervisor,
		Logger:   logger.With("component", "control"),
	})
	if err := listener.Start(cfg.Paths.ControlSocket); err != nil {
		return err
	}

	if err := supervisor.Start(listener); err != nil {
		listener.Stop()
		return fmt.Errorf("starting worker pool: %w", err)
	}

	adminServer := service.NewSocketServer(cfg.Paths.AdminSocket, logger.With("component", "admin"))
	admin.Register(adminServer, supervisor, listener)
	adminContext, cancelAdmin := context.WithCancel(context.Background())
	adminDone := make(chan error, 1)
	go func() {
		adminDone <- adminServer.Serve(adminContext)
	}()

	logger.Info("regiond started",
		"version", version.Info(),
		"workers", cfg.Pool.WorkerCount,
		"control_socket", cfg.Paths.ControlSocket,
		"admin_socket", cfg.Paths.AdminSocket,
	)

	var adminErr error
	adminStopped := false
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case adminErr = <-adminDone:
		adminStopped = true
		logger.Error("admin socket stopped, shutting down", "error", adminErr)
	}

	stopContext, cancelStop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelStop()
	stopErr := supervisor.Stop(stopContext)

	cancelAdmin()
	if !adminStopped {
		adminErr = <-adminDone
	}

	return errors.Join(adminErr, stopErr)
}
