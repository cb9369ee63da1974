// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// regiond-ctl talks to a running regiond over its admin socket.
//
//	regiond-ctl status
//	regiond-ctl term-worker --slot 1
//	regiond-ctl kill-worker --pid 12345
//
// Output is a table on a terminal and JSON otherwise (or with --json).
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/maasregion/regiond/admin"
	"github.com/maasregion/regiond/lib/config"
	"github.com/maasregion/regiond/lib/process"
	"github.com/maasregion/regiond/lib/service"
	"github.com/maasregion/regiond/lib/version"
)

const callTimeout = 10 * time.Second

// caller is the part of *service.Client the commands use.
type caller interface {
	Call(ctx context.Context, action string, fields map[string]any, result any) error
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		process.Fatal(err)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		socketPath  string
		jsonOutput  bool
		slot        int
		pid         int
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("regiond-ctl", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "admin socket path (default from configuration)")
	flagSet.BoolVar(&jsonOutput, "json", false, "print JSON even on a terminal")
	flagSet.IntVar(&slot, "slot", -1, "worker slot to signal")
	flagSet.IntVar(&pid, "pid", 0, "worker pid to signal")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print("regiond-ctl")
		return nil
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: regiond-ctl [flags] status|term-worker|kill-worker")
	}

	if socketPath == "" {
		paths, err := config.LoadPaths()
		if err != nil {
			return err
		}
		socketPath = paths.AdminSocket
	}
	if !jsonOutput {
		file, ok := stdout.(*os.File)
		jsonOutput = !ok || !term.IsTerminal(int(file.Fd()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	client := service.NewClient(socketPath)

	switch action := flagSet.Arg(0); action {
	case admin.ActionStatus:
		return status(ctx, client, stdout, jsonOutput)
	case admin.ActionTermWorker, admin.ActionKillWorker:
		fields, err := signalTarget(flagSet.Changed("slot"), slot, flagSet.Changed("pid"), pid)
		if err != nil {
			return err
		}
		return signalWorker(ctx, client, action, fields, stdout, jsonOutput)
	default:
		return fmt.Errorf("unknown command %q", action)
	}
}

// signalTarget builds the request fields for a signal command.
func signalTarget(haveSlot bool, slot int, havePID bool, pid int) (map[string]any, error) {
	switch {
	case haveSlot && havePID:
		return nil, errors.New("--slot and --pid are mutually exclusive")
	case haveSlot:
		if slot < 0 {
			return nil, fmt.Errorf("invalid --slot %d", slot)
		}
		return map[string]any{"slot": slot}, nil
	case havePID:
		if pid <= 0 {
			return nil, fmt.Errorf("invalid --pid %d", pid)
		}
		return map[string]any{"pid": pid}, nil
	default:
		return nil, errors.New("--slot or --pid is required")
	}
}

func status(ctx context.Context, client caller, stdout io.Writer, jsonOutput bool) error {
	var response admin.StatusResponse
	if err := client.Call(ctx, admin.ActionStatus, nil, &response); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(stdout, response)
	}

	fmt.Fprintf(stdout, "%s: %d/%d workers running\n", response.Health, response.Running, response.Expected)
	if response.Message != "" {
		fmt.Fprintln(stdout, response.Message)
	}
	writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SLOT\tSTATE\tPID\tBACKGROUND\tRPC PORT\tRPC CONNECTIONS")
	for _, worker := range response.Workers {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%t\t%s\t%d\n",
			worker.Slot, worker.State, optional(worker.PID), worker.Background,
			optional(int(worker.RPCPort)), worker.RPCConnections)
	}
	return writer.Flush()
}

func signalWorker(ctx context.Context, client caller, action string, fields map[string]any, stdout io.Writer, jsonOutput bool) error {
	var response admin.SignalResponse
	if err := client.Call(ctx, action, fields, &response); err != nil {
		return err
	}
	if jsonOutput {
		return writeJSON(stdout, response)
	}
	switch {
	case response.Slot != nil:
		fmt.Fprintf(stdout, "sent %s to slot %d\n", response.Signal, *response.Slot)
	case response.PID != nil:
		fmt.Fprintf(stdout, "sent %s to pid %d\n", response.Signal, *response.PID)
	default:
		fmt.Fprintf(stdout, "sent %s\n", response.Signal)
	}
	return nil
}

func optional(value int) string {
	if value == 0 {
		return "-"
	}
	return strconv.Itoa(value)
}

func writeJSON(w io.Writer, value any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
