// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/maasregion/regiond/worker"
)

// Argument placeholders substituted by ExecLauncher.
const (
	PlaceholderWorkerID           = "{worker_id}"
	PlaceholderRunBackgroundTasks = "{run_background_tasks}"
)

// ExecLauncherOptions configures an ExecLauncher.
type ExecLauncherOptions struct {
	// Command is the worker executable followed by its argument
	// template. A bare executable name is looked up next to the
	// running binary, then on PATH.
	Command []string

	// ControlSocketPath is passed to every worker.
	ControlSocketPath string

	// Environment is the base environment. Defaults to os.Environ().
	Environment []string

	// Stdout and Stderr default to the supervisor's own.
	Stdout io.Writer
	Stderr io.Writer
}

// ExecLauncher starts workers as child processes.
type ExecLauncher struct {
	path        string
	arguments   []string
	socketPath  string
	environment []string
	stdout      io.Writer
	stderr      io.Writer
}

// NewExecLauncher resolves and checks the worker executable. A missing
// or non-executable worker is a startup error.
func NewExecLauncher(options ExecLauncherOptions) (*ExecLauncher, error) {
	if len(options.Command) == 0 || options.Command[0] == "" {
		return nil, errors.New("worker command is empty")
	}
	if options.ControlSocketPath == "" {
		return nil, errors.New("control socket path is required")
	}

	path := resolveBinary(options.Command[0])
	if err := validateBinary(path, options.Command[0]); err != nil {
		return nil, err
	}

	environment := options.Environment
	if environment == nil {
		environment = os.Environ()
	}
	stdout := options.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := options.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &ExecLauncher{
		path:        path,
		arguments:   append([]string(nil), options.Command[1:]...),
		socketPath:  options.ControlSocketPath,
		environment: environment,
		stdout:      stdout,
		stderr:      stderr,
	}, nil
}

// Path returns the resolved worker executable.
func (l *ExecLauncher) Path() string {
	return l.path
}

// Launch starts a worker for slot. The returned process is already
// running; its pid is valid.
func (l *ExecLauncher) Launch(slot SlotID, background bool) (Process, error) {
	cmd := exec.Command(l.path, expandArguments(l.arguments, slot, background)...)
	cmd.Env = l.workerEnvironment(slot, background)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.SysProcAttr = workerProcAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %s for slot %d: %w", l.path, slot, err)
	}
	return &execProcess{cmd: cmd}, nil
}

// expandArguments substitutes the placeholders in template.
func expandArguments(template []string, slot SlotID, background bool) []string {
	replacer := strings.NewReplacer(
		PlaceholderWorkerID, strconv.Itoa(int(slot)),
		PlaceholderRunBackgroundTasks, strconv.FormatBool(background),
	)
	arguments := make([]string, len(template))
	for i, argument := range template {
		arguments[i] = replacer.Replace(argument)
	}
	return arguments
}

// workerEnvironment is the base environment with the worker variables
// replacing any inherited values.
func (l *ExecLauncher) workerEnvironment(slot SlotID, background bool) []string {
	params := worker.Params{
		WorkerID:           int(slot),
		RunBackgroundTasks: background,
		SocketPath:         l.socketPath,
	}
	overrides := params.Environment()

	environment := make([]string, 0, len(l.environment)+len(overrides))
	for _, entry := range l.environment {
		name, _, _ := strings.Cut(entry, "=")
		switch name {
		case worker.EnvProcessMode, worker.EnvWorkerID, worker.EnvRunBackgroundTasks, worker.EnvSocketPath:
			continue
		}
		environment = append(environment, entry)
	}
	return append(environment, overrides...)
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int                      { return p.cmd.Process.Pid }
func (p *execProcess) Signal(signal os.Signal) error { return p.cmd.Process.Signal(signal) }
func (p *execProcess) Wait() error                   { return p.cmd.Wait() }

// resolveBinary finds name next to the running executable, then on
// PATH. Names containing a slash are used as given.
func resolveBinary(name string) string {
	if strings.Contains(name, "/") {
		return name
	}
	if executable, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(executable), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

// validateBinary checks that path is a regular, executable file.
func validateBinary(path, name string) error {
	if path == "" {
		return fmt.Errorf("worker binary %s not found (checked next to regiond and PATH)", name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("worker binary %q: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("worker binary %q is not a regular file (mode %s)", path, info.Mode())
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("worker binary %q is not executable (mode %s)", path, info.Mode())
	}
	return nil
}

// exitAttributes describes a Wait result for logging.
func exitAttributes(err error) []any {
	if err == nil {
		return []any{"exit_code", 0}
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return []any{"error", err.Error()}
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return []any{"exit_code", exitErr.ExitCode(), "signal", status.Signal().String()}
	}
	return []any{"exit_code", exitErr.ExitCode()}
}
