// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/maasregion/regiond/worker"
)

func TestExpandArguments(t *testing.T) {
	template := []string{"--id", PlaceholderWorkerID, "--background={run_background_tasks}", "worker-{worker_id}.log"}

	got := expandArguments(template, 1, true)
	want := []string{"--id", "1", "--background=true", "worker-1.log"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expandArguments = %q, want %q", got, want)
	}

	got = expandArguments(template, 0, false)
	if got[1] != "0" || got[2] != "--background=false" {
		t.Fatalf("expandArguments = %q", got)
	}
	if template[1] != PlaceholderWorkerID {
		t.Fatal("expandArguments modified the template")
	}
}

func TestWorkerEnvironmentReplacesInherited(t *testing.T) {
	launcher := &ExecLauncher{
		socketPath: "/run/regiond/control.sock",
		environment: []string{
			"PATH=/usr/bin",
			worker.EnvWorkerID + "=7",
			worker.EnvSocketPath + "=/elsewhere.sock",
		},
	}

	values := make(map[string][]string)
	for _, entry := range launcher.workerEnvironment(2, false) {
		name, value, _ := strings.Cut(entry, "=")
		values[name] = append(values[name], value)
	}

	expect := map[string]string{
		"PATH":                       "/usr/bin",
		worker.EnvProcessMode:        "worker",
		worker.EnvWorkerID:           "2",
		worker.EnvRunBackgroundTasks: "false",
		worker.EnvSocketPath:         "/run/regiond/control.sock",
	}
	for name, want := range expect {
		if got := values[name]; len(got) != 1 || got[0] != want {
			t.Errorf("%s = %q, want exactly [%q]", name, got, want)
		}
	}
}

func TestNewExecLauncherValidatesBinary(t *testing.T) {
	directory := t.TempDir()
	notExecutable := filepath.Join(directory, "plain")
	if err := os.WriteFile(notExecutable, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		name    string
		command []string
		want    string
	}{
		{"empty", nil, "empty"},
		{"not on path", []string{"regiond-worker-does-not-exist"}, "not found"},
		{"missing file", []string{filepath.Join(directory, "absent")}, "no such file"},
		{"directory", []string{directory}, "not a regular file"},
		{"not executable", []string{notExecutable}, "not executable"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := NewExecLauncher(ExecLauncherOptions{
				Command:           test.command,
				ControlSocketPath: "/tmp/control.sock",
			})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not contain %q", err, test.want)
			}
		})
	}

	if _, err := NewExecLauncher(ExecLauncherOptions{Command: []string{"/bin/sh"}}); err == nil {
		t.Error("expected error without a control socket path")
	}
}

func TestNewExecLauncherResolvesPath(t *testing.T) {
	shell, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}
	launcher, err := NewExecLauncher(ExecLauncherOptions{
		Command:           []string{"sh"},
		ControlSocketPath: "/tmp/control.sock",
	})
	if err != nil {
		t.Fatalf("NewExecLauncher: %v", err)
	}
	if launcher.Path() != shell {
		t.Errorf("Path() = %q, want %q", launcher.Path(), shell)
	}
}

func TestLaunchPassesSlotToProcess(t *testing.T) {
	output := filepath.Join(t.TempDir(), "out")
	launcher, err := NewExecLauncher(ExecLauncherOptions{
		Command: []string{"/bin/sh", "-c",
			`printf '%s %s %s %s' "$1" "$2" "$MAAS_REGIOND_WORKER_ID" "$MAAS_REGIOND_RUN_BACKGROUND_TASKS" > "$3"`,
			"sh", PlaceholderWorkerID, PlaceholderRunBackgroundTasks, output},
		ControlSocketPath: "/tmp/control.sock",
	})
	if err != nil {
		t.Fatalf("NewExecLauncher: %v", err)
	}

	process, err := launcher.Launch(1, true)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if process.Pid() <= 0 {
		t.Errorf("Pid() = %d", process.Pid())
	}
	if err := process.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(data) != "1 true 1 true" {
		t.Fatalf("worker saw %q, want %q", data, "1 true 1 true")
	}
}

func TestExitAttributes(t *testing.T) {
	launcher, err := NewExecLauncher(ExecLauncherOptions{
		Command:           []string{"/bin/sh", "-c", "exit 3"},
		ControlSocketPath: "/tmp/control.sock",
	})
	if err != nil {
		t.Fatalf("NewExecLauncher: %v", err)
	}
	process, err := launcher.Launch(0, false)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	attributes := exitAttributes(process.Wait())
	if !reflect.DeepEqual(attributes, []any{"exit_code", 3}) {
		t.Errorf("exitAttributes = %v, want exit_code 3", attributes)
	}

	killed, err := NewExecLauncher(ExecLauncherOptions{
		Command:           []string{"/bin/sh", "-c", "kill -KILL $$"},
		ControlSocketPath: "/tmp/control.sock",
	})
	if err != nil {
		t.Fatalf("NewExecLauncher: %v", err)
	}
	process, err = killed.Launch(0, false)
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	attributes = exitAttributes(process.Wait())
	if !reflect.DeepEqual(attributes, []any{"exit_code", -1, "signal", "killed"}) {
		t.Errorf("exitAttributes = %v, want killed", attributes)
	}

	if attributes := exitAttributes(nil); !reflect.DeepEqual(attributes, []any{"exit_code", 0}) {
		t.Errorf("exitAttributes(nil) = %v", attributes)
	}
	if attributes := exitAttributes(errors.New("wait failed")); !reflect.DeepEqual(attributes, []any{"error", "wait failed"}) {
		t.Errorf("exitAttributes(error) = %v", attributes)
	}
}
