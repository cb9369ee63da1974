// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"strings"
	"testing"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestParamsFromLookup(t *testing.T) {
	params, err := ParamsFromLookup(lookupFrom(map[string]string{
		EnvProcessMode:        "worker",
		EnvWorkerID:           "1",
		EnvRunBackgroundTasks: "true",
		EnvSocketPath:         "/var/lib/maas/maas-regiond.sock",
	}))
	if err != nil {
		t.Fatalf("ParamsFromLookup: %v", err)
	}
	if params.WorkerID != 1 || !params.RunBackgroundTasks || params.SocketPath != "/var/lib/maas/maas-regiond.sock" {
		t.Fatalf("params = %+v", params)
	}
}

func TestParamsEnvironmentRoundTrip(t *testing.T) {
	original := Params{WorkerID: 3, RunBackgroundTasks: false, SocketPath: "/tmp/control.sock"}
	values := make(map[string]string)
	for _, entry := range original.Environment() {
		key, value, _ := strings.Cut(entry, "=")
		values[key] = value
	}
	if values[EnvRunBackgroundTasks] != "false" {
		t.Errorf("%s = %q, want false", EnvRunBackgroundTasks, values[EnvRunBackgroundTasks])
	}
	params, err := ParamsFromLookup(lookupFrom(values))
	if err != nil {
		t.Fatalf("ParamsFromLookup: %v", err)
	}
	if params != original {
		t.Fatalf("params = %+v, want %+v", params, original)
	}
}

func TestParamsFromLookupErrors(t *testing.T) {
	valid := map[string]string{
		EnvProcessMode:        "worker",
		EnvWorkerID:           "0",
		EnvRunBackgroundTasks: "false",
		EnvSocketPath:         "/tmp/control.sock",
	}
	tests := []struct {
		name     string
		override map[string]string
		remove   string
		want     string
	}{
		{name: "missing socket", remove: EnvSocketPath, want: EnvSocketPath},
		{name: "missing id", remove: EnvWorkerID, want: EnvWorkerID},
		{name: "wrong mode", override: map[string]string{EnvProcessMode: "master"}, want: EnvProcessMode},
		{name: "negative id", override: map[string]string{EnvWorkerID: "-1"}, want: EnvWorkerID},
		{name: "non-numeric id", override: map[string]string{EnvWorkerID: "one"}, want: EnvWorkerID},
		{name: "loose boolean", override: map[string]string{EnvRunBackgroundTasks: "yes"}, want: EnvRunBackgroundTasks},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			values := make(map[string]string)
			for key, value := range valid {
				values[key] = value
			}
			for key, value := range test.override {
				values[key] = value
			}
			delete(values, test.remove)

			_, err := ParamsFromLookup(lookupFrom(values))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error %q does not mention %s", err, test.want)
			}
		})
	}
}
