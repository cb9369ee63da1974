// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/maasregion/regiond/lib/config"
)

// Environment set by the master for every worker it launches.
const (
	EnvProcessMode        = "MAAS_REGIOND_PROCESS_MODE"
	EnvWorkerID           = "MAAS_REGIOND_WORKER_ID"
	EnvRunBackgroundTasks = "MAAS_REGIOND_RUN_BACKGROUND_TASKS"
	EnvSocketPath         = config.EnvControlSocketPath

	ProcessModeWorker = "worker"
)

// Params are a worker's launch parameters.
type Params struct {
	WorkerID           int
	RunBackgroundTasks bool
	SocketPath         string
}

// ParamsFromEnv reads Params from the process environment.
func ParamsFromEnv() (Params, error) {
	return ParamsFromLookup(os.LookupEnv)
}

// ParamsFromLookup reads Params through lookupEnv. Every variable is
// required; a process not started by the master has no business
// dialing its control socket.
func ParamsFromLookup(lookupEnv func(string) (string, bool)) (Params, error) {
	var errs []error
	get := func(name string) string {
		value, ok := lookupEnv(name)
		if !ok || value == "" {
			errs = append(errs, fmt.Errorf("%s is not set", name))
		}
		return value
	}

	mode := get(EnvProcessMode)
	id := get(EnvWorkerID)
	background := get(EnvRunBackgroundTasks)
	socket := get(EnvSocketPath)
	if len(errs) > 0 {
		return Params{}, errors.Join(errs...)
	}

	if mode != ProcessModeWorker {
		return Params{}, fmt.Errorf("%s is %q, want %q", EnvProcessMode, mode, ProcessModeWorker)
	}
	workerID, err := strconv.Atoi(id)
	if err != nil || workerID < 0 {
		return Params{}, fmt.Errorf("%s must be a non-negative integer, got %q", EnvWorkerID, id)
	}
	var runBackground bool
	switch background {
	case "true":
		runBackground = true
	case "false":
	default:
		return Params{}, fmt.Errorf("%s must be true or false, got %q", EnvRunBackgroundTasks, background)
	}

	return Params{
		WorkerID:           workerID,
		RunBackgroundTasks: runBackground,
		SocketPath:         socket,
	}, nil
}

// Environment renders params as the variables ParamsFromLookup reads.
func (p Params) Environment() []string {
	return []string{
		EnvProcessMode + "=" + ProcessModeWorker,
		EnvWorkerID + "=" + strconv.Itoa(p.WorkerID),
		EnvRunBackgroundTasks + "=" + strconv.FormatBool(p.RunBackgroundTasks),
		EnvSocketPath + "=" + p.SocketPath,
	}
}
