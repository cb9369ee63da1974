// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

// Package admin exposes the worker pool to operators over the
// lib/service socket protocol.
package admin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/maasregion/regiond/control"
	"github.com/maasregion/regiond/lib/codec"
	"github.com/maasregion/regiond/lib/service"
	"github.com/maasregion/regiond/pool"
)

// Action names.
const (
	ActionStatus     = "status"
	ActionTermWorker = "term-worker"
	ActionKillWorker = "kill-worker"
)

// Pool is the part of *pool.Supervisor the admin socket drives.
type Pool interface {
	Snapshot(ctx context.Context) (pool.Snapshot, error)
	TermWorker(ctx context.Context, id pool.SlotID) error
	KillWorker(ctx context.Context, id pool.SlotID) error
	SignalPID(ctx context.Context, pid int, signal os.Signal) error
}

// Registry supplies control registrations. *control.Listener
// implements it.
type Registry interface {
	Registrations() []control.Registration
}

// StatusResponse is the data of a status reply.
type StatusResponse struct {
	Health   string   `cbor:"health" json:"health"`
	Message  string   `cbor:"message,omitempty" json:"message,omitempty"`
	Running  int      `cbor:"running" json:"running"`
	Expected int      `cbor:"expected" json:"expected"`
	Workers  []Worker `cbor:"workers" json:"workers"`
}

// Worker describes one slot.
type Worker struct {
	Slot           int    `cbor:"slot" json:"slot"`
	State          string `cbor:"state" json:"state"`
	PID            int    `cbor:"pid,omitempty" json:"pid,omitempty"`
	Background     bool   `cbor:"background" json:"background"`
	ConnectionID   string `cbor:"connection_id,omitempty" json:"connection_id,omitempty"`
	RPCPort        uint16 `cbor:"rpc_port,omitempty" json:"rpc_port,omitempty"`
	RPCConnections int    `cbor:"rpc_connections" json:"rpc_connections"`
}

// SignalRequest addresses a worker by slot or by pid. Exactly one must
// be set.
type SignalRequest struct {
	Slot *int `cbor:"slot"`
	PID  *int `cbor:"pid"`
}

// SignalResponse is the data of a term-worker or kill-worker reply.
type SignalResponse struct {
	Signal string `cbor:"signal" json:"signal"`
	Slot   *int   `cbor:"slot,omitempty" json:"slot,omitempty"`
	PID    *int   `cbor:"pid,omitempty" json:"pid,omitempty"`
}

// Register installs the admin actions on server.
func Register(server *service.SocketServer, workers Pool, registry Registry) {
	handlers := &handlers{pool: workers, registry: registry}
	server.Handle(ActionStatus, handlers.status)
	server.Handle(ActionTermWorker, handlers.signal(unix.SIGTERM))
	server.Handle(ActionKillWorker, handlers.signal(unix.SIGKILL))
}

type handlers struct {
	pool     Pool
	registry Registry
}

func (h *handlers) status(ctx context.Context, raw []byte) (any, error) {
	snapshot, err := h.pool.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	status, slots := snapshot.Status, snapshot.Slots

	registrations := make(map[int]control.Registration)
	if h.registry != nil {
		for _, registration := range h.registry.Registrations() {
			registrations[registration.PID] = registration
		}
	}

	response := StatusResponse{
		Health:   string(status.Health),
		Message:  status.Message,
		Running:  status.Running,
		Expected: status.Expected,
		Workers:  make([]Worker, 0, len(slots)),
	}
	for _, slot := range slots {
		worker := Worker{
			Slot:       int(slot.ID),
			State:      slot.State.String(),
			PID:        slot.PID,
			Background: slot.Background,
		}
		if registration, ok := registrations[slot.PID]; ok && slot.PID != 0 {
			worker.ConnectionID = registration.ConnectionID
			worker.RPCPort = registration.RPCPort
			worker.RPCConnections = len(registration.RPCConnections)
		}
		response.Workers = append(response.Workers, worker)
	}
	return response, nil
}

func (h *handlers) signal(sig syscall.Signal) service.ActionFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		var request SignalRequest
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}

		response := SignalResponse{Signal: unix.SignalName(sig)}
		switch {
		case request.Slot != nil && request.PID != nil:
			return nil, errors.New("specify slot or pid, not both")
		case request.Slot != nil:
			id := pool.SlotID(*request.Slot)
			var err error
			if sig == unix.SIGKILL {
				err = h.pool.KillWorker(ctx, id)
			} else {
				err = h.pool.TermWorker(ctx, id)
			}
			if err != nil {
				return nil, err
			}
			response.Slot = request.Slot
		case request.PID != nil:
			if *request.PID <= 0 {
				return nil, fmt.Errorf("invalid pid %d", *request.PID)
			}
			if err := h.pool.SignalPID(ctx, *request.PID, sig); err != nil {
				return nil, err
			}
			response.PID = request.PID
		default:
			return nil, errors.New("missing required field: slot or pid")
		}
		return response, nil
	}
}
