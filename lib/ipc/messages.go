// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"fmt"

	"github.com/maasregion/regiond/lib/codec"
)

// identifyPayloadLength is the fixed Identify payload size.
const identifyPayloadLength = 4

// NewIdentifyMessage builds the handshake message for pid.
func NewIdentifyMessage(pid uint32) Message {
	payload := make([]byte, identifyPayloadLength)
	binary.BigEndian.PutUint32(payload, pid)
	return Message{Type: MessageTypeIdentify, Payload: payload}
}

// ParseIdentify extracts the pid from a handshake message. A zero pid
// is rejected: no worker process can have it.
func ParseIdentify(message Message) (uint32, error) {
	if message.Type != MessageTypeIdentify {
		return 0, fmt.Errorf("expected %s, got %s", MessageTypeIdentify, message.Type)
	}
	if len(message.Payload) != identifyPayloadLength {
		return 0, fmt.Errorf("identify payload must be %d bytes, got %d", identifyPayloadLength, len(message.Payload))
	}
	pid := binary.BigEndian.Uint32(message.Payload)
	if pid == 0 {
		return 0, fmt.Errorf("identify carries pid 0")
	}
	return pid, nil
}

// NewAckMessage returns the empty acknowledgement.
func NewAckMessage() Message {
	return Message{Type: MessageTypeAck}
}

// RPCEndpoint is the payload of MessageTypeRPCEndpointPublish.
type RPCEndpoint struct {
	PID  uint32 `cbor:"pid"`
	Port uint16 `cbor:"port"`
}

// RPCConnection is the payload of MessageTypeRPCRegisterConnection.
// Ident is the identity the remote peer (a rack controller) announced;
// Host and Port are its address.
type RPCConnection struct {
	PID          uint32 `cbor:"pid"`
	ConnectionID string `cbor:"connid"`
	Ident        string `cbor:"ident"`
	Host         string `cbor:"host"`
	Port         uint16 `cbor:"port"`
}

// RPCDisconnection is the payload of MessageTypeRPCUnregisterConnection.
type RPCDisconnection struct {
	PID          uint32 `cbor:"pid"`
	ConnectionID string `cbor:"connid"`
}

// NewCBORMessage encodes value as the payload of a message of the given
// type.
func NewCBORMessage(messageType MessageType, value any) (Message, error) {
	payload, err := codec.Marshal(value)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s payload: %w", messageType, err)
	}
	return Message{Type: messageType, Payload: payload}, nil
}

// DecodePayload decodes a CBOR message payload into target.
func DecodePayload(message Message, target any) error {
	if len(message.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", message.Type)
	}
	if err := codec.Unmarshal(message.Payload, target); err != nil {
		return fmt.Errorf("decoding %s payload: %w", message.Type, err)
	}
	return nil
}
