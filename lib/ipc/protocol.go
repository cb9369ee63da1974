// Copyright 2026 The Regiond Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType discriminates control-channel messages.
type MessageType uint16

const (
	// MessageTypeIdentify is the handshake: worker → master, payload
	// is the worker pid as a big-endian uint32.
	MessageTypeIdentify MessageType = 0x0001

	// MessageTypeAck acknowledges any worker → master message. Empty
	// payload.
	MessageTypeAck MessageType = 0x0002

	// MessageTypeRPCEndpointPublish reports the port the worker's RPC
	// listener is bound to. CBOR RPCEndpoint payload.
	MessageTypeRPCEndpointPublish MessageType = 0x0010

	// MessageTypeRPCRegisterConnection reports a new RPC client
	// connection accepted by the worker. CBOR RPCConnection payload.
	MessageTypeRPCRegisterConnection MessageType = 0x0011

	// MessageTypeRPCUnregisterConnection reports that an RPC client
	// connection went away. CBOR RPCDisconnection payload.
	MessageTypeRPCUnregisterConnection MessageType = 0x0012
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeIdentify:
		return "identify"
	case MessageTypeAck:
		return "ack"
	case MessageTypeRPCEndpointPublish:
		return "rpc-endpoint-publish"
	case MessageTypeRPCRegisterConnection:
		return "rpc-register-connection"
	case MessageTypeRPCUnregisterConnection:
		return "rpc-unregister-connection"
	default:
		return fmt.Sprintf("unknown(0x%04x)", uint16(t))
	}
}

// HeaderLength is the size of the fixed message header.
const HeaderLength = 6

// MaxPayloadLength bounds a single payload. Control messages are tiny;
// anything near this size is a corrupt or hostile stream.
const MaxPayloadLength = 1 << 20

// ErrPayloadTooLarge is returned by ReadMessage and WriteMessage when a
// payload exceeds MaxPayloadLength.
var ErrPayloadTooLarge = errors.New("ipc: payload exceeds maximum length")

// Message is one framed control-channel message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// WriteMessage writes message to w as a single Write so concurrent
// writers on the same connection cannot interleave frames.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > MaxPayloadLength {
		return fmt.Errorf("write %s: %w (%d bytes)", message.Type, ErrPayloadTooLarge, len(message.Payload))
	}
	frame := make([]byte, HeaderLength+len(message.Payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(message.Payload)))
	binary.BigEndian.PutUint16(frame[4:6], uint16(message.Type))
	copy(frame[HeaderLength:], message.Payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", message.Type, err)
	}
	return nil
}

// ReadMessage reads one framed message from r. A clean EOF before any
// header byte is returned wrapped so errors.Is(err, io.EOF) holds; a
// header or payload cut short yields io.ErrUnexpectedEOF.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("read message header: %w", err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	messageType := MessageType(binary.BigEndian.Uint16(header[4:6]))
	if length > MaxPayloadLength {
		return Message{}, fmt.Errorf("read %s: %w (%d bytes)", messageType, ErrPayloadTooLarge, length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return Message{}, fmt.Errorf("read %s payload: %w", messageType, err)
		}
	}
	return Message{Type: messageType, Payload: payload}, nil
}
