package protocol

import (
	"fmt"
)

// Represents the type of a binary frame
type MessageType byte

const (
	// Used for document replication frames
	MessageTypeSync MessageType = 0

	// Used for awareness frames (cursors, presence)
	MessageTypeAwareness MessageType = 1
)

// SyncStep represents the step in the replication handshake
type SyncStep byte

const (
	// Client sends its state vector after connecting
	SyncStep1 SyncStep = 0

	// Relay answers with the catch-up batch
	SyncStep2 SyncStep = 1

	// Regular update broadcast
	SyncUpdate SyncStep = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeSync:
		return "sync"
	case MessageTypeAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Extracts the message type from the first byte
func ParseMessageType(data []byte) MessageType {
	if len(data) == 0 {
		return MessageTypeSync
	}
	return MessageType(data[0])
}

// Extracts the sync step from the second byte
func ParseSyncStep(data []byte) SyncStep {
	if len(data) < 2 {
		return SyncStep1
	}
	return SyncStep(data[1])
}

// EncodeSync frames a replication payload
func EncodeSync(step SyncStep, payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+2)
	frame = append(frame, byte(MessageTypeSync), byte(step))
	return append(frame, payload...)
}

// EncodeAwareness frames a presence payload
func EncodeAwareness(payload []byte) []byte {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, byte(MessageTypeAwareness))
	return append(frame, payload...)
}

// Payload returns the bytes after the frame header
func Payload(data []byte) []byte {
	switch ParseMessageType(data) {
	case MessageTypeSync:
		if len(data) < 2 {
			return nil
		}
		return data[2:]
	case MessageTypeAwareness:
		if len(data) < 1 {
			return nil
		}
		return data[1:]
	default:
		return nil
	}
}

// Validate rejects frames the relay should not forward
func Validate(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty message")
	}

	switch MessageType(data[0]) {
	case MessageTypeSync:
		if len(data) < 2 {
			return fmt.Errorf("sync message too short")
		}
		if step := SyncStep(data[1]); step > SyncUpdate {
			return fmt.Errorf("invalid sync step: %d", step)
		}
		return nil
	case MessageTypeAwareness:
		if len(data) < 2 {
			return fmt.Errorf("awareness message too short")
		}
		return nil
	default:
		return fmt.Errorf("unknown message type: %d", data[0])
	}
}
