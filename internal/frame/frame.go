// Package frame implements the on-wire framing format shared by every
// Transport backend once a ReliableChannel is interposed: a small,
// self-resynchronizing codec that turns a byte stream into discrete
// DATA/ACK/NAK/START/END/HEARTBEAT frames and back.
package frame

import "fmt"

// Type enumerates the frame kinds carried on the wire.
type Type uint8

const (
	TypeData      Type = 0x01
	TypeAck       Type = 0x02
	TypeNak       Type = 0x03
	TypeStart     Type = 0x04
	TypeEnd       Type = 0x05
	TypeHeartbeat Type = 0x06
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeNak:
		return "NAK"
	case TypeStart:
		return "START"
	case TypeEnd:
		return "END"
	case TypeHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
	}
}

// MaxPayloadSize bounds any single DATA frame's payload. Callers that need a
// different ceiling pass it explicitly to the codec; this is only the
// protocol-hard upper bound from the wire format's 16-bit LEN field.
const MaxPayloadSize = 65536

// SyncWord is the fixed 2-byte marker every frame begins with.
var SyncWord = [2]byte{0xA5, 0x5A}

// Frame is the decoded, in-memory form of one wire record.
type Frame struct {
	Type     Type
	Sequence uint16
	Payload  []byte
	Valid    bool
}

// StartMetadata is the decoded payload of a TypeStart frame: session
// initiation parameters exchanged during the handshake.
type StartMetadata struct {
	Version    uint8
	Flags      uint8
	SessionID  uint16
	FileSize   uint64
	ModifyTime uint64
	FileName   string
}
