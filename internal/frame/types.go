// Package frame implements the HTX wire frame: a length-prefixed,
// AEAD-sealed tagged union (STREAM, WINDOW_UPDATE, PING, KEY_UPDATE,
// CLOSE, CONTROL) with nonce and AAD derivation centralized here so
// upper layers never handle a raw nonce.
package frame

// Type identifies the kind of frame carried in a sealed record.
type Type uint8

const (
	TypeStream Type = 1 + iota
	TypeWindowUpdate
	TypePing
	TypeKeyUpdate
	TypeClose
	TypeControl
)

func (t Type) String() string {
	switch t {
	case TypeStream:
		return "STREAM"
	case TypeWindowUpdate:
		return "WINDOW_UPDATE"
	case TypePing:
		return "PING"
	case TypeKeyUpdate:
		return "KEY_UPDATE"
	case TypeClose:
		return "CLOSE"
	case TypeControl:
		return "CONTROL"
	default:
		return "UNKNOWN"
	}
}

// ControlStreamID is the reserved stream id that carries only CONTROL
// frames. Any STREAM frame addressed to it is a protocol error.
const ControlStreamID uint64 = 0

// MaxRecordLen is the largest permitted on-wire record length
// (3-byte big-endian length field, 2^24-1).
const MaxRecordLen = 1<<24 - 1

// MinRecordLen is the smallest legal record: one type byte plus a
// 16-byte AEAD tag and no ciphertext body.
const MinRecordLen = 1 + 16

// Frame is the decoded, tagged-union representation of a single HTX
// wire record.
type Frame struct {
	Type Type

	// STREAM
	StreamID uint64
	Payload  []byte
	Padding  []byte

	// WINDOW_UPDATE
	WindowDelta uint32

	// PING
	Opaque [8]byte

	// KEY_UPDATE
	NewEpoch uint32

	// CLOSE
	ReasonCode uint16

	// CONTROL
	ControlRecord []byte // raw DET-CBOR bytes
}

// Stream builds a STREAM frame addressed to streamID with data and pad
// bytes of padding.
func Stream(streamID uint64, data, pad []byte) Frame {
	return Frame{Type: TypeStream, StreamID: streamID, Payload: data, Padding: pad}
}

// WindowUpdate builds a WINDOW_UPDATE frame.
func WindowUpdate(streamID uint64, delta uint32) Frame {
	return Frame{Type: TypeWindowUpdate, StreamID: streamID, WindowDelta: delta}
}

// Ping builds a PING frame carrying an 8-byte opaque payload.
func Ping(opaque [8]byte) Frame {
	return Frame{Type: TypePing, Opaque: opaque}
}

// KeyUpdate builds a KEY_UPDATE frame announcing newEpoch.
func KeyUpdate(newEpoch uint32) Frame {
	return Frame{Type: TypeKeyUpdate, NewEpoch: newEpoch}
}

// Close builds a CLOSE frame for streamID with the given reason code.
func Close(streamID uint64, reasonCode uint16) Frame {
	return Frame{Type: TypeClose, StreamID: streamID, ReasonCode: reasonCode}
}

// Control builds a CONTROL frame wrapping an already DET-CBOR-encoded
// transition record.
func Control(record []byte) Frame {
	return Frame{Type: TypeControl, ControlRecord: record}
}
