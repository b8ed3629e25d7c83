package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
)

// encodeBody serializes the type-specific plaintext layout for f,
// matching the post-decrypt body each frame type carries on the wire.
func encodeBody(f Frame) ([]byte, error) {
	switch f.Type {
	case TypeStream:
		if len(f.Payload) > 1<<24-1 {
			return nil, fmt.Errorf("frame: stream payload too large")
		}
		body := putVarint(nil, f.StreamID)
		body = putUint24(body, uint32(len(f.Payload)))
		body = append(body, f.Payload...)
		body = append(body, f.Padding...)
		return body, nil
	case TypeWindowUpdate:
		body := putVarint(nil, f.StreamID)
		delta := make([]byte, 4)
		binary.BigEndian.PutUint32(delta, f.WindowDelta)
		return append(body, delta...), nil
	case TypePing:
		out := make([]byte, 8)
		copy(out, f.Opaque[:])
		return out, nil
	case TypeKeyUpdate:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, f.NewEpoch)
		return out, nil
	case TypeClose:
		body := putVarint(nil, f.StreamID)
		rc := make([]byte, 2)
		binary.BigEndian.PutUint16(rc, f.ReasonCode)
		return append(body, rc...), nil
	case TypeControl:
		return f.ControlRecord, nil
	default:
		return nil, fmt.Errorf("frame: unknown frame type %d", f.Type)
	}
}

func decodeBody(t Type, body []byte) (Frame, error) {
	switch t {
	case TypeStream:
		streamID, rest, err := takeVarint(body)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: stream_id: %w", err)
		}
		dataLen, rest, err := takeUint24(rest)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: data_len: %w", err)
		}
		if uint64(len(rest)) < uint64(dataLen) {
			return Frame{}, fmt.Errorf("frame: truncated stream payload")
		}
		data := rest[:dataLen]
		padding := rest[dataLen:]
		return Frame{Type: TypeStream, StreamID: streamID, Payload: data, Padding: padding}, nil
	case TypeWindowUpdate:
		streamID, rest, err := takeVarint(body)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: stream_id: %w", err)
		}
		if len(rest) < 4 {
			return Frame{}, fmt.Errorf("frame: truncated window_update delta")
		}
		delta := binary.BigEndian.Uint32(rest[:4])
		return Frame{Type: TypeWindowUpdate, StreamID: streamID, WindowDelta: delta}, nil
	case TypePing:
		if len(body) != 8 {
			return Frame{}, fmt.Errorf("frame: ping opaque must be 8 bytes, got %d", len(body))
		}
		var opaque [8]byte
		copy(opaque[:], body)
		return Frame{Type: TypePing, Opaque: opaque}, nil
	case TypeKeyUpdate:
		if len(body) != 4 {
			return Frame{}, fmt.Errorf("frame: key_update epoch must be 4 bytes, got %d", len(body))
		}
		return Frame{Type: TypeKeyUpdate, NewEpoch: binary.BigEndian.Uint32(body)}, nil
	case TypeClose:
		streamID, rest, err := takeVarint(body)
		if err != nil {
			return Frame{}, fmt.Errorf("frame: stream_id: %w", err)
		}
		if len(rest) < 2 {
			return Frame{}, fmt.Errorf("frame: truncated close reason_code")
		}
		return Frame{Type: TypeClose, StreamID: streamID, ReasonCode: binary.BigEndian.Uint16(rest[:2])}, nil
	case TypeControl:
		rec := make([]byte, len(body))
		copy(rec, body)
		return Frame{Type: TypeControl, ControlRecord: rec}, nil
	default:
		return Frame{}, fmt.Errorf("frame: unknown frame type %d", t)
	}
}

// Encode seals f under kc and returns the complete on-wire record,
// including the 3-byte length prefix.
func Encode(f Frame, kc *KeyContext) ([]byte, error) {
	body, err := encodeBody(f)
	if err != nil {
		return nil, err
	}
	n, a, err := kc.nextSendNonce(f.Type)
	if err != nil {
		return nil, err
	}
	kc.mu.Lock()
	key := kc.Key
	kc.mu.Unlock()

	sealed, err := cryptoprim.Seal(nil, key[:], n[:], body, a)
	if err != nil {
		return nil, err
	}

	record := make([]byte, 0, 1+len(sealed))
	record = append(record, byte(f.Type))
	record = append(record, sealed...)
	if len(record) > MaxRecordLen {
		return nil, fmt.Errorf("frame: encoded record %d exceeds max length", len(record))
	}
	if len(record) < MinRecordLen {
		return nil, fmt.Errorf("frame: encoded record %d below min length", len(record))
	}

	out := make([]byte, 3, 3+len(record))
	out[0] = byte(len(record) >> 16)
	out[1] = byte(len(record) >> 8)
	out[2] = byte(len(record))
	out = append(out, record...)
	return out, nil
}

// ParseLength reads the 3-byte big-endian record length from the front
// of a buffer and validates it against MinRecordLen/MaxRecordLen. It
// does not consume anything beyond those 3 bytes.
func ParseLength(header [3]byte) (int, error) {
	n := int(header[0])<<16 | int(header[1])<<8 | int(header[2])
	if n < MinRecordLen {
		return 0, fmt.Errorf("frame: record length %d below minimum %d", n, MinRecordLen)
	}
	if n > MaxRecordLen {
		return 0, fmt.Errorf("frame: record length %d exceeds maximum %d", n, MaxRecordLen)
	}
	return n, nil
}

// Decode authenticates and parses a single record body (the bytes
// following the 3-byte length prefix: type byte ∥ ciphertext ∥ tag)
// against kc. A decrypt failure, counter regression, or malformed body
// is fatal to the connection per the fatal-error discipline.
func Decode(record []byte, kc *KeyContext) (Frame, error) {
	if len(record) < MinRecordLen {
		return Frame{}, fmt.Errorf("frame: record too short (%d bytes)", len(record))
	}
	t := Type(record[0])
	ciphertext := record[1:]

	plaintext, err := kc.nextRecvOpen(t, ciphertext)
	if err != nil {
		return Frame{}, err
	}
	return decodeBody(t, plaintext)
}
