package frame

import (
	"bytes"
	"testing"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
)

func newTestContextPair(t *testing.T) (*KeyContext, *KeyContext) {
	t.Helper()
	var key [cryptoprim.KeySize]byte
	var salt [cryptoprim.NonceSize]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	copy(salt[:], []byte("abcdefghijkl"))
	tx := NewKeyContext(DirTX, key, salt)
	rx := NewKeyContext(DirRX, key, salt)
	return tx, rx
}

func roundTrip(t *testing.T, f Frame, tx, rx *KeyContext) Frame {
	t.Helper()
	wire, err := Encode(f, tx)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var hdr [3]byte
	copy(hdr[:], wire[:3])
	n, err := ParseLength(hdr)
	if err != nil {
		t.Fatalf("ParseLength: %v", err)
	}
	if n != len(wire)-3 {
		t.Fatalf("length mismatch: header says %d, got %d", n, len(wire)-3)
	}
	got, err := Decode(wire[3:], rx)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return got
}

func TestStreamFrameRoundTrip(t *testing.T) {
	tx, rx := newTestContextPair(t)
	f := Stream(7, []byte("hello world"), []byte{0, 0, 0, 0})
	got := roundTrip(t, f, tx, rx)
	if got.Type != TypeStream || got.StreamID != 7 {
		t.Fatalf("unexpected frame: %+v", got)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, f.Payload)
	}
}

func TestControlFrameRoundTrip(t *testing.T) {
	tx, rx := newTestContextPair(t)
	f := Control([]byte("det-cbor-bytes"))
	got := roundTrip(t, f, tx, rx)
	if got.Type != TypeControl || !bytes.Equal(got.ControlRecord, f.ControlRecord) {
		t.Fatalf("unexpected control frame: %+v", got)
	}
}

func TestPingKeyUpdateCloseWindowUpdateRoundTrip(t *testing.T) {
	tx, rx := newTestContextPair(t)

	p := roundTrip(t, Ping([8]byte{1, 2, 3, 4, 5, 6, 7, 8}), tx, rx)
	if p.Type != TypePing || p.Opaque != [8]byte{1, 2, 3, 4, 5, 6, 7, 8} {
		t.Fatalf("ping mismatch: %+v", p)
	}

	ku := roundTrip(t, KeyUpdate(3), tx, rx)
	if ku.Type != TypeKeyUpdate || ku.NewEpoch != 3 {
		t.Fatalf("key_update mismatch: %+v", ku)
	}

	cl := roundTrip(t, Close(5, 404), tx, rx)
	if cl.Type != TypeClose || cl.StreamID != 5 || cl.ReasonCode != 404 {
		t.Fatalf("close mismatch: %+v", cl)
	}

	wu := roundTrip(t, WindowUpdate(9, 65536), tx, rx)
	if wu.Type != TypeWindowUpdate || wu.StreamID != 9 || wu.WindowDelta != 65536 {
		t.Fatalf("window_update mismatch: %+v", wu)
	}
}

func TestDecodeRejectsTamperedCiphertext(t *testing.T) {
	tx, rx := newTestContextPair(t)
	wire, err := Encode(Stream(1, []byte("payload"), nil), tx)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wire[len(wire)-1] ^= 0xff // flip a byte inside the tag
	if _, err := Decode(wire[3:], rx); err == nil {
		t.Fatal("expected tamper detection to fail decode")
	}
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, rx := newTestContextPair(t)
	if _, err := Decode([]byte{1, 2, 3}, rx); err == nil {
		t.Fatal("expected short record to be rejected")
	}
}

func TestKeyUpdateOverlapAcceptsUpToThreeStragglers(t *testing.T) {
	tx, rx := newTestContextPair(t)

	var oldWire [][]byte
	for i := 0; i < 4; i++ {
		w, err := Encode(Stream(1, []byte{byte(i)}, nil), tx)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		oldWire = append(oldWire, w)
	}

	var newKey [cryptoprim.KeySize]byte
	var newSalt [cryptoprim.NonceSize]byte
	copy(newKey[:], []byte("11112222333344445555666677778888"))
	copy(newSalt[:], []byte("newsaltbytes"))
	tx.Rekey(1, newKey, newSalt)
	rx.Rekey(1, newKey, newSalt)

	newWire, err := Encode(Stream(1, []byte("new epoch data"), nil), tx)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(newWire[3:], rx); err != nil {
		t.Fatalf("new-epoch frame should decode: %v", err)
	}

	for i := 0; i < MaxOverlapFrames; i++ {
		if _, err := Decode(oldWire[i][3:], rx); err != nil {
			t.Fatalf("straggler %d should be accepted within overlap window: %v", i, err)
		}
	}
	if _, err := Decode(oldWire[3][3:], rx); err == nil {
		t.Fatal("4th straggler should be rejected once overlap budget is exhausted")
	}
}

func TestParseLengthBounds(t *testing.T) {
	var tooShort [3]byte
	tooShort[2] = 5
	if _, err := ParseLength(tooShort); err == nil {
		t.Fatal("expected length below minimum to be rejected")
	}
}
