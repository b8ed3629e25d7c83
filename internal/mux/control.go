// control.go — the transition-control stream (id 0).
//
// A CONTROL frame carries a DET-CBOR-encoded TransitionRecord signed
// by a previously exchanged Ed25519 key. Verification mirrors
// gossip.Server's envelope-signature check (deterministic byte
// concatenation, then ed25519.Verify), retargeted from gossip
// observation envelopes to HTX transition records.
package mux

import (
	"crypto/ed25519"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/frame"
)

// TransitionRecord announces a change of active decoy/template
// assignment, authenticated and replay-protected on stream 0.
type TransitionRecord struct {
	PrevAS    string `cbor:"1,keyasint"`
	NextAS    string `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"` // unix seconds
	FlowID    string `cbor:"4,keyasint"`
	Nonce     []byte `cbor:"5,keyasint"`
}

// signingBytes returns the deterministic bytes a TransitionRecord's
// detached signature is computed over.
func (r TransitionRecord) signingBytes() ([]byte, error) {
	return cryptoprim.MarshalDetCBOR(r)
}

// SignedTransitionRecord is the on-wire CONTROL payload: the record
// plus its detached Ed25519 signature.
type SignedTransitionRecord struct {
	Record    TransitionRecord `cbor:"1,keyasint"`
	Signature []byte           `cbor:"2,keyasint"`
}

type controlState struct {
	mu        sync.Mutex
	verifyKey ed25519.PublicKey
	replay    *ReplayCache
	isPaused  bool

	// RejectedCount counts records silently rejected (malformed,
	// unverified, duplicate or skewed). It is not included in the status
	// snapshot.
	RejectedCount uint64
}

func newControlState(verifyKey ed25519.PublicKey) *controlState {
	return &controlState{verifyKey: verifyKey, replay: NewReplayCache()}
}

func (cs *controlState) paused() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.isPaused
}

// onRxRekeyComplete clears a pending pause once the next KEY_UPDATE
// completes on the receive side, reporting whether it actually
// resumed anything.
func (cs *controlState) onRxRekeyComplete() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.isPaused {
		return false
	}
	cs.isPaused = false
	return true
}

func (c *Conn) handleControl(f frame.Frame) error {
	var signed SignedTransitionRecord
	if err := cryptoprim.UnmarshalDetCBOR(f.ControlRecord, &signed); err != nil {
		c.bumpRejected()
		return nil // malformed control record: silently rejected, not fatal
	}

	msg, err := signed.Record.signingBytes()
	if err != nil {
		c.bumpRejected()
		return nil
	}
	if len(c.control.verifyKey) == 0 || !cryptoprim.Verify(c.control.verifyKey, msg, signed.Signature) {
		c.bumpRejected()
		return nil
	}

	ts := time.Unix(signed.Record.Timestamp, 0)
	now := time.Now()
	if !c.control.replay.CheckAndRecord(signed.Record.FlowID, ts, now) {
		c.bumpRejected()
		return nil
	}

	c.control.mu.Lock()
	c.control.isPaused = true
	c.control.mu.Unlock()
	c.log.Info("mux: transition record accepted, pausing non-control streams",
		zap.String("flow_id", signed.Record.FlowID))
	return nil
}

func (c *Conn) bumpRejected() {
	c.control.mu.Lock()
	c.control.RejectedCount++
	c.control.mu.Unlock()
}
