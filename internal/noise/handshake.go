// Package noise drives the inner two-message handshake carried inside
// the mirrored outer TLS session: initiator -> responder (e, es, s,
// ss), responder -> initiator (e, ee, se), using Curve25519, ChaCha20-
// Poly1305, and SHA-256. The responder's static public key is obtained
// out of band (catalog entry or outer-TLS exporter), never sent on the
// wire in the clear by either side.
package noise

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// StaticKeyPair is a Curve25519 static identity keypair used as the
// handshake's long-term key.
type StaticKeyPair = noise.DHKey

// GenerateStaticKeyPair produces a new Curve25519 static keypair for
// use as a handshake identity.
func GenerateStaticKeyPair() (StaticKeyPair, error) {
	return noise.DH25519.GenerateKeypair(rand.Reader)
}

// Handshake drives one side of the two-message exchange. It is not
// safe for concurrent use.
type Handshake struct {
	initiator bool
	hs        *noise.HandshakeState
	complete  bool
	txCS      *noise.CipherState
	rxCS      *noise.CipherState
}

// NewInitiator starts a handshake as the initiator, given its own
// static keypair and the responder's known static public key.
func NewInitiator(local StaticKeyPair, responderStaticPub, prologue []byte) (*Handshake, error) {
	return newHandshake(true, local, responderStaticPub, prologue)
}

// NewResponder starts a handshake as the responder, given its own
// static keypair. The responder learns the initiator's static key from
// the first message, so no remote key is supplied up front.
func NewResponder(local StaticKeyPair, prologue []byte) (*Handshake, error) {
	return newHandshake(false, local, nil, prologue)
}

func newHandshake(initiator bool, local StaticKeyPair, remoteStaticPub, prologue []byte) (*Handshake, error) {
	cfg := noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     initiator,
		Prologue:      prologue,
		StaticKeypair: local,
		Random:        rand.Reader,
	}
	if initiator {
		if len(remoteStaticPub) == 0 {
			return nil, fmt.Errorf("noise: initiator requires the responder's static public key")
		}
		cfg.PeerStatic = remoteStaticPub
	}
	hs, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("noise: NewHandshakeState: %w", err)
	}
	return &Handshake{initiator: initiator, hs: hs}, nil
}

// WriteMessage produces the next outgoing handshake message carrying
// payload (typically empty). complete reports whether the handshake
// finished as a result of this call.
func (h *Handshake) WriteMessage(payload []byte) (msg []byte, complete bool, err error) {
	if h.complete {
		return nil, true, fmt.Errorf("noise: handshake already complete")
	}
	out, cs1, cs2 := h.hs.WriteMessage(nil, payload)
	if cs1 != nil {
		h.finish(cs1, cs2)
	}
	return out, h.complete, nil
}

// ReadMessage consumes an incoming handshake message and returns any
// carried payload. complete reports whether the handshake finished as
// a result of this call.
func (h *Handshake) ReadMessage(msg []byte) (payload []byte, complete bool, err error) {
	if h.complete {
		return nil, true, fmt.Errorf("noise: handshake already complete")
	}
	payload, cs1, cs2, err := h.hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, false, fmt.Errorf("noise: ReadMessage: %w", err)
	}
	if cs1 != nil {
		h.finish(cs1, cs2)
	}
	return payload, h.complete, nil
}

func (h *Handshake) finish(cs1, cs2 *noise.CipherState) {
	h.complete = true
	if h.initiator {
		h.txCS, h.rxCS = cs1, cs2
	} else {
		h.txCS, h.rxCS = cs2, cs1
	}
}

// TranscriptHash returns the final handshake transcript hash, used to
// bind derived transport secrets to the exact handshake that produced
// them. Valid only once the handshake is complete.
func (h *Handshake) TranscriptHash() ([]byte, error) {
	if !h.complete {
		return nil, fmt.Errorf("noise: handshake not complete")
	}
	return h.hs.ChannelBinding(), nil
}

// Complete reports whether the handshake has finished.
func (h *Handshake) Complete() bool { return h.complete }
