package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"io"
)

// GenerateEd25519 produces a new signing keypair. Used by catalog
// publishers and, in test harnesses, by the decoy edge simulator.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces a detached Ed25519 signature over msg.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg
// under pub. Mirrors the verification step used for gossip envelopes,
// generalized to catalog and transition-record signing.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// X25519KeyPair is a Diffie-Hellman keypair on Curve25519.
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519 produces a new Curve25519 DH keypair.
func GenerateX25519() (X25519KeyPair, error) {
	var kp X25519KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return kp, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// X25519 performs a Diffie-Hellman exchange between a local private key
// and a remote public key.
func X25519(priv, peerPub [32]byte) ([32]byte, error) {
	var shared [32]byte
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, err
	}
	copy(shared[:], out)
	return shared, nil
}

// HKDFExpand derives outLen bytes from secret, salt, and info using
// HKDF-SHA256. Used throughout the handshake and rekey derivations for
// domain-separated subkeys.
func HKDFExpand(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(newSHA256, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
