// Package cryptoprim collects the cryptographic primitives shared by the
// Noise handshake, the frame codec, and the catalog verifier: AEAD
// sealing, X25519, Ed25519, HKDF, and deterministic CBOR encoding.
package cryptoprim

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the ChaCha20-Poly1305 key length in bytes.
const KeySize = chacha20poly1305.KeySize

// NonceSize is the ChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSize

// TagSize is the AEAD authentication tag length in bytes.
const TagSize = 16

// Seal encrypts plaintext under key with the given nonce and additional
// authenticated data, appending the result to dst.
func Seal(dst, key, nonce, plaintext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoprim: bad key length %d", len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("cryptoprim: bad nonce length %d", len(nonce))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(dst, nonce, plaintext, aad), nil
}

// Open decrypts and authenticates ciphertext under key, nonce, and aad,
// appending the plaintext to dst. Open returns an error if the tag does
// not verify; callers must treat that as fatal to the connection, not a
// retryable condition.
func Open(dst, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("cryptoprim: bad key length %d", len(key))
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("cryptoprim: bad nonce length %d", len(nonce))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(dst, nonce, ciphertext, aad)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Zeroize overwrites b with zeros in place. Callers defer Zeroize on any
// buffer holding key material once it is no longer needed.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
