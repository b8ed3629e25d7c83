// Package tlsmirror calibrates a decoy origin's TLS ClientHello shape,
// constructs an outer TLS client whose wire bytes reproduce that shape
// exactly, and binds the inner Noise handshake to the resulting outer
// session via TLS exporter keying material.
package tlsmirror

import "github.com/veilmesh/htx-helper/internal/cryptoprim"

// TemplateParams is the ordered description of a ClientHello shape.
// Field order here is the struct field order, but the wire key order
// on the CBOR map is controlled by the keyasint tags below, not by
// Go's struct layout.
type TemplateParams struct {
	TLSVersion          uint16   `cbor:"1,keyasint"`
	CipherSuites        []uint16 `cbor:"2,keyasint"`
	Extensions          []uint16 `cbor:"3,keyasint"`
	SupportedGroups     []uint16 `cbor:"4,keyasint"`
	ECPointFormats      []uint8  `cbor:"5,keyasint"`
	ALPN                []string `cbor:"6,keyasint"`
	SignatureAlgorithms []uint16 `cbor:"7,keyasint"`
	CompatTag           string   `cbor:"8,keyasint,omitempty"`
}

// TemplateID is SHA-256 over the deterministic CBOR encoding of a
// TemplateParams value: stable across runs and platforms, and equal
// iff the underlying parameters serialize to identical bytes.
type TemplateID [32]byte

// ComputeTemplateID derives the TemplateID for p.
func ComputeTemplateID(p TemplateParams) (TemplateID, error) {
	enc, err := cryptoprim.MarshalDetCBOR(p)
	if err != nil {
		return TemplateID{}, err
	}
	return TemplateID(cryptoprim.SHA256(enc)), nil
}

func (id TemplateID) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 64)
	for i, v := range id {
		out[i*2] = hexdigits[v>>4]
		out[i*2+1] = hexdigits[v&0x0f]
	}
	return string(out)
}
