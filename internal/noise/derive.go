package noise

import (
	"encoding/binary"
	"fmt"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
)

// ExporterContext is the DET-CBOR-encodable input that seeds transport
// secret derivation, binding the inner handshake to the exact outer
// session it rode in on. Any difference between the two sides' view of
// this context — a different TemplateID, ALPN order, capability
// bitmap, or compat tag — must yield different transport secrets and
// therefore a decrypt failure on first use.
type ExporterContext struct {
	TemplateID   [32]byte `cbor:"1,keyasint"`
	ALPN         []string `cbor:"2,keyasint"`
	Capabilities uint64   `cbor:"3,keyasint"`
	CompatTag    string   `cbor:"4,keyasint"`
}

// Encode returns the deterministic CBOR encoding of the context, used
// as HKDF info in DeriveTransportSecrets. The outer-TLS exporter takes
// the TemplateID, not this encoding.
func (c ExporterContext) Encode() ([]byte, error) {
	return cryptoprim.MarshalDetCBOR(c)
}

// TransportSecrets holds the four values derived from a completed
// handshake: one AEAD key and nonce salt per direction.
type TransportSecrets struct {
	InitiatorToResponderKey  [cryptoprim.KeySize]byte
	ResponderToInitiatorKey  [cryptoprim.KeySize]byte
	InitiatorToResponderSalt [cryptoprim.NonceSize]byte
	ResponderToInitiatorSalt [cryptoprim.NonceSize]byte
}

const transportSecretsLabel = "htx transport secrets v1"

// DeriveTransportSecrets expands the handshake transcript hash, with the
// labelled exporter context as HKDF info and no salt, into the four
// transport secrets. Both
// sides must derive from an identical (transcriptHash, exporterContext)
// pair or their keys silently diverge and the first frame fails to
// decrypt — this is the intended channel-binding behavior, not a bug
// to guard against here.
func DeriveTransportSecrets(transcriptHash []byte, ctx ExporterContext) (TransportSecrets, error) {
	var out TransportSecrets

	info, err := ctx.Encode()
	if err != nil {
		return out, fmt.Errorf("noise: encode exporter context: %w", err)
	}
	info = append([]byte(transportSecretsLabel), info...)

	const need = 2*cryptoprim.KeySize + 2*cryptoprim.NonceSize
	material, err := cryptoprim.HKDFExpand(transcriptHash, nil, info, need)
	if err != nil {
		return out, fmt.Errorf("noise: HKDFExpand: %w", err)
	}

	off := 0
	copy(out.InitiatorToResponderKey[:], material[off:off+cryptoprim.KeySize])
	off += cryptoprim.KeySize
	copy(out.ResponderToInitiatorKey[:], material[off:off+cryptoprim.KeySize])
	off += cryptoprim.KeySize
	copy(out.InitiatorToResponderSalt[:], material[off:off+cryptoprim.NonceSize])
	off += cryptoprim.NonceSize
	copy(out.ResponderToInitiatorSalt[:], material[off:off+cryptoprim.NonceSize])

	return out, nil
}

// RekeyLabel builds the HKDF info string for a KEY_UPDATE derivation:
// direction, new epoch, and the handshake transcript hash, so rekeyed
// material cannot be confused across directions or connections.
func RekeyLabel(direction string, newEpoch uint32, transcriptHash []byte) []byte {
	buf := make([]byte, 0, len("htx rekey ")+len(direction)+4+len(transcriptHash))
	buf = append(buf, "htx rekey "...)
	buf = append(buf, direction...)
	epochBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(epochBuf, newEpoch)
	buf = append(buf, epochBuf...)
	buf = append(buf, transcriptHash...)
	return buf
}
