package catalog

import (
	"crypto/ed25519"
	"encoding/hex"
)

// fixturePublisherKeyHex signs bundled_catalog.json, the catalog
// embedded in the binary as a last-resort floor when neither the
// on-disk cache nor an operator-provisioned bundled_path verifies. A
// deployment that operates its own publisher should add that
// publisher's key alongside this one rather than replace it, so the
// embedded fixture keeps verifying.
const fixturePublisherKeyHex = "449aa0d62489c8306c51c2a3ef41d7ff0146bfe8f9dd1a23bb77b79b8976b115"

func init() {
	raw, err := hex.DecodeString(fixturePublisherKeyHex)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		panic("catalog: invalid fixturePublisherKeyHex")
	}
	PinnedPublisherKeys = append(PinnedPublisherKeys, ed25519.PublicKey(raw))
}
