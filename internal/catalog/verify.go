package catalog

import (
	"crypto/ed25519"
	"time"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
	"github.com/veilmesh/htx-helper/internal/errs"
)

// PinnedPublisherKeys holds the 1-3 Ed25519 public keys accepted for
// catalog signing, exactly as the transition-control verifier trusts a
// small pinned set. pinned.go's init appends the key that signs the
// embedded bundled_catalog.json fixture; a deployment operating its
// own publisher should append that key to the slice rather than
// replace it, so the embedded fixture keeps verifying as a fallback.
var PinnedPublisherKeys []ed25519.PublicKey

// signingBytes returns the deterministic bytes a Catalog's detached
// signature is computed over: DET-CBOR of the inner object, excluding
// the signature field (which lives only in the envelope).
func signingBytes(c Catalog) ([]byte, error) {
	return cryptoprim.MarshalDetCBOR(c)
}

// Verify checks a signed catalog's signature, schema version, and
// expiry, and returns the verified inner Catalog. grace extends the
// expiry check by the given duration (default 0). allowUnsigned
// accepts a catalog with an empty signature and no pinned key match —
// a dev-only escape hatch that must never be set in production config.
func Verify(sc SignedCatalog, grace time.Duration, allowUnsigned bool) (*Catalog, error) {
	cat := sc.Catalog

	if cat.SchemaVersion > CurrentSchemaVersion {
		return nil, errs.New(errs.KindCatalog, "catalog.Verify: unsupported schema_version")
	}
	if len(cat.Entries) == 0 {
		return nil, errs.New(errs.KindCatalog, "catalog.Verify: no entries")
	}
	for _, e := range cat.Entries {
		if e.Weight == 0 {
			return nil, errs.New(errs.KindCatalog, "catalog.Verify: entry with zero weight")
		}
	}

	if time.Now().After(cat.ExpiresAt.Add(grace)) {
		return nil, errs.New(errs.KindCatalog, "catalog.Verify: expired")
	}

	msg, err := signingBytes(cat)
	if err != nil {
		return nil, errs.Wrap(errs.KindCatalog, "catalog.Verify: encode", err)
	}

	if len(PinnedPublisherKeys) == 0 && len(sc.Signature) == 0 {
		if allowUnsigned {
			return &cat, nil
		}
		return nil, errs.New(errs.KindCatalog, "catalog.Verify: no pinned key and signature absent")
	}

	for _, pub := range PinnedPublisherKeys {
		if cryptoprim.Verify(pub, msg, sc.Signature) {
			return &cat, nil
		}
	}
	if allowUnsigned && len(sc.Signature) == 0 {
		return &cat, nil
	}
	return nil, errs.New(errs.KindCatalog, "catalog.Verify: signature invalid")
}
