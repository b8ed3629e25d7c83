package cryptoprim

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// detCBOREncMode is a single shared cbor.EncMode configured for
// deterministic output: canonical (sorted, definite-length) encoding as
// specified by RFC 7049 §3.9, the same key order CTAP2 uses (shorter
// encoded keys first, then bytewise). All DET-CBOR producers in this
// module (template IDs, catalog signing payloads, transition records)
// go through this mode so two callers never disagree on encoding.
var detCBOREncMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic("cryptoprim: failed to build canonical cbor mode: " + err.Error())
	}
	detCBOREncMode = mode
}

var detCBORDecMode = sync.OnceValue(func() cbor.DecMode {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("cryptoprim: failed to build cbor decode mode: " + err.Error())
	}
	return mode
})

// MarshalDetCBOR encodes v in deterministic (canonical) CBOR. Map keys,
// including struct field keys, are sorted by the canonical rule, so the
// output depends on neither Go struct field order nor map iteration
// order.
func MarshalDetCBOR(v interface{}) ([]byte, error) {
	return detCBOREncMode.Marshal(v)
}

// UnmarshalDetCBOR decodes CBOR-encoded data into v.
func UnmarshalDetCBOR(data []byte, v interface{}) error {
	return detCBORDecMode().Unmarshal(data, v)
}
