package catalog

import (
	_ "embed"
	"encoding/json"

	"github.com/veilmesh/htx-helper/internal/errs"
)

// embeddedBundledCatalogJSON is bundled_catalog.json, compiled directly
// into the binary so a fresh install has a verifiable catalog before
// any on-disk cache or operator-provisioned bundled_path exists.
//
//go:embed bundled_catalog.json
var embeddedBundledCatalogJSON []byte

func loadEmbeddedBundledCatalog() (*SignedCatalog, error) {
	var sc SignedCatalog
	if err := json.Unmarshal(embeddedBundledCatalogJSON, &sc); err != nil {
		return nil, errs.Wrap(errs.KindCatalog, "catalog.loadEmbeddedBundledCatalog: decode", err)
	}
	return &sc, nil
}
