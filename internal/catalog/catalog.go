// Package catalog implements the decoy catalog engine: signed catalog
// verification, atomic on-disk persistence, background updating, and
// weighted decoy selection.
//
// Schema (on disk, in CatalogDir):
//
//	catalog.json       current active catalog (JSON envelope around
//	                    DET-CBOR-signed inner object)
//	catalog.json.bak    previous verified catalog, retained for rollback
//
// Load precedence on startup: the on-disk active catalog, then
// Config.BundledPath, then the catalog compiled into the binary
// (bundled_catalog.json, see embedded.go and pinned.go). The last of
// those never depends on anything being provisioned on the host, so a
// fresh install always has a verifiable catalog to dial against.
package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/errs"
)

// DecoyEntry is one routable decoy target in a Catalog.
type DecoyEntry struct {
	HostPattern  string   `cbor:"1,keyasint" json:"host_pattern"`
	DecoyHost    string   `cbor:"2,keyasint" json:"decoy_host"`
	DecoyPort    uint16   `cbor:"3,keyasint" json:"decoy_port"`
	ALPNOverride []string `cbor:"4,keyasint,omitempty" json:"alpn_override,omitempty"`
	Weight       uint32   `cbor:"5,keyasint" json:"weight"`
	TemplateID   []byte   `cbor:"6,keyasint,omitempty" json:"template_id,omitempty"` // 32 bytes, optional
}

// Catalog is the inner signed object: everything except the detached
// signature that covers its DET-CBOR encoding.
type Catalog struct {
	SchemaVersion    uint32       `cbor:"1,keyasint" json:"schema_version"`
	CatalogVersion   uint64       `cbor:"2,keyasint" json:"catalog_version"`
	PublisherID      string       `cbor:"3,keyasint" json:"publisher_id"`
	ExpiresAt        time.Time    `cbor:"4,keyasint" json:"expires_at"`
	UpdateURLs       []string     `cbor:"5,keyasint,omitempty" json:"update_urls,omitempty"`
	SeedFallbackURLs []string     `cbor:"6,keyasint,omitempty" json:"seed_fallback_urls,omitempty"`
	Entries          []DecoyEntry `cbor:"7,keyasint" json:"entries"`
}

// SignedCatalog is the on-wire envelope: the inner Catalog plus a
// detached Ed25519 signature over its DET-CBOR encoding.
type SignedCatalog struct {
	Catalog   Catalog `json:"catalog"`
	Signature []byte  `json:"signature_hex"`
}

// CurrentSchemaVersion is the highest schema_version this engine
// understands. Catalogs with a higher schema_version are rejected.
const CurrentSchemaVersion = 1

// Config configures an Engine.
type Config struct {
	CatalogDir       string
	BundledPath      string // fallback bundled catalog, shipped with the binary
	Grace            time.Duration
	AllowUnsigned    bool // dev-only override switch, never set by default config
	UpdateTimeout    time.Duration
	SelectorSeed     int64 // 0 means seed from current time
}

func (c Config) withDefaults() Config {
	if c.UpdateTimeout == 0 {
		c.UpdateTimeout = 10 * time.Second
	}
	return c
}

// Engine owns the active catalog, its persistence, and decoy selection.
// Per the ownership rule, only the supervisor constructs and holds an
// Engine; everything else reaches it through Select/Active.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu     sync.RWMutex
	active *Catalog

	store    *Store
	selector *Selector
}

// NewEngine constructs an Engine with no active catalog loaded yet;
// call Load to perform the startup precedence sequence.
func NewEngine(cfg Config, log *zap.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:      cfg,
		log:      log,
		store:    newStore(cfg.CatalogDir),
		selector: newSelector(cfg.SelectorSeed),
	}
}

// Load performs the startup loading precedence: cached catalog on disk,
// then its retained ".bak" copy, then the bundled file at BundledPath,
// then the catalog embedded in the binary. If none verifies, the engine
// stays without an active catalog and Select returns CatalogError until
// a later Replace succeeds.
func (e *Engine) Load() error {
	if sc, err := e.store.LoadActive(); err == nil {
		if cat, verr := Verify(*sc, e.cfg.Grace, e.cfg.AllowUnsigned); verr == nil {
			e.setActive(cat)
			e.log.Info("catalog: loaded cached catalog",
				zap.Uint64("version", cat.CatalogVersion))
			return nil
		} else {
			e.log.Warn("catalog: cached catalog failed verification", zap.Error(verr))
		}
	}

	if sc, err := e.store.LoadBackup(); err == nil {
		if cat, verr := Verify(*sc, e.cfg.Grace, e.cfg.AllowUnsigned); verr == nil {
			e.setActive(cat)
			e.log.Info("catalog: loaded backup catalog",
				zap.Uint64("version", cat.CatalogVersion))
			return nil
		} else {
			e.log.Warn("catalog: backup catalog failed verification", zap.Error(verr))
		}
	}

	if e.cfg.BundledPath != "" {
		sc, err := loadEnvelopeFile(e.cfg.BundledPath)
		if err != nil {
			e.log.Warn("catalog: bundled catalog unreadable", zap.Error(err))
		} else if cat, verr := Verify(*sc, e.cfg.Grace, e.cfg.AllowUnsigned); verr == nil {
			e.setActive(cat)
			e.log.Info("catalog: loaded bundled catalog",
				zap.Uint64("version", cat.CatalogVersion))
			return nil
		} else {
			e.log.Warn("catalog: bundled catalog failed verification", zap.Error(verr))
		}
	}

	// Last resort: the catalog compiled into the binary itself. Unlike
	// BundledPath, this never depends on the host filesystem being
	// provisioned, so a fresh install always has something to dial.
	if sc, err := loadEmbeddedBundledCatalog(); err != nil {
		e.log.Warn("catalog: embedded fixture catalog unreadable", zap.Error(err))
	} else if cat, verr := Verify(*sc, e.cfg.Grace, e.cfg.AllowUnsigned); verr == nil {
		e.setActive(cat)
		e.log.Info("catalog: loaded embedded fixture catalog",
			zap.Uint64("version", cat.CatalogVersion))
		return nil
	} else {
		e.log.Warn("catalog: embedded fixture catalog failed verification", zap.Error(verr))
	}

	return errs.New(errs.KindCatalog, "catalog.Load: no verifiable catalog source")
}

// Active returns a snapshot of the currently active catalog, or nil if
// none has been accepted yet.
func (e *Engine) Active() *Catalog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// Replace verifies a candidate signed catalog and, if it supersedes the
// active one, activates it and persists it atomically.
func (e *Engine) Replace(sc SignedCatalog) error {
	e.mu.RLock()
	current := e.active
	e.mu.RUnlock()

	cat, err := Verify(sc, e.cfg.Grace, e.cfg.AllowUnsigned)
	if err != nil {
		return err
	}
	if current != nil && !Supersedes(cat, current) {
		e.log.Debug("catalog: candidate does not supersede active",
			zap.Uint64("candidate_version", cat.CatalogVersion),
			zap.Uint64("active_version", current.CatalogVersion))
		return nil
	}

	if err := e.store.SaveActive(sc); err != nil {
		return errs.Wrap(errs.KindCatalog, "catalog.Replace: persist", err)
	}
	e.setActive(cat)
	e.log.Info("catalog: replaced active catalog",
		zap.Uint64("version", cat.CatalogVersion),
		zap.String("publisher_id", cat.PublisherID))
	return nil
}

func (e *Engine) setActive(cat *Catalog) {
	e.mu.Lock()
	e.active = cat
	e.mu.Unlock()
	e.selector.Reset()
}

// Select chooses a decoy for targetHost from the active catalog. It
// returns CatalogError if no catalog is active or nothing matches.
func (e *Engine) Select(targetHost string) (DecoyEntry, error) {
	cat := e.Active()
	if cat == nil {
		return DecoyEntry{}, errs.New(errs.KindCatalog, "catalog.Select: no active catalog")
	}
	return e.selector.Select(targetHost, cat.Entries)
}

// RunUpdater starts the background updater loop, blocking until ctx is
// cancelled. Intended to be run as one of the supervisor's managed
// goroutines.
func (e *Engine) RunUpdater(ctx context.Context) error {
	u := newUpdater(e, e.log)
	return u.Run(ctx)
}

// UpdateNow drives a single round of the updater outside its regular
// schedule, for the control socket's and /status's "update" commands.
// Returns true if any mirror yielded a catalog that replaced the
// active one.
func (e *Engine) UpdateNow(ctx context.Context) (bool, error) {
	u := newUpdater(e, e.log)
	urls := u.activeUpdateURLs()
	if len(urls) == 0 {
		return false, errs.New(errs.KindCatalog, "catalog.UpdateNow: no active catalog with update_urls")
	}

	before := e.Active()
	var lastErr error
	for _, url := range urls {
		if err := u.fetchAndApply(ctx, url); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	after := e.Active()
	updated := before == nil || (after != nil && after.CatalogVersion != before.CatalogVersion)
	return updated, lastErr
}

// Supersedes reports whether candidate should replace active per the
// catalog precedence rule: a candidate whose version is no greater than
// the active one, and whose expires_at is not fresher, must not
// replace it.
func Supersedes(candidate, active *Catalog) bool {
	if candidate.CatalogVersion > active.CatalogVersion {
		return true
	}
	if candidate.CatalogVersion == active.CatalogVersion {
		return false
	}
	return candidate.ExpiresAt.After(active.ExpiresAt)
}
