package catalog

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veilmesh/htx-helper/internal/errs"
)

func testEntries() []DecoyEntry {
	return []DecoyEntry{
		{HostPattern: "*.example.com", DecoyHost: "decoy-a.example.net", DecoyPort: 443, Weight: 1},
		{HostPattern: "*.example.com", DecoyHost: "decoy-b.example.net", DecoyPort: 443, Weight: 1},
	}
}

func signCatalog(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, cat Catalog) SignedCatalog {
	t.Helper()
	msg, err := signingBytes(cat)
	if err != nil {
		t.Fatalf("signingBytes: %v", err)
	}
	return SignedCatalog{Catalog: cat, Signature: ed25519.Sign(priv, msg)}
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	origKeys := PinnedPublisherKeys
	PinnedPublisherKeys = []ed25519.PublicKey{pub}
	defer func() { PinnedPublisherKeys = origKeys }()

	cat := Catalog{
		SchemaVersion:  1,
		CatalogVersion: 1,
		PublisherID:    "pub-1",
		ExpiresAt:      time.Now().Add(time.Hour),
		Entries:        testEntries(),
	}
	sc := signCatalog(t, pub, priv, cat)

	got, err := Verify(sc, 0, false)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.CatalogVersion != 1 {
		t.Fatalf("got version %d, want 1", got.CatalogVersion)
	}
}

func TestVerifyRejectsTamperedEntry(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	origKeys := PinnedPublisherKeys
	PinnedPublisherKeys = []ed25519.PublicKey{pub}
	defer func() { PinnedPublisherKeys = origKeys }()

	cat := Catalog{
		SchemaVersion:  1,
		CatalogVersion: 1,
		PublisherID:    "pub-1",
		ExpiresAt:      time.Now().Add(time.Hour),
		Entries:        testEntries(),
	}
	sc := signCatalog(t, pub, priv, cat)
	sc.Catalog.Entries[0].DecoyHost = "evil.example.net"

	if _, err := Verify(sc, 0, false); err == nil {
		t.Fatal("expected verification failure on tampered entry")
	} else if !errs.Is(err, errs.KindCatalog) {
		t.Fatalf("expected KindCatalog, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	pub, priv, _ := ed25519.GenerateKey(nil)
	origKeys := PinnedPublisherKeys
	PinnedPublisherKeys = []ed25519.PublicKey{pub}
	defer func() { PinnedPublisherKeys = origKeys }()

	cat := Catalog{
		SchemaVersion:  1,
		CatalogVersion: 1,
		PublisherID:    "pub-1",
		ExpiresAt:      time.Now().Add(-time.Hour),
		Entries:        testEntries(),
	}
	sc := signCatalog(t, pub, priv, cat)

	if _, err := Verify(sc, 0, false); err == nil {
		t.Fatal("expected expiry rejection")
	}
}

func TestSupersedesPrecedence(t *testing.T) {
	active := &Catalog{CatalogVersion: 5, ExpiresAt: time.Unix(1000, 0)}

	higher := &Catalog{CatalogVersion: 6, ExpiresAt: time.Unix(500, 0)}
	if !Supersedes(higher, active) {
		t.Fatal("higher version should supersede")
	}

	sameVersion := &Catalog{CatalogVersion: 5, ExpiresAt: time.Unix(2000, 0)}
	if Supersedes(sameVersion, active) {
		t.Fatal("equal version must not supersede regardless of expiry")
	}

	lowerStale := &Catalog{CatalogVersion: 4, ExpiresAt: time.Unix(500, 0)}
	if Supersedes(lowerStale, active) {
		t.Fatal("lower version with staler expiry must not supersede")
	}

	lowerFresher := &Catalog{CatalogVersion: 4, ExpiresAt: time.Unix(5000, 0)}
	if !Supersedes(lowerFresher, active) {
		t.Fatal("lower version with fresher expiry should supersede per the spec's rule")
	}
}

func TestSelectorMatchesGlobAndRotatesDecoys(t *testing.T) {
	sel := newSelector(42)
	entries := testEntries()

	seen := map[string]bool{}
	prev := ""
	for i := 0; i < 20; i++ {
		pick, err := sel.Select("host.example.com", entries)
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		if prev != "" && pick.DecoyHost == prev {
			t.Fatalf("selection repeated decoy %q back to back", pick.DecoyHost)
		}
		seen[pick.DecoyHost] = true
		prev = pick.DecoyHost
	}
	if len(seen) < 2 {
		t.Fatal("expected both decoys to be selected across rounds")
	}
}

func TestSelectorReturnsCatalogErrorOnNoMatch(t *testing.T) {
	sel := newSelector(1)
	_, err := sel.Select("nomatch.other.org", testEntries())
	if err == nil || !errs.Is(err, errs.KindCatalog) {
		t.Fatalf("expected KindCatalog error, got %v", err)
	}
}

func TestStoreAtomicSaveAndRollback(t *testing.T) {
	dir := t.TempDir()
	store := newStore(dir)

	pub, priv, _ := ed25519.GenerateKey(nil)
	cat1 := Catalog{SchemaVersion: 1, CatalogVersion: 1, ExpiresAt: time.Now().Add(time.Hour), Entries: testEntries()}
	sc1 := signCatalog(t, pub, priv, cat1)
	if err := store.SaveActive(sc1); err != nil {
		t.Fatalf("SaveActive v1: %v", err)
	}

	loaded, err := store.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive: %v", err)
	}
	if loaded.Catalog.CatalogVersion != 1 {
		t.Fatalf("got version %d, want 1", loaded.Catalog.CatalogVersion)
	}

	cat2 := Catalog{SchemaVersion: 1, CatalogVersion: 2, ExpiresAt: time.Now().Add(time.Hour), Entries: testEntries()}
	sc2 := signCatalog(t, pub, priv, cat2)
	if err := store.SaveActive(sc2); err != nil {
		t.Fatalf("SaveActive v2: %v", err)
	}

	backup, err := store.LoadBackup()
	if err != nil {
		t.Fatalf("LoadBackup: %v", err)
	}
	if backup.Catalog.CatalogVersion != 1 {
		t.Fatalf("backup has version %d, want 1 (the prior active)", backup.Catalog.CatalogVersion)
	}

	active, err := store.LoadActive()
	if err != nil {
		t.Fatalf("LoadActive after 2nd save: %v", err)
	}
	if active.Catalog.CatalogVersion != 2 {
		t.Fatalf("active has version %d, want 2", active.Catalog.CatalogVersion)
	}
}

func TestEngineLoadFallsBackToBundled(t *testing.T) {
	dir := t.TempDir()
	pub, priv, _ := ed25519.GenerateKey(nil)
	origKeys := PinnedPublisherKeys
	PinnedPublisherKeys = []ed25519.PublicKey{pub}
	defer func() { PinnedPublisherKeys = origKeys }()

	cat := Catalog{SchemaVersion: 1, CatalogVersion: 1, ExpiresAt: time.Now().Add(time.Hour), Entries: testEntries()}
	sc := signCatalog(t, pub, priv, cat)
	bundledPath := filepath.Join(dir, "bundled.json")
	data, err := json.Marshal(sc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(bundledPath, data, 0o644); err != nil {
		t.Fatalf("write bundled: %v", err)
	}

	cfg := Config{CatalogDir: filepath.Join(dir, "active-dir"), BundledPath: bundledPath}
	engine := NewEngine(cfg, zap.NewNop())
	if err := engine.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if engine.Active() == nil {
		t.Fatal("expected active catalog after bundled fallback")
	}

	decoy, err := engine.Select("foo.example.com")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if decoy.DecoyHost == "" {
		t.Fatal("expected a non-empty decoy host")
	}
}
