package tlsmirror

import (
	"path/filepath"
	"testing"
	"time"
)

func TestTemplateIDStableAndSensitiveToContent(t *testing.T) {
	params := TemplateParams{
		TLSVersion:          0x0304,
		CipherSuites:        []uint16{0x1301, 0x1302, 0x1303},
		Extensions:          []uint16{0, 10, 11, 13, 16, 23, 35, 43, 45, 51},
		SupportedGroups:     []uint16{29, 23, 24},
		ALPN:                []string{"h2", "http/1.1"},
		SignatureAlgorithms: []uint16{0x0403, 0x0804},
	}
	id1, err := ComputeTemplateID(params)
	if err != nil {
		t.Fatalf("ComputeTemplateID: %v", err)
	}
	id2, err := ComputeTemplateID(params)
	if err != nil {
		t.Fatalf("ComputeTemplateID: %v", err)
	}
	if id1 != id2 {
		t.Fatal("TemplateID not stable across identical inputs")
	}

	mutated := params
	mutated.ALPN = []string{"http/1.1", "h2"}
	id3, err := ComputeTemplateID(mutated)
	if err != nil {
		t.Fatalf("ComputeTemplateID: %v", err)
	}
	if id1 == id3 {
		t.Fatal("reordered ALPN list produced identical TemplateID")
	}
}

func TestKnownProfilesHaveUniqueNames(t *testing.T) {
	seen := map[string]bool{}
	for _, p := range KnownProfiles {
		if seen[p.Name] {
			t.Fatalf("duplicate profile name %q", p.Name)
		}
		seen[p.Name] = true
	}
}

func TestCacheGetExpiresAfterTTL(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(filepath.Join(dir, "calib.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	rec := CalibrationRecord{
		Origin:       "example.com:443",
		ProfileName:  "chrome-stable",
		Params:       DefaultProfile().Params,
		CalibratedAt: time.Now().UTC().Add(-25 * time.Hour),
	}
	if err := cache.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cache.Get("example.com:443")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatal("expected expired record to be treated as absent")
	}
}

func TestCacheGetReturnsFreshRecord(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenCache(filepath.Join(dir, "calib.db"))
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	rec := CalibrationRecord{
		Origin:       "example.com:443",
		ProfileName:  "chrome-stable",
		Params:       DefaultProfile().Params,
		CalibratedAt: time.Now().UTC(),
	}
	if err := cache.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := cache.Get("example.com:443")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected fresh record to be returned")
	}
	if got.ProfileName != "chrome-stable" {
		t.Fatalf("unexpected profile: %q", got.ProfileName)
	}
}
