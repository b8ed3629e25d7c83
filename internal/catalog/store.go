package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/veilmesh/htx-helper/internal/errs"
)

const (
	activeFilename = "catalog.json"
	backupSuffix   = ".bak"
)

// Store persists the active SignedCatalog to disk with a
// temp-write/fsync/rename sequence, keeping the previous file as a
// ".bak" for rollback. Unlike the teacher's bbolt-backed stores, there
// is no embedded database here to adapt: the spec's atomic-replace
// contract maps directly onto a rename(2), so this is built on plain
// os/io idiom instead of bbolt (justified in DESIGN.md).
type Store struct {
	dir string
}

func newStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) activePath() string { return filepath.Join(s.dir, activeFilename) }
func (s *Store) backupPath() string { return filepath.Join(s.dir, activeFilename+backupSuffix) }

// LoadActive reads the canonical active catalog file.
func (s *Store) LoadActive() (*SignedCatalog, error) {
	return loadEnvelopeFile(s.activePath())
}

// LoadBackup reads the retained ".bak" file; Engine.Load falls back to
// it when the active file is unreadable or fails verification.
func (s *Store) LoadBackup() (*SignedCatalog, error) {
	return loadEnvelopeFile(s.backupPath())
}

func loadEnvelopeFile(path string) (*SignedCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindCatalog, "catalog.loadEnvelopeFile: read", err)
	}
	var sc SignedCatalog
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, errs.Wrap(errs.KindCatalog, "catalog.loadEnvelopeFile: decode", err)
	}
	return &sc, nil
}

// SaveActive writes sc as the new active catalog: the current active
// file (if any) is preserved as ".bak", and the new file replaces it
// atomically via write-temp/fsync/rename. If the rename step fails,
// the previously active file is left in place, so the engine keeps
// running on the prior version; by then ".bak" has already been
// refreshed with a copy of that same active file.
func (s *Store) SaveActive(sc SignedCatalog) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: mkdir", err)
	}

	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: encode", err)
	}

	tmp, err := os.CreateTemp(s.dir, activeFilename+".tmp-*")
	if err != nil {
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: create temp", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: fsync temp", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: close temp", err)
	}

	// Preserve the current active file as .bak before the rename
	// displaces it, so a corrupt new write can still be rolled back.
	if _, err := os.Stat(s.activePath()); err == nil {
		if err := copyFile(s.activePath(), s.backupPath()); err != nil {
			os.Remove(tmpPath)
			return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: backup prior", err)
		}
	}

	if err := os.Rename(tmpPath, s.activePath()); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindCatalog, "catalog.SaveActive: rename", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
