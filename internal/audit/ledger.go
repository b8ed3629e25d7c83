// Package audit persists the Helper's two ledger record types —
// DialOutcome and CatalogSwapRecord — in a BoltDB file, adapted from
// storage.DB's bucket layout, schema-version check, and retention
// pruning, retargeted from PID isolation transitions to masked-dial
// and catalog-replacement history.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// SchemaVersion is the current ledger schema version.
	SchemaVersion = "1"

	bucketDials   = "dial_outcomes"
	bucketSwaps   = "catalog_swaps"
	bucketMeta    = "meta"
	metaSchemaKey = "schema_version"
)

// DialOutcome records one masked-dial attempt.
type DialOutcome struct {
	Timestamp  time.Time `json:"timestamp"`
	TargetHost string    `json:"target_host"`
	DecoyHost  string    `json:"decoy_host"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// CatalogSwapRecord records one accepted catalog replacement.
type CatalogSwapRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	FromVersion uint64    `json:"from_version"`
	ToVersion   uint64    `json:"to_version"`
	PublisherID string    `json:"publisher_id"`
	Source      string    `json:"source"` // cached | bundled | updater
}

// DB wraps a BoltDB instance holding the two ledger buckets.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the ledger database at path, initialising
// buckets and checking the schema version exactly as storage.Open
// does for the isolation ledger.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDials, bucketSwaps, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte(metaSchemaKey)) == nil {
			return meta.Put([]byte(metaSchemaKey), []byte(SchemaVersion))
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: init: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketMeta)).Get([]byte(metaSchemaKey))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: db has %q, helper requires %q",
				string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// timeKey builds a sortable key from a timestamp, same convention as
// storage's ledger keying: UTC with a fixed nine-digit fraction, so
// byte order matches time order (RFC3339Nano trims trailing zeros).
func timeKey(t time.Time) []byte {
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}

// AppendDialOutcome records one masked-dial attempt.
func (d *DB) AppendDialOutcome(rec DialOutcome) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal DialOutcome: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketDials))
		return b.Put(timeKey(rec.Timestamp), data)
	})
}

// AppendCatalogSwap records one accepted catalog replacement.
func (d *DB) AppendCatalogSwap(rec CatalogSwapRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal CatalogSwapRecord: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSwaps))
		return b.Put(timeKey(rec.Timestamp), data)
	})
}

// RecentDialOutcomes returns up to limit of the most recently recorded
// dial outcomes, newest first.
func (d *DB) RecentDialOutcomes(limit int) ([]DialOutcome, error) {
	var out []DialOutcome
	err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketDials)).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec DialOutcome
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// PruneOldEntries deletes dial-outcome and catalog-swap entries older
// than retentionDays, mirroring storage.DB's periodic retention sweep.
func (d *DB) PruneOldEntries() (int, error) {
	cutoff := time.Now().AddDate(0, 0, -d.retentionDays)
	deleted := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketDials, bucketSwaps} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()
			var staleKeys [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				ts, err := time.Parse(time.RFC3339Nano, string(k))
				if err != nil {
					continue
				}
				if ts.Before(cutoff) {
					staleKeys = append(staleKeys, append([]byte(nil), k...))
				}
			}
			for _, k := range staleKeys {
				if err := b.Delete(k); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}
