// cache.go — calibration cache.
//
// BoltDB-backed store of per-origin calibration results, adapted from
// the same bucket/key-hash/JSON-value layout used for the audit
// ledger (see internal/audit). Entries older than CacheTTL are treated
// as absent by Get; they stay in the database until Put overwrites them.
package tlsmirror

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/veilmesh/htx-helper/internal/cryptoprim"
)

// CacheTTL is how long a calibration result remains valid for an
// origin before it must be refreshed.
const CacheTTL = 24 * time.Hour

const bucketCalibrations = "calibrations"

// CalibrationRecord is the persisted result of calibrating one origin.
type CalibrationRecord struct {
	Origin      string          `json:"origin"`
	ProfileName string          `json:"profile_name"`
	Params      TemplateParams  `json:"params"`
	TemplateID  [32]byte        `json:"template_id"`
	CalibratedAt time.Time      `json:"calibrated_at"`
}

// Cache wraps a BoltDB handle with typed accessors for calibration
// records, keyed by sha256(origin) the same way storage.binaryKey
// hashes an identifier into a fixed-length bucket key.
type Cache struct {
	db *bolt.DB
}

// OpenCache opens (or creates) the calibration cache database at path.
func OpenCache(path string) (*Cache, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tlsmirror: bolt.Open(%q): %w", path, err)
	}
	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketCalibrations))
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("tlsmirror: create bucket: %w", err)
	}
	return &Cache{db: bdb}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }

func originKey(origin string) []byte {
	return []byte(cryptoprim.SHA256Hex([]byte(origin)))
}

// Get returns the cached record for origin if present and not expired.
func (c *Cache) Get(origin string) (*CalibrationRecord, error) {
	var rec CalibrationRecord
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCalibrations))
		data := b.Get(originKey(origin))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("tlsmirror: Get(%q): %w", origin, err)
	}
	if !found || time.Since(rec.CalibratedAt) > CacheTTL {
		return nil, nil
	}
	return &rec, nil
}

// Put stores or replaces the calibration record for rec.Origin.
func (c *Cache) Put(rec CalibrationRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("tlsmirror: Put marshal: %w", err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketCalibrations))
		return b.Put(originKey(rec.Origin), data)
	})
}
