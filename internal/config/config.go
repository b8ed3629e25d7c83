// Package config provides configuration loading, validation, and hot-reload
// for the HTX Helper.
//
// Configuration file: /etc/htx-helper/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Helper listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml, and log the new rate
//     limit and log level.
//   - Nothing from the reloaded config is applied to the running Helper;
//     every change takes effect only on restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The Helper does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g., rate_limit >= 1, rate_limit_period
//     >= 1s, rekey_counter_limit > 0, retention_days >= 1).
//   - Invalid config on startup: Helper refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for the HTX Helper.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Socks configures the SOCKS5 front-end.
	Socks SocksConfig `yaml:"socks"`

	// Status configures the HTTP status surface.
	Status StatusConfig `yaml:"status"`

	// Catalog configures the decoy catalog engine.
	Catalog CatalogConfig `yaml:"catalog"`

	// Calibration configures TLS-mirror profile calibration and caching.
	Calibration CalibrationConfig `yaml:"calibration"`

	// Mux configures the AEAD frame multiplexer.
	Mux MuxConfig `yaml:"mux"`

	// Control configures the Unix-domain-socket lifecycle control server.
	Control ControlConfig `yaml:"control"`

	// Audit configures the dial-outcome / catalog-swap ledger.
	Audit AuditConfig `yaml:"audit"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// SocksConfig holds SOCKS5 front-end parameters.
type SocksConfig struct {
	// ListenAddr is the loopback SOCKS5 bind address.
	// Default: 127.0.0.1:1088.
	ListenAddr string `yaml:"listen_addr"`

	// RateLimit is the per-source-IP token bucket capacity.
	// Default: 100.
	RateLimit int `yaml:"rate_limit"`

	// RateLimitPeriod is the per-source-IP token bucket refill period.
	// Default: 1m.
	RateLimitPeriod time.Duration `yaml:"rate_limit_period"`

	// HandshakeTimeout bounds the masked-dial routine per CONNECT.
	// Default: 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// StatusConfig holds the HTTP status server parameters.
type StatusConfig struct {
	// ListenAddr is the loopback status HTTP bind address.
	// Default: 127.0.0.1:8088.
	ListenAddr string `yaml:"listen_addr"`
}

// CatalogConfig holds decoy catalog engine parameters.
type CatalogConfig struct {
	// Dir is where the active catalog and its backup are persisted.
	// Default: /var/lib/htx-helper/catalog.
	Dir string `yaml:"dir"`

	// BundledPath is the fallback bundled catalog shipped with the binary.
	BundledPath string `yaml:"bundled_path"`

	// Grace extends expires_at before a catalog is treated as expired.
	// Default: 1h.
	Grace time.Duration `yaml:"grace"`

	// AllowUnsigned is a dev-only override permitting unsigned catalogs.
	// Default: false. MUST NOT be enabled in production.
	AllowUnsigned bool `yaml:"allow_unsigned"`

	// UpdateTimeout bounds each updater fetch round-trip. Default: 10s.
	UpdateTimeout time.Duration `yaml:"update_timeout"`
}

// CalibrationConfig holds TLS-mirror calibration parameters.
type CalibrationConfig struct {
	// CachePath is the BoltDB file backing the per-origin calibration cache.
	// Default: /var/lib/htx-helper/calibration.db.
	CachePath string `yaml:"cache_path"`

	// DialTimeout bounds the calibration probe dial. Default: 10s.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MuxConfig holds AEAD frame multiplexer parameters.
type MuxConfig struct {
	// InitialWindow is the initial per-stream flow-control window in bytes.
	// Default: 65536.
	InitialWindow uint32 `yaml:"initial_window"`

	// ChunkSize bounds how much of a Write goes into one STREAM frame.
	// Default: 16384.
	ChunkSize int `yaml:"chunk_size"`

	// RekeyCounterLimit is passed to mux.Config as the frame-counter
	// rekey threshold. Default: 1048576. The mux does not start a
	// KEY_UPDATE on its own when a counter reaches it; rekeys happen
	// only through Conn.InitiateRekey.
	RekeyCounterLimit uint64 `yaml:"rekey_counter_limit"`

	// RekeyInterval is passed to mux.Config as the wall-clock rekey
	// interval. Default: 10m. No timer in the mux acts on it.
	RekeyInterval time.Duration `yaml:"rekey_interval"`
}

// ControlConfig holds lifecycle-control Unix-domain-socket parameters.
type ControlConfig struct {
	// SocketPath is the Unix domain socket path for helper lifecycle
	// control (start, stop, update, status).
	// Permissions: 0600. Default: /run/htx-helper/control.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the control socket is active. Default: true.
	Enabled bool `yaml:"enabled"`

	// LockAddr is a loopback address bound for the lifetime of the
	// process as a single-instance guard; a second Helper process
	// binding the same address fails to start. Empty disables the
	// guard. Default: 127.0.0.1:1089.
	LockAddr string `yaml:"lock_addr"`
}

// AuditConfig holds audit ledger parameters.
type AuditConfig struct {
	// DBPath is the absolute path to the BoltDB ledger file.
	// Default: /var/lib/htx-helper/audit.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Socks: SocksConfig{
			ListenAddr:       "127.0.0.1:1088",
			RateLimit:        100,
			RateLimitPeriod:  time.Minute,
			HandshakeTimeout: 10 * time.Second,
		},
		Status: StatusConfig{
			ListenAddr: "127.0.0.1:8088",
		},
		Catalog: CatalogConfig{
			Dir:           DefaultCatalogDir,
			BundledPath:   "/etc/htx-helper/catalog.bundled.json",
			Grace:         time.Hour,
			AllowUnsigned: false,
			UpdateTimeout: 10 * time.Second,
		},
		Calibration: CalibrationConfig{
			CachePath:   DefaultCalibrationDBPath,
			DialTimeout: 10 * time.Second,
		},
		Mux: MuxConfig{
			InitialWindow:     64 * 1024,
			ChunkSize:         16 * 1024,
			RekeyCounterLimit: 1 << 20,
			RekeyInterval:     10 * time.Minute,
		},
		Control: ControlConfig{
			Enabled:    true,
			SocketPath: "/run/htx-helper/control.sock",
			LockAddr:   "127.0.0.1:1089",
		},
		Audit: AuditConfig{
			DBPath:        DefaultAuditDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Default on-disk paths, overridable via config.yaml.
const (
	DefaultCatalogDir        = "/var/lib/htx-helper/catalog"
	DefaultCalibrationDBPath = "/var/lib/htx-helper/calibration.db"
	DefaultAuditDBPath       = "/var/lib/htx-helper/audit.db"
)

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Socks.ListenAddr == "" {
		errs = append(errs, "socks.listen_addr must not be empty")
	}
	if cfg.Socks.RateLimit < 1 {
		errs = append(errs, fmt.Sprintf("socks.rate_limit must be >= 1, got %d", cfg.Socks.RateLimit))
	}
	if cfg.Socks.RateLimitPeriod < time.Second {
		errs = append(errs, fmt.Sprintf("socks.rate_limit_period must be >= 1s, got %s", cfg.Socks.RateLimitPeriod))
	}
	if cfg.Status.ListenAddr == "" {
		errs = append(errs, "status.listen_addr must not be empty")
	}
	if cfg.Catalog.Dir == "" {
		errs = append(errs, "catalog.dir must not be empty")
	}
	if cfg.Mux.RekeyCounterLimit == 0 {
		errs = append(errs, "mux.rekey_counter_limit must be > 0")
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	if cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
