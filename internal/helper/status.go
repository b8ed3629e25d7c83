package helper

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LastUpdate reports the outcome of the most recent catalog update
// check, part of the /status snapshot.
type LastUpdate struct {
	Updated      bool   `json:"updated"`
	From         string `json:"from,omitempty"`
	Version      uint64 `json:"version,omitempty"`
	Error        string `json:"error,omitempty"`
	CheckedMsAgo int64  `json:"checked_ms_ago"`
}

// Snapshot is the canonical /status JSON document. Fields are
// presence-based: omitempty tags drop anything not yet meaningful,
// matching the spec's "fields absent until meaningful" rule.
type Snapshot struct {
	State            string      `json:"state"`
	Mode             string      `json:"mode,omitempty"`
	SocksAddr        string      `json:"socks_addr,omitempty"`
	DecoyCount       int         `json:"decoy_count,omitempty"`
	CurrentTarget    string      `json:"current_target,omitempty"`
	CurrentDecoy     string      `json:"current_decoy,omitempty"`
	LastTarget       string      `json:"last_target,omitempty"`
	LastDecoy        string      `json:"last_decoy,omitempty"`
	CatalogVersion   uint64      `json:"catalog_version,omitempty"`
	CatalogExpiresAt string      `json:"catalog_expires_at,omitempty"`
	CatalogSource    string      `json:"catalog_source,omitempty"`
	CheckupPhase     string      `json:"checkup_phase,omitempty"`
	LastCheckedMsAgo int64       `json:"last_checked_ms_ago,omitempty"`
	MaskedAttempts   uint64      `json:"masked_attempts"`
	MaskedSuccesses  uint64      `json:"masked_successes"`
	MaskedFailures   uint64      `json:"masked_failures"`
	LastMaskedError  string      `json:"last_masked_error,omitempty"`
	LastUpdate       *LastUpdate `json:"last_update,omitempty"`
	PingRTTMs        int64       `json:"ping_rtt_ms,omitempty"`
}

// CatalogInfo is what the catalog engine reports for the snapshot,
// sampled on demand rather than pushed, per spec §4.9's "status
// sampler" background task.
type CatalogInfo struct {
	Version    uint64
	ExpiresAt  time.Time
	Source     string // provider's label; the supervisor reports "active", not which source (bundled, cached, remote) loaded the catalog
	DecoyCount int
}

// Tracker accumulates the atomic counters and attribution fields a
// Snapshot is built from. Counters are atomic.Uint64 exactly as the
// spec's "status counters are shared by reference but mutated only
// through atomic operations" ownership rule requires.
type Tracker struct {
	state       *ProcessState
	failureRate *FailureRate

	attempts  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64

	mu               sync.Mutex
	mode             string
	socksAddr        string
	currentTarget    string
	currentDecoy     string
	lastTarget       string
	lastDecoy        string
	lastMaskedError  string
	checkupPhase     string
	lastPingRTT      time.Duration
	lastUpdate       *LastUpdate
	lastUpdateAt     time.Time
	catalogInfoFn    func() (CatalogInfo, bool)
	updateTriggerFn  func(ctx context.Context) (bool, error)
}

// NewTracker constructs a Tracker in StateOffline.
func NewTracker() *Tracker {
	return &Tracker{
		state:       NewProcessState(),
		failureRate: NewFailureRate(0.8),
	}
}

// State returns the lifecycle state holder so the supervisor can drive
// transitions directly.
func (t *Tracker) State() *ProcessState { return t.state }

// SetMode and SetSocksAddr record static attribution fields shown in
// every snapshot.
func (t *Tracker) SetMode(mode string) {
	t.mu.Lock()
	t.mode = mode
	t.mu.Unlock()
}

func (t *Tracker) SetSocksAddr(addr string) {
	t.mu.Lock()
	t.socksAddr = addr
	t.mu.Unlock()
}

// SetCatalogInfoProvider wires a callback the status sampler uses to
// read the catalog engine's current version/expiry/source/decoy count
// without this package importing internal/catalog directly.
func (t *Tracker) SetCatalogInfoProvider(fn func() (CatalogInfo, bool)) {
	t.mu.Lock()
	t.catalogInfoFn = fn
	t.mu.Unlock()
}

// SetUpdateTrigger wires the callback invoked by GET/POST /update.
func (t *Tracker) SetUpdateTrigger(fn func(ctx context.Context) (bool, error)) {
	t.mu.Lock()
	t.updateTriggerFn = fn
	t.mu.Unlock()
}

// SetCheckupPhase records the supervisor's current background-task
// phase label (e.g. "calibrating", "idle").
func (t *Tracker) SetCheckupPhase(phase string) {
	t.mu.Lock()
	t.checkupPhase = phase
	t.mu.Unlock()
}

// RecordPingRTT records the mux's most recently measured PING RTT.
func (t *Tracker) RecordPingRTT(d time.Duration) {
	t.mu.Lock()
	t.lastPingRTT = d
	t.mu.Unlock()
}

// RecordAttempt increments masked_attempts and sets current_target
// ahead of the dial's outcome.
func (t *Tracker) RecordAttempt(target string) {
	t.attempts.Add(1)
	t.mu.Lock()
	t.currentTarget = target
	t.mu.Unlock()
}

// RecordOutcome finalizes a masked-dial attempt: every outcome feeds
// the rolling failure rate; on success it sets
// current_target/current_decoy and advances last_target/last_decoy;
// on failure it clears the "current" pair and updates last_masked_error.
func (t *Tracker) RecordOutcome(target, decoy string, success bool, errMsg string) {
	if success {
		t.successes.Add(1)
	} else {
		t.failures.Add(1)
	}
	t.failureRate.Update(!success)

	t.mu.Lock()
	defer t.mu.Unlock()
	if success {
		t.currentTarget = target
		t.currentDecoy = decoy
		t.lastTarget = target
		t.lastDecoy = decoy
	} else {
		t.currentTarget = ""
		t.currentDecoy = ""
		t.lastMaskedError = errMsg
	}
}

// RecordUpdateCheck records the outcome of a catalog update check for
// the /status `last_update` object.
func (t *Tracker) RecordUpdateCheck(updated bool, from string, version uint64, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUpdate = &LastUpdate{Updated: updated, From: from, Version: version, Error: errMsg}
	t.lastUpdateAt = time.Now()
}

// FailureRate returns the tracker's rolling failure-rate accumulator,
// so the supervisor can compare it against the Degraded threshold.
func (t *Tracker) FailureRate() *FailureRate { return t.failureRate }

// Snapshot computes a Snapshot on demand from the current counters and
// attribution fields.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		State:           t.state.Current().String(),
		Mode:            t.mode,
		SocksAddr:       t.socksAddr,
		CurrentTarget:   t.currentTarget,
		CurrentDecoy:    t.currentDecoy,
		LastTarget:      t.lastTarget,
		LastDecoy:       t.lastDecoy,
		CheckupPhase:    t.checkupPhase,
		MaskedAttempts:  t.attempts.Load(),
		MaskedSuccesses: t.successes.Load(),
		MaskedFailures:  t.failures.Load(),
		LastMaskedError: t.lastMaskedError,
		PingRTTMs:       t.lastPingRTT.Milliseconds(),
	}

	if t.catalogInfoFn != nil {
		if info, ok := t.catalogInfoFn(); ok {
			snap.CatalogVersion = info.Version
			snap.CatalogExpiresAt = info.ExpiresAt.Format(time.RFC3339)
			snap.CatalogSource = info.Source
			snap.DecoyCount = info.DecoyCount
		}
	}

	if t.lastUpdate != nil {
		lu := *t.lastUpdate
		lu.CheckedMsAgo = time.Since(t.lastUpdateAt).Milliseconds()
		snap.LastUpdate = &lu
	}

	return snap
}

// StatusServer serves the §6 loopback HTTP surface.
type StatusServer struct {
	addr    string
	tracker *Tracker
	log     *zap.Logger
	started time.Time

	configFn func() map[string]any
}

// NewStatusServer constructs a StatusServer bound to addr (default
// "127.0.0.1:8088" if empty). configFn supplies the sanitized runtime
// configuration served at /config.
func NewStatusServer(addr string, tracker *Tracker, configFn func() map[string]any, log *zap.Logger) *StatusServer {
	if addr == "" {
		addr = "127.0.0.1:8088"
	}
	return &StatusServer{addr: addr, tracker: tracker, configFn: configFn, log: log, started: time.Now()}
}

// ListenAndServe serves the status endpoints until ctx is cancelled,
// on the same bounded-timeout http.Server shape the teacher uses for
// its metrics server.
func (s *StatusServer) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status.txt", s.handleStatusText)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/update", s.handleUpdate)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("status: listening", zap.String("addr", s.addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server on %s: %w", s.addr, err)
	}
	return nil
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

func (s *StatusServer) handleStatusText(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "state=%s\n", snap.State)
	fmt.Fprintf(w, "current_target=%s\n", snap.CurrentTarget)
	fmt.Fprintf(w, "current_decoy=%s\n", snap.CurrentDecoy)
	fmt.Fprintf(w, "last_target=%s\n", snap.LastTarget)
	fmt.Fprintf(w, "last_decoy=%s\n", snap.LastDecoy)
	fmt.Fprintf(w, "masked_attempts=%d\n", snap.MaskedAttempts)
	fmt.Fprintf(w, "masked_successes=%d\n", snap.MaskedSuccesses)
	fmt.Fprintf(w, "masked_failures=%d\n", snap.MaskedFailures)
	fmt.Fprintf(w, "catalog_version=%d\n", snap.CatalogVersion)
}

func (s *StatusServer) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *StatusServer) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "ts": time.Now().Unix()})
}

func (s *StatusServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	var cfg map[string]any
	if s.configFn != nil {
		cfg = s.configFn()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(cfg)
}

func (s *StatusServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	s.tracker.mu.Lock()
	trigger := s.tracker.updateTriggerFn
	s.tracker.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if trigger == nil {
		json.NewEncoder(w).Encode(map[string]any{"updated": false, "error": "update trigger not configured"})
		return
	}

	updated, err := trigger(r.Context())
	resp := map[string]any{"updated": updated}
	if err != nil {
		resp["error"] = err.Error()
	}
	json.NewEncoder(w).Encode(resp)
}
