// Package supervisor wires together every component layer — catalog,
// TLS mirror, inner handshake, mux, SOCKS5 front-end, lifecycle state,
// audit ledger, and metrics — into one running Helper process, and
// drives its startup and shutdown sequence.
//
// Startup sequence:
//  1. Open the audit ledger (BoltDB) and prune stale entries.
//  2. Open the calibration cache (BoltDB) and build the Calibrator.
//  3. Generate (or, on restart, this process's) Noise static identity.
//  4. Construct and Load the catalog engine.
//  5. Build the MaskedDialer binding catalog → calibrator → mux.
//  6. Construct the SOCKS5 front-end bound to the MaskedDialer.
//  7. Construct the status tracker and HTTP status server.
//  8. Construct the Prometheus metrics registry.
//  9. Construct the lifecycle control socket.
// 10. Advance StateOffline → StateCalibrating → StateConnecting.
//
// Shutdown sequence (on context cancellation):
//  1. Cancel the root context, stopping the catalog updater, SOCKS
//     listener, status server, metrics server, and control socket.
//  2. Wait for their goroutines to return via errgroup.
//  3. Close advances the lifecycle state to StateOffline, waiting at
//     most shutdownDrainTimeout for that.
//  4. Close then closes the calibration cache and audit ledger and
//     releases the single-instance guard.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veilmesh/htx-helper/internal/audit"
	"github.com/veilmesh/htx-helper/internal/catalog"
	"github.com/veilmesh/htx-helper/internal/config"
	"github.com/veilmesh/htx-helper/internal/helper"
	"github.com/veilmesh/htx-helper/internal/mux"
	htxnoise "github.com/veilmesh/htx-helper/internal/noise"
	"github.com/veilmesh/htx-helper/internal/observability"
	"github.com/veilmesh/htx-helper/internal/socks"
	"github.com/veilmesh/htx-helper/internal/tlsmirror"
)

// degradedThreshold is the smoothed failure rate at which the Helper
// drops from Connected/Connecting into Degraded. Matches the spec's
// default rolling-failure-rate trip point.
const degradedThreshold = 0.5

// shutdownDrainTimeout bounds how long Close waits for the lifecycle
// state to advance to StateOffline before it closes the stores anyway.
// In-flight masked-dial streams are not waited for.
const shutdownDrainTimeout = 5 * time.Second

// Supervisor owns every long-lived component of one Helper process.
type Supervisor struct {
	cfg *config.Config
	log *zap.Logger

	guard      *singleInstanceGuard
	auditDB    *audit.DB
	calibCache *tlsmirror.Cache
	calibrator *tlsmirror.Calibrator
	catalogEng *catalog.Engine
	dialer     *MaskedDialer
	tracker    *helper.Tracker
	socksSrv   *socks.Server
	statusSrv  *helper.StatusServer
	metrics    *observability.Metrics
	control    *ControlServer
}

// New constructs a Supervisor and every component it owns, but does
// not yet start any network listener or background goroutine; call
// Run for that.
func New(cfg *config.Config, log *zap.Logger) (*Supervisor, error) {
	s := &Supervisor{cfg: cfg, log: log}

	// ── Step 0: single-instance guard ─────────────────────────────────────
	guard, err := acquireSingleInstance(cfg.Control.LockAddr)
	if err != nil {
		return nil, err
	}
	s.guard = guard

	// ── Step 1: audit ledger ──────────────────────────────────────────────
	auditDB, err := audit.Open(cfg.Audit.DBPath, cfg.Audit.RetentionDays)
	if err != nil {
		guard.release()
		return nil, fmt.Errorf("supervisor: open audit ledger: %w", err)
	}
	s.auditDB = auditDB
	if n, err := auditDB.PruneOldEntries(); err != nil {
		log.Warn("audit: prune failed", zap.Error(err))
	} else if n > 0 {
		log.Info("audit: pruned stale entries", zap.Int("count", n))
	}

	// ── Step 2: calibration cache + calibrator ───────────────────────────
	cache, err := tlsmirror.OpenCache(cfg.Calibration.CachePath)
	if err != nil {
		auditDB.Close()
		return nil, fmt.Errorf("supervisor: open calibration cache: %w", err)
	}
	s.calibCache = cache
	s.calibrator = tlsmirror.NewCalibrator(cache, log, cfg.Calibration.DialTimeout, nil)

	// ── Step 3: local Noise static identity ──────────────────────────────
	local, err := htxnoise.GenerateStaticKeyPair()
	if err != nil {
		s.closePartial()
		return nil, fmt.Errorf("supervisor: generate static identity: %w", err)
	}

	// ── Step 4: catalog engine ───────────────────────────────────────────
	eng := catalog.NewEngine(catalog.Config{
		CatalogDir:    cfg.Catalog.Dir,
		BundledPath:   cfg.Catalog.BundledPath,
		Grace:         cfg.Catalog.Grace,
		AllowUnsigned: cfg.Catalog.AllowUnsigned,
		UpdateTimeout: cfg.Catalog.UpdateTimeout,
	}, log)
	if err := eng.Load(); err != nil {
		s.closePartial()
		return nil, fmt.Errorf("supervisor: load catalog: %w", err)
	}
	s.catalogEng = eng

	// ── Step 5: tracker + masked dialer ───────────────────────────────────
	tracker := helper.NewTracker()
	tracker.SetMode("client")
	tracker.SetSocksAddr(cfg.Socks.ListenAddr)
	tracker.SetCatalogInfoProvider(func() (helper.CatalogInfo, bool) {
		cat := eng.Active()
		if cat == nil {
			return helper.CatalogInfo{}, false
		}
		return helper.CatalogInfo{
			Version:    cat.CatalogVersion,
			ExpiresAt:  cat.ExpiresAt,
			Source:     "active",
			DecoyCount: len(cat.Entries),
		}, true
	})
	tracker.SetUpdateTrigger(eng.UpdateNow)
	s.tracker = tracker

	// ── Step 8: metrics registry ──────────────────────────────────────────
	metrics := observability.NewMetrics()
	s.metrics = metrics

	s.dialer = &MaskedDialer{
		Catalog:    eng,
		Calibrator: s.calibrator,
		Local:      local,
		MuxConfig:  muxConfigFrom(cfg),
		Log:        log,
		OnDial:     s.onDial,
	}

	// ── Step 6: SOCKS5 front-end ──────────────────────────────────────────
	s.socksSrv = socks.NewServer(socks.Config{
		ListenAddr:       cfg.Socks.ListenAddr,
		RateLimit:        cfg.Socks.RateLimit,
		RateLimitPeriod:  cfg.Socks.RateLimitPeriod,
		HandshakeTimeout: cfg.Socks.HandshakeTimeout,
	}, s.dialer, log)
	s.socksSrv.OnOutcome = func(target string, success bool) {
		metrics.SocksConnectsTotal.WithLabelValues(outcomeLabel(success)).Inc()
	}

	// ── Step 7: status server ────────────────────────────────────────────
	s.statusSrv = helper.NewStatusServer(cfg.Status.ListenAddr, tracker, s.sanitizedConfig, log)

	// ── Step 9: control socket ───────────────────────────────────────────
	if cfg.Control.Enabled {
		s.control = NewControlServer(cfg.Control.SocketPath, tracker, nil, eng.UpdateNow, log)
	}

	// ── Step 10: lifecycle state ─────────────────────────────────────────
	tracker.State().Advance(helper.StateCalibrating)
	tracker.State().Advance(helper.StateConnecting)

	return s, nil
}

func muxConfigFrom(cfg *config.Config) mux.Config {
	return mux.Config{
		InitialWindow:     cfg.Mux.InitialWindow,
		ChunkSize:         cfg.Mux.ChunkSize,
		RekeyCounterLimit: cfg.Mux.RekeyCounterLimit,
		RekeyInterval:     cfg.Mux.RekeyInterval,
	}
}

// onDial is the MaskedDialer.OnDial callback: it updates the status
// tracker, feeds Prometheus, appends an audit record, and drives the
// Connected/Degraded transition off the rolling failure rate.
func (s *Supervisor) onDial(outcome DialOutcome) {
	s.tracker.RecordOutcome(outcome.Target, outcome.Decoy, outcome.Success, outcome.ErrKind)
	s.metrics.MaskedDialsTotal.WithLabelValues(outcomeLabel(outcome.Success)).Inc()
	s.metrics.MaskedDialLatency.Observe(outcome.Duration.Seconds())

	if err := s.auditDB.AppendDialOutcome(audit.DialOutcome{
		Timestamp:  time.Now(),
		TargetHost: outcome.Target,
		DecoyHost:  outcome.Decoy,
		Success:    outcome.Success,
		ErrorKind:  outcome.ErrKind,
		DurationMS: outcome.Duration.Milliseconds(),
	}); err != nil {
		s.log.Warn("audit: append dial outcome failed", zap.Error(err))
	}

	rate := s.tracker.FailureRate().Value()
	s.metrics.FailureRate.Set(rate)

	st := s.tracker.State()
	switch {
	case outcome.Success && st.Current() != helper.StateConnected:
		from := st.Current()
		if newState, ok := st.Advance(helper.StateConnected); ok {
			s.metrics.HelperStateTransitionsTotal.WithLabelValues(from.String(), newState.String()).Inc()
		}
	case !outcome.Success && rate >= degradedThreshold && st.Current() != helper.StateDegraded:
		from := st.Current()
		if newState, ok := st.Advance(helper.StateDegraded); ok {
			s.metrics.HelperStateTransitionsTotal.WithLabelValues(from.String(), newState.String()).Inc()
		}
	}
}

func outcomeLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// sanitizedConfig reports the subset of configuration safe to expose
// on the loopback-only /config status endpoint: no socket paths or
// filesystem layout, only operationally relevant values.
func (s *Supervisor) sanitizedConfig() map[string]any {
	return map[string]any{
		"schema_version":     s.cfg.SchemaVersion,
		"socks_listen_addr":  s.cfg.Socks.ListenAddr,
		"socks_rate_limit":   s.cfg.Socks.RateLimit,
		"catalog_grace":      s.cfg.Catalog.Grace.String(),
		"mux_rekey_limit":    s.cfg.Mux.RekeyCounterLimit,
		"mux_rekey_interval": s.cfg.Mux.RekeyInterval.String(),
	}
}

// Run starts every background task — catalog updater, SOCKS listener,
// status server, metrics server, and (if enabled) the control socket —
// and blocks until ctx is cancelled or any task returns a non-nil
// error, in which case every other task is cancelled too.
func (s *Supervisor) Run(ctx context.Context) error {
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(innerCtx)

	g.Go(func() error { return s.catalogEng.RunUpdater(gctx) })
	g.Go(func() error { return s.socksSrv.ListenAndServe(gctx) })
	g.Go(func() error { return s.statusSrv.ListenAndServe(gctx) })
	g.Go(func() error { return s.metrics.ServeMetrics(gctx, s.cfg.Observability.MetricsAddr) })
	if s.control != nil {
		// A "stop" command cancels innerCtx directly, so the control
		// socket can trigger the same shutdown path as SIGINT/SIGTERM
		// without the supervisor depending on the process's signal
		// handling.
		s.control.stopFn = func() {
			s.log.Info("control: stop requested via control socket")
			cancel()
		}
		g.Go(func() error { return s.control.ListenAndServe(gctx) })
	}

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close releases every resource New acquired. Safe to call after Run
// returns, bounded by shutdownDrainTimeout for anything that could
// otherwise block indefinitely.
func (s *Supervisor) Close() error {
	done := make(chan struct{})
	go func() {
		s.tracker.State().Advance(helper.StateOffline)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainTimeout):
		s.log.Warn("supervisor: shutdown drain timed out")
	}
	return s.closePartial()
}

func (s *Supervisor) closePartial() error {
	var firstErr error
	if s.calibCache != nil {
		if err := s.calibCache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.auditDB != nil {
		if err := s.auditDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.guard != nil {
		if err := s.guard.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
