// Package observability — metrics.go
//
// Prometheus metrics for the HTX Helper.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: htx_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the Helper.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Masked dial ──────────────────────────────────────────────────────────

	// MaskedDialsTotal counts masked-dial attempts, by outcome
	// (success, failure).
	MaskedDialsTotal *prometheus.CounterVec

	// MaskedDialLatency records masked-dial latency in seconds, covering
	// calibration, outer TLS, and inner Noise handshake.
	MaskedDialLatency prometheus.Histogram

	// ─── Mux ──────────────────────────────────────────────────────────────────

	// StreamsOpenedTotal counts streams opened across all connections.
	StreamsOpenedTotal prometheus.Counter

	// RekeysTotal counts completed KEY_UPDATE rotations.
	RekeysTotal prometheus.Counter

	// PingRTTSeconds is the most recent connection's PING round-trip time.
	PingRTTSeconds prometheus.Gauge

	// ─── Catalog ──────────────────────────────────────────────────────────────

	// CatalogSwapsTotal counts accepted catalog replacements, by source
	// (cached, bundled, updater).
	CatalogSwapsTotal *prometheus.CounterVec

	// CatalogVersion is the currently active catalog_version.
	CatalogVersion prometheus.Gauge

	// CatalogUpdateFailuresTotal counts failed updater fetch rounds.
	CatalogUpdateFailuresTotal prometheus.Counter

	// ─── SOCKS front-end ────────────────────────────────────────────────────

	// SocksConnectsTotal counts handled CONNECT requests by masked-dial
	// outcome ("success" or "failure"), carried in the reply_code label.
	SocksConnectsTotal *prometheus.CounterVec

	// SocksRateLimitedTotal counts CONNECTs rejected by the per-source
	// token bucket.
	SocksRateLimitedTotal prometheus.Counter

	// ─── Helper lifecycle ─────────────────────────────────────────────────────

	// HelperStateTransitionsTotal counts HelperState transitions, by
	// from_state and to_state.
	HelperStateTransitionsTotal *prometheus.CounterVec

	// FailureRate is the current smoothed masked-dial failure rate.
	FailureRate prometheus.Gauge

	// UptimeSeconds is the number of seconds since the Helper started.
	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all Helper Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		MaskedDialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "dial",
			Name:      "masked_total",
			Help:      "Total masked-dial attempts, by outcome.",
		}, []string{"outcome"}),

		MaskedDialLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "htx",
			Subsystem: "dial",
			Name:      "latency_seconds",
			Help:      "Masked-dial latency: calibration + outer TLS + inner Noise handshake.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}),

		StreamsOpenedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "mux",
			Name:      "streams_opened_total",
			Help:      "Total streams opened across all connections.",
		}),

		RekeysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "mux",
			Name:      "rekeys_total",
			Help:      "Total completed KEY_UPDATE rotations.",
		}),

		PingRTTSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htx",
			Subsystem: "mux",
			Name:      "ping_rtt_seconds",
			Help:      "Most recent connection PING round-trip time.",
		}),

		CatalogSwapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "catalog",
			Name:      "swaps_total",
			Help:      "Total accepted catalog replacements, by source.",
		}, []string{"source"}),

		CatalogVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htx",
			Subsystem: "catalog",
			Name:      "version",
			Help:      "Currently active catalog_version.",
		}),

		CatalogUpdateFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "catalog",
			Name:      "update_failures_total",
			Help:      "Total failed updater fetch rounds.",
		}),

		SocksConnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "socks",
			Name:      "connects_total",
			Help:      "Total CONNECT requests handled, by masked-dial outcome (success, failure).",
		}, []string{"reply_code"}),

		SocksRateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "socks",
			Name:      "rate_limited_total",
			Help:      "Total CONNECTs rejected by the per-source rate limiter.",
		}),

		HelperStateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "htx",
			Subsystem: "helper",
			Name:      "state_transitions_total",
			Help:      "Total HelperState transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		FailureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htx",
			Subsystem: "helper",
			Name:      "failure_rate",
			Help:      "Current smoothed masked-dial failure rate.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "htx",
			Subsystem: "helper",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the Helper started.",
		}),
	}

	reg.MustRegister(
		m.MaskedDialsTotal,
		m.MaskedDialLatency,
		m.StreamsOpenedTotal,
		m.RekeysTotal,
		m.PingRTTSeconds,
		m.CatalogSwapsTotal,
		m.CatalogVersion,
		m.CatalogUpdateFailuresTotal,
		m.SocksConnectsTotal,
		m.SocksRateLimitedTotal,
		m.HelperStateTransitionsTotal,
		m.FailureRate,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
