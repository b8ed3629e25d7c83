// Package main — cmd/htx-helper/main.go
//
// HTX Helper entrypoint.
//
// Startup sequence:
//  1. Load and validate config from /etc/htx-helper/config.yaml.
//  2. Initialise structured logger (zap, JSON format).
//  3. Construct the Supervisor (audit ledger, calibration cache, catalog
//     engine, masked dialer, SOCKS5 front-end, status server, metrics,
//     control socket).
//  4. Start every Supervisor-managed background task.
//  5. Register SIGHUP handler that re-reads, validates and logs the
//     config (nothing is applied to the running Supervisor).
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM or a control-socket "stop"):
//  1. Cancel the root context (propagates to every background task).
//  2. Wait for Supervisor.Run to return.
//  3. Close the calibration cache and audit ledger.
//  4. Flush the logger.
//  5. Exit 0.
//
// On config validation failure, or Supervisor construction failure:
// exit 1 immediately (no partial state).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veilmesh/htx-helper/internal/config"
	"github.com/veilmesh/htx-helper/internal/supervisor"
)

func main() {
	// ── Flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "/etc/htx-helper/config.yaml", "Path to config.yaml")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("htx-helper %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	// ── Step 1: load config ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Step 2: initialise logger ─────────────────────────────────────────
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("HTX Helper starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("built", config.BuildTime),
		zap.String("config", *configPath),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Step 3: construct the supervisor ──────────────────────────────────
	sup, err := supervisor.New(cfg, log)
	if err != nil {
		log.Fatal("supervisor construction failed", zap.Error(err))
	}
	defer func() {
		if err := sup.Close(); err != nil {
			log.Error("supervisor close failed", zap.Error(err))
		}
	}()

	// ── Step 4: start background tasks ────────────────────────────────────
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- sup.Run(ctx)
	}()
	log.Info("supervisor running",
		zap.String("socks_addr", cfg.Socks.ListenAddr),
		zap.String("status_addr", cfg.Status.ListenAddr),
		zap.String("metrics_addr", cfg.Observability.MetricsAddr),
	)

	// ── Step 5: SIGHUP hot-reload ──────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// newCfg is not applied to the running Supervisor; the new
			// values are only logged and take effect on restart.
			log.Info("config hot-reload successful",
				zap.Int("new_rate_limit", newCfg.Socks.RateLimit),
				zap.String("new_log_level", newCfg.Observability.LogLevel))
		}
	}()

	// ── Step 6: wait for shutdown signal or supervisor exit ───────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
		<-runErrCh
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("supervisor exited with error", zap.Error(err))
		}
		cancel()
	}

	log.Info("HTX Helper shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}
