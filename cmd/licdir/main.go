// Package main is the entry point for licdir, a caching search proxy in
// front of a slow, rate-sensitive licensee-directory API.
//
// licdir shields the upstream directory behind an in-memory dataset cache
// with serve-stale semantics, enforces per-client rate limits, performs
// tolerant name and tax-identifier matching over the cached dataset, masks
// identifiers before results leave the service, and keeps an audit trail of
// queries. Observability: Prometheus metrics, health checks, structured
// logging, OpenTelemetry tracing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/licdir/licdir/internal/config"
	"github.com/licdir/licdir/internal/observability"
	"github.com/licdir/licdir/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("licdir %s\n", version)
		return
	}

	// Load configuration from YAML file + environment variable overrides.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger.
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting licdir", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	// Start the config file watcher for hot-reload.
	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if fields := newCfg.RequiresRestart(cfg); len(fields) > 0 {
			logger.Warn("config change requires restart, ignoring", "fields", fields)
			return
		}
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	// Watch TLS certificate files for rotation when TLS is enabled.
	if cfg.Server.TLS.Enabled && cfg.Server.TLS.CertFile != "" {
		certWatcher := config.NewCertWatcher(
			cfg.Server.TLS.CertFile,
			cfg.Server.TLS.KeyFile,
			srv.ReloadCerts,
			logger,
		)
		go func() {
			_ = certWatcher.Start(ctx)
		}()
		defer certWatcher.Stop()
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("licdir shut down gracefully")
}
