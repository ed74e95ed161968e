// Package server orchestrates licdir's public search server and admin server.
// The search server exposes the licensee lookup endpoint while the admin
// server exposes health checks, readiness probes, Prometheus metrics, and the
// audit trail.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/licdir/licdir/internal/audit"
	"github.com/licdir/licdir/internal/config"
	"github.com/licdir/licdir/internal/directory"
	"github.com/licdir/licdir/internal/observability"
	"github.com/licdir/licdir/internal/ratelimit"
	iredis "github.com/licdir/licdir/internal/redis"
	"github.com/licdir/licdir/internal/service"
)

// Server is the main licdir server.
type Server struct {
	cfg             *config.Config
	logger          *slog.Logger
	version         string
	mainServer      *http.Server
	http3Server     *http3.Server // nil when HTTP/3 is disabled.
	adminServer     *http.Server
	handler         *Handler
	health          *observability.HealthChecker
	metrics         *observability.Metrics
	limiter         *ratelimit.Limiter
	dataset         *directory.Cache
	trail           *audit.Log
	snapshotRedis   iredis.Client // nil when no snapshot store is configured.
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
}

// New creates a new licdir server instance.
func New(cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	dataset, snapshotRedis := buildDataset(cfg, logger, metrics)
	health.SetProber(dataset)

	window := config.MustParseDuration(cfg.RateLimit.Window, 60*time.Second)
	limiter := ratelimit.NewLimiter(cfg.RateLimit.MaxRequests, window)

	trail := audit.NewLog(cfg.Audit.MaxEntries)

	svc := service.NewService(dataset, limiter, trail, service.WithLogger(logger))
	svc.OnSearch = metrics.IncSearches
	svc.OnSearchError = metrics.IncSearchErrors
	svc.OnRateLimited = metrics.IncRateLimited
	svc.OnValidationError = metrics.IncValidationErrors
	svc.OnResultCount = metrics.ObserveResultCount

	ks, err := ratelimit.NewKeyStrategy(cfg.RateLimit.KeyStrategy)
	if err != nil {
		if snapshotRedis != nil {
			_ = snapshotRedis.Close()
		}
		limiter.Close()
		return nil, fmt.Errorf("key strategy: %w", err)
	}

	handler := NewHandler(svc, ks, logger, metrics)

	mainServer, h3srv := buildMainServer(cfg, handler, logger)
	adminServer := buildAdminServer(cfg, health, reg, trail, logger)

	return &Server{
		cfg:           cfg,
		logger:        logger,
		version:       version,
		mainServer:    mainServer,
		http3Server:   h3srv,
		adminServer:   adminServer,
		handler:       handler,
		health:        health,
		metrics:       metrics,
		limiter:       limiter,
		dataset:       dataset,
		trail:         trail,
		snapshotRedis: snapshotRedis,
	}, nil
}

// buildDataset wires the upstream client, the optional Redis snapshot store,
// and the dataset cache, with metric hooks attached.
func buildDataset(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*directory.Cache, iredis.Client) {
	upstreamTimeout := config.MustParseDuration(cfg.Upstream.Timeout, 10*time.Second)

	clientOpts := []directory.ClientOption{
		directory.WithTimeout(upstreamTimeout),
		directory.WithClientLogger(logger),
	}
	if cfg.Upstream.MaxResponseBytes > 0 {
		clientOpts = append(clientOpts, directory.WithMaxResponseBytes(cfg.Upstream.MaxResponseBytes))
	}

	upstream := directory.NewClient(cfg.Upstream.URL, clientOpts...)
	upstream.OnFetch = metrics.IncUpstreamFetches
	upstream.OnError = metrics.IncUpstreamErrors
	upstream.OnLatency = metrics.PromUpstreamLatency.Observe

	var snapshotRedis iredis.Client
	cacheOpts := []directory.CacheOption{directory.WithCacheLogger(logger)}

	if cfg.Snapshot != nil && len(cfg.Snapshot.Endpoints) > 0 {
		iredis.WarnInsecureRedis(cfg.Snapshot.TLS, logger)

		client, redisErr := iredis.NewClient(*cfg.Snapshot)
		if redisErr != nil {
			// The snapshot store only extends serve-stale across restarts;
			// the service is fully functional without it.
			logger.Warn("snapshot redis unavailable, continuing without snapshot store",
				"error", redisErr)
		} else {
			snapshotRedis = client
			store := directory.NewSnapshotStore(client, directory.WithSnapshotLogger(logger))
			store.OnError = metrics.IncSnapshotErrors
			cacheOpts = append(cacheOpts, directory.WithSnapshotStore(store))
			logger.Info("dataset snapshot store connected",
				"mode", cfg.Snapshot.Mode, "endpoints", cfg.Snapshot.Endpoints)
		}
	}

	cacheTTL := config.MustParseDuration(cfg.Directory.CacheTTL, 10*time.Minute)
	dataset := directory.NewCache(upstream, cacheTTL, cacheOpts...)
	dataset.OnHit = metrics.IncCacheHits
	dataset.OnMiss = metrics.IncCacheMisses
	dataset.OnStale = metrics.IncStaleServed

	return dataset, snapshotRedis
}

func buildMainServer(cfg *config.Config, handler *Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout := config.MustParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout := config.MustParseDuration(cfg.Server.WriteTimeout, 30*time.Second)
	idleTimeout := config.MustParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	mux := http.NewServeMux()
	mux.Handle("/search", handler)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(mux, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        mux,
			MaxHeaderBytes: 1 << 20, // 1 MiB — same as the TCP server.
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // Disable 0-RTT to prevent replay attacks.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				_ = h3srv.SetQUICHeaders(w.Header())
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default to prevent large-header DoS.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, trail *audit.Log, logger *slog.Logger) *http.Server {
	adminReadTimeout := config.MustParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout := config.MustParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout := config.MustParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/auditlog", auditLogHandler(trail))
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB — explicit default.
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}
}

// auditLogHandler serves the recent audit trail. GET /auditlog?limit=N
// returns the N most recent entries, all entries when limit is absent.
func auditLogHandler(trail *audit.Log) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		entries := trail.Entries(limit)
		body, _ := json.Marshal(struct {
			Entries []audit.Entry `json:"entries"`
			Count   int           `json:"count"`
		}{Entries: entries, Count: len(entries)})

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

// newCertHolder creates and loads the initial certificate.
func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

// tlsMinVersion returns the tls.Config MinVersion from config, defaulting to TLS 1.2.
func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts both the search and admin servers and blocks until the context
// is canceled, then performs a graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 3)

	// readyCh is closed after the main listener has successfully bound,
	// preventing SetReady from being called before the server can accept
	// connections.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}

	s.health.SetStarted()

	// Wait for the main listener to bind (or fail) before marking ready.
	select {
	case <-readyCh:
		s.health.SetReady()
		s.logger.Info("licdir is ready", "version", s.version)
	case srvErr := <-errCh:
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		return srvErr
	}

	return s.shutdown()
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("search server starting",
		"address", s.cfg.Server.Address,
		"upstream", s.cfg.Upstream.URL,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	// Separate Listen from Serve so we can signal readiness after bind.
	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("search server listen: %w", listenErr)
		return
	}
	close(readyCh) // signal that the listener has bound

	var err error
	if s.cfg.Server.TLS.Enabled {
		// Create a certHolder for hot-reload support.
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		minVer := max(tlsMinVersion(s.cfg), tls.VersionTLS12)
		tlsCfg := &tls.Config{
			MinVersion:     minVer,
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg

		// Share the same TLS config with the HTTP/3 server so both
		// listeners enforce identical MinVersion and ciphers.
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}

		tlsLn := tls.NewListener(ln, tlsCfg)
		err = s.mainServer.Serve(tlsLn)
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("search server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && err != http.ErrServerClosed {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload hot-swaps the rate-limit parameters, dataset cache TTL, audit bound,
// key strategy, and TLS certificates without restarting the server.
func (s *Server) Reload(newCfg *config.Config) error {
	newKS, err := ratelimit.NewKeyStrategy(newCfg.RateLimit.KeyStrategy)
	if err != nil {
		return fmt.Errorf("reload key strategy: %w", err)
	}
	s.handler.SwapKeyStrategy(newKS)

	window := config.MustParseDuration(newCfg.RateLimit.Window, 60*time.Second)
	s.limiter.SetLimits(newCfg.RateLimit.MaxRequests, window)

	cacheTTL := config.MustParseDuration(newCfg.Directory.CacheTTL, 10*time.Minute)
	s.dataset.SetTTL(cacheTTL)

	s.trail.SetMaxEntries(newCfg.Audit.MaxEntries)

	// Reload TLS certificates if TLS is enabled and cert files are configured.
	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded",
		"max_requests", newCfg.RateLimit.MaxRequests,
		"window", window,
		"cache_ttl", cacheTTL,
		"audit_max_entries", newCfg.Audit.MaxEntries)
	return nil
}

// ReloadCerts hot-swaps the TLS certificate from disk. Called by the cert
// file watcher; a failed load keeps the old certificate.
func (s *Server) ReloadCerts(certFile, keyFile string) {
	if s.certs == nil {
		return
	}
	if err := s.certs.Reload(certFile, keyFile); err != nil {
		s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		return
	}
	s.logger.Info("TLS certificates reloaded", "cert", certFile)
}

func (s *Server) shutdown() error {
	s.health.SetNotReady()

	drainTimeout := config.MustParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}

	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("search server shutdown error", "error", err)
	}

	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}

	s.limiter.Close()

	if s.snapshotRedis != nil {
		if err := s.snapshotRedis.Close(); err != nil {
			s.logger.Error("snapshot redis close error", "error", err)
		}
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}
