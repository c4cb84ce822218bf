package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/webphone/internal/api"
	"github.com/flowpbx/webphone/internal/api/middleware"
	"github.com/flowpbx/webphone/internal/config"
	"github.com/flowpbx/webphone/internal/engine"
	"github.com/flowpbx/webphone/internal/logging"
	"github.com/flowpbx/webphone/internal/metrics"
	"github.com/flowpbx/webphone/internal/session"
	sipengine "github.com/flowpbx/webphone/internal/sip"
	"github.com/flowpbx/webphone/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	shutdownTimeout = 15 * time.Second
	pruneInterval   = time.Hour
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(runToken(os.Args[2:]))
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger, logCloser := logging.New(cfg.LogOptions(), os.Stdout)
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("webphone failed", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("starting webphone",
		"version", version,
		"http_port", cfg.HTTPPort,
		"sip_port", cfg.SIPPort,
		"data_dir", cfg.DataDir,
		"base_path", cfg.BasePath,
	)

	jwtSecret, err := cfg.JWTSecretBytes()
	if err != nil {
		return err
	}
	if jwtSecret == nil {
		slog.Warn("no jwt secret configured, control api is unauthenticated")
	}

	// Open the call history database and run migrations.
	db, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	history := store.NewHistory(db)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	if cfg.HistoryDays > 0 {
		go pruneHistory(appCtx, history, time.Duration(cfg.HistoryDays)*24*time.Hour, logger)
	}

	provider := session.NewProvider(func() (engine.Engine, error) {
		return sipengine.NewEngine(sipengine.Config{
			UserAgent:  cfg.UserAgent,
			Host:       cfg.SIPHost(),
			MediaIP:    cfg.MediaIP(),
			RTPPortMin: cfg.RTPPortMin,
			RTPPortMax: cfg.RTPPortMax,
			MaxCalls:   cfg.MaxCalls,
			Trace:      sipengine.ParseTraceVerbosity(cfg.SIPTrace),
			Logger:     logger,
		})
	}, managerOptions(cfg, history, logger))

	client, err := session.NewClient(provider)
	if err != nil {
		return fmt.Errorf("starting sip engine: %w", err)
	}
	defer client.Close()

	manager := client.Manager()
	slog.Info("sip engine ready",
		"tls_capable", manager.TLSEnabled(),
		"max_calls", manager.Engine().MaxCalls(),
		"media_ip", cfg.MediaIP(),
	)

	// Metrics registry with the webphone collector and runtime collectors.
	reg := prometheus.NewRegistry()
	var rtp metrics.RTPStatsProvider
	if p, ok := manager.Engine().(metrics.RTPStatsProvider); ok {
		rtp = p
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(manager.Engine(), accountStatuses(client), history, rtp, time.Now(), logger),
	)

	// HTTP server using the api package.
	handler := api.NewServer(client, history, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), api.Config{
		Version:     version,
		JWTSecret:   jwtSecret,
		CORSOrigins: middleware.ParseCORSOrigins(cfg.CORSOrigins),
	}, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	// Event streams never go idle on their own.
	srv.RegisterOnShutdown(handler.Close)

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case serveErr = <-errCh:
		slog.Error("http server error", "error", serveErr)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("shutting down servers")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	handler.Close()
	client.Close()

	slog.Info("webphone stopped")
	return serveErr
}

// managerOptions maps the config onto the session manager's transports
// and assets.
func managerOptions(cfg *config.Config, recorder session.Recorder, logger *slog.Logger) session.Options {
	opts := session.Options{
		BasePath:   cfg.BasePath,
		EnableICE:  cfg.EnableICE,
		STUNServer: cfg.STUNServer,
		UDP:        engine.TransportConfig{Port: cfg.SIPPort},
		Recorder:   recorder,
		Logger:     logger,
	}
	if cfg.TLSEnabled() {
		opts.TLS = engine.TransportConfig{
			Port:     cfg.SIPTLSPort,
			CertFile: cfg.TLSCert,
			KeyFile:  cfg.TLSKey,
		}
	} else {
		slog.Info("no tls certificate configured, sip tls transport disabled")
	}
	return opts
}

// accountStatuses exposes the registration state of the API's accounts to
// the metrics collector.
func accountStatuses(client *session.Client) metrics.AccountStatusFunc {
	return func() []metrics.AccountStatusEntry {
		accounts := client.Accounts()
		out := make([]metrics.AccountStatusEntry, len(accounts))
		for i, a := range accounts {
			out[i] = metrics.AccountStatusEntry{
				URI:        a.URI(),
				Status:     a.RegistrationStatus(),
				Registered: a.IsRegistered(),
			}
		}
		return out
	}
}

// pruneHistory deletes call history older than retention once at startup
// and then every pruneInterval until ctx is done.
func pruneHistory(ctx context.Context, h *store.History, retention time.Duration, logger *slog.Logger) {
	prune := func() {
		n, err := h.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("failed to prune call history", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("pruned call history", "deleted", n, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// runToken prints a bearer token for the control API. Configuration flags
// after "--" are passed to the config loader, which also reads the
// environment and ini file.
func runToken(args []string) int {
	fs := flag.NewFlagSet("webphone token", flag.ContinueOnError)
	subject := fs.String("subject", "webphone-client", "token subject, reported as the API client")
	ttl := fs.Duration("ttl", middleware.DefaultTokenTTL, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadArgs(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if secret == nil {
		fmt.Fprintln(os.Stderr, "error: no jwt secret configured (set -jwt-secret or WEBPHONE_JWT_SECRET)")
		return 1
	}

	token, expires, err := middleware.GenerateToken(secret, *subject, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
	return 0
}
