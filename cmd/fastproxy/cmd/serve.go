package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fastproxy/fastproxy/internal/adapter/inbound/admin"
	"github.com/fastproxy/fastproxy/internal/adapter/inbound/httpsrv"
	"github.com/fastproxy/fastproxy/internal/adapter/inbound/proxy"
	"github.com/fastproxy/fastproxy/internal/adapter/outbound/sqlite"
	"github.com/fastproxy/fastproxy/internal/config"
	"github.com/fastproxy/fastproxy/internal/domain/auth"
	"github.com/fastproxy/fastproxy/internal/domain/ratelimit"
	"github.com/fastproxy/fastproxy/internal/domain/route"
	"github.com/fastproxy/fastproxy/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	Long: `Start the FastProxy listeners.

The route table and policies come from the config file; credentials,
listen addresses, and the audit database path come from the process
environment.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// ctx cancels on SIGINT/SIGTERM; stop() restores default handling so a
	// second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	if err := run(ctx, cfg, env, logger); err != nil {
		return err
	}
	logger.Info("fastproxy stopped")
	return nil
}

// run wires all components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, env *config.Env, logger *slog.Logger) error {
	credentials, err := auth.NewCredentials(env.AdminUsername, env.AdminPassword)
	if err != nil {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set: %w", err)
	}
	issuer, err := auth.NewTokenIssuer(env.TokenSigningKey)
	if err != nil {
		return fmt.Errorf("TOKEN_SIGNING_KEY must be set: %w", err)
	}

	validator, err := proxy.NewValidator(cfg.SSRF.DenyCIDRs, cfg.SSRF.DenyHostnames)
	if err != nil {
		return fmt.Errorf("ssrf deny-set: %w", err)
	}

	// The route table must validate clean before any listener opens.
	snapshot, err := service.BuildSnapshot(ctx, cfg, validator)
	if err != nil {
		return err
	}
	table := route.NewTable(snapshot)
	logger.Info("route table installed", "routes", snapshot.Len())

	db, err := sqlite.Open(env.AuditPath)
	if err != nil {
		return fmt.Errorf("open audit database: %w", err)
	}
	keyStore := sqlite.NewKeyStore(db)

	auditService := service.NewAuditService(sqlite.NewAuditStore(db), logger,
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.AuditFlushInterval()),
	)
	auditService.Start()
	defer func() {
		if err := auditService.Stop(); err != nil {
			logger.Warn("audit shutdown incomplete", "error", err)
		}
	}()

	limiter := ratelimit.NewLimiter(ratelimit.DefaultWindow, ratelimit.DefaultMaxKeys)
	adminLimiter := ratelimit.NewAdminLimiter(
		cfg.AdminRateLimit.AttemptsPerWindow, cfg.AdminWindow(), cfg.AdminBlock())

	forwarderOpts := proxy.ForwarderOptions{
		Timeout:              cfg.ForwardTimeout(),
		ConnectTimeout:       cfg.ConnectTimeout(),
		MaxRedirects:         cfg.Forwarder.MaxRedirects,
		MaxConcurrentPerHost: cfg.Forwarder.MaxConcurrentPerHost,
	}
	if cfg.Forwarder.PinUpstreamIPs {
		forwarderOpts.DialContext = validator.SafeDialContext(cfg.ConnectTimeout())
	}
	forwarder := proxy.NewForwarder(forwarderOpts, logger)
	defer forwarder.CloseIdleConnections()

	registry := prometheus.NewRegistry()
	metrics := httpsrv.NewMetrics(registry,
		func() float64 { return float64(auditService.DroppedEvents()) },
		func() float64 { return float64(limiter.TrackedIPs()) },
	)

	dataPlane := httpsrv.RecorderMiddleware(auditService, metrics,
		proxy.NewHandler(table, limiter, forwarder, logger))

	reloadService := service.NewReloadService(table, validator, cfg, logger)

	controlPlane := admin.NewHandler(
		admin.WithCredentials(credentials),
		admin.WithTokenIssuer(issuer),
		admin.WithKeyStore(keyStore),
		admin.WithAuditService(auditService),
		admin.WithReloadService(reloadService),
		admin.WithRouteTable(table),
		admin.WithRateLimiter(limiter),
		admin.WithAdminRateLimiter(adminLimiter),
		admin.WithBuildInfo(&admin.BuildInfo{Version: Version, Commit: Commit}),
		admin.WithLogger(logger),
	).Routes()

	mux := httpsrv.NewMux(httpsrv.MuxParts{
		DataPlane:    dataPlane,
		ControlPlane: controlPlane,
		Health:       httpsrv.NewHealthChecker(table, auditService, Version).Handler(),
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	if cfg.Server.WatchConfig {
		if configFile := config.ConfigFileUsed(); configFile != "" {
			watcher, err := config.NewWatcher(configFile, func() {
				if _, err := reloadService.Reload(context.Background()); err != nil {
					logger.Error("automatic reload failed", "error", err)
				}
			}, logger)
			if err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}
			if err := watcher.Start(); err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}
			defer watcher.Stop() //nolint:errcheck
		} else {
			logger.Warn("watch_config set but no config file in use")
		}
	}

	server := httpsrv.NewServer(mux, httpsrv.Options{
		ListenAddr:    env.ListenAddr,
		HTTPPort:      env.HTTPPort,
		HTTPSPort:     env.HTTPSPort,
		TLSCert:       env.TLSCert,
		TLSKey:        env.TLSKey,
		ShutdownGrace: cfg.ShutdownGrace(),
	}, logger, limiter.Sweep, adminLimiter.Sweep)

	return server.Run(ctx)
}

// parseLogLevel converts a config log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
