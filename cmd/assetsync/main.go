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
	"strings"
	"syscall"
	"time"

	"github.com/odvcencio/assetsync/internal/api"
	"github.com/odvcencio/assetsync/internal/config"
	"github.com/odvcencio/assetsync/internal/database"
	"github.com/odvcencio/assetsync/internal/jobs"
	"github.com/odvcencio/assetsync/internal/models"
	"github.com/odvcencio/assetsync/internal/platformclient"
	"github.com/odvcencio/assetsync/internal/service"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: assetsync <command>\n\nCommands:\n  serve    Start the webhook receiver and workers\n  migrate  Run database migrations\n  sweep    Requeue stuck processing rows once\n")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "sweep":
		cmdSweep(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func cmdServe(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateServe(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	traceShutdown, err := initTracing(context.Background())
	if err != nil {
		slog.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := traceShutdown(ctx); err != nil {
			slog.Error("shutdown tracing", "error", err)
		}
	}()

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Auto-migrate on startup
	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}

	app := buildApp(db, cfg, prometheus.DefaultRegisterer, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pools := app.pools(cfg)
	for _, pool := range pools {
		if err := pool.Start(ctx); err != nil {
			slog.Error("start workers", "error", err)
			os.Exit(1)
		}
	}

	server := api.NewServerWithOptions(db, app.webhooks, app.queue, app.execLog, api.ServerOptions{
		EnableAdminHealth:   cfg.Server.EnableAdminHealth,
		EnablePprof:         cfg.Server.EnablePprof,
		AdminAllowedCIDRs:   cfg.Server.AdminAllowedCIDRs,
		TrustedProxyCIDRs:   trustedProxyCIDRs(cfg),
		MaxWebhookBodyBytes: cfg.Webhooks.MaxBodyBytes,
	})
	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("assetsync listening", "addr", cfg.Addr())
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown http server", "error", err)
	}
	for _, pool := range pools {
		if err := pool.Stop(shutdownCtx); err != nil {
			slog.Error("stop workers", "error", err)
		}
	}
}

func cmdMigrate(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(context.Background()); err != nil {
		slog.Error("migrate", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations complete")
}

func cmdSweep(args []string) {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	timeout := fs.Duration("timeout", 0, "requeue rows processing longer than this (default queue.stuck_timeout)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDB(cfg)
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stuck := *timeout
	if stuck <= 0 {
		stuck = config.Duration(cfg.Queue.StuckTimeout, 15*time.Minute)
	}
	report, err := jobs.NewSweeper(db, jobs.SweeperOptions{Timeout: stuck}).Sweep(context.Background())
	if err != nil {
		slog.Error("sweep", "error", err)
		os.Exit(1)
	}
	slog.Info("sweep complete",
		"requests_requeued", report.Requests.Requeued, "requests_failed", report.Requests.Failed,
		"webhooks_requeued", report.Webhooks.Requeued, "webhooks_failed", report.Webhooks.Failed)
}

// app holds the wired services behind the serve command.
type app struct {
	queue    *jobs.Queue
	execLog  *service.ExecutionLog
	executor *service.BatchExecutor
	webhooks *service.WebhookPipeline
	sweeper  *jobs.Sweeper
	clients  map[models.Platform]service.PlatformClient
	logger   *slog.Logger
}

func buildApp(db database.DB, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) *app {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := service.NewMetrics(reg)
	opts := service.Options{Logger: logger}

	queue := jobs.NewQueue(db, jobs.QueueOptions{
		MaxAttempts:     cfg.Queue.MaxAttempts,
		DefaultPriority: cfg.Queue.DefaultPriority,
		Logger:          logger,
	})
	assets := service.NewAssetRegistry(db, opts)
	access := service.NewAccessLedger(db, assets, opts)
	graph := service.NewRelationshipGraph(db, opts)
	execLog := service.NewExecutionLog(db, opts)

	clients := clientsFromConfig(cfg.Platforms, logger)
	executor := service.NewBatchExecutor(queue, execLog, clients, service.ExecutorOptions{
		Profiles:           profilesFromConfig(cfg.Platforms),
		Metrics:            metrics,
		Sink:               &service.AssetResultSink{Assets: assets, Access: access, Graph: graph, Logger: logger},
		BreakerFailures:    uint32(max(cfg.Queue.BreakerFailures, 0)),
		BreakerTimeout:     config.Duration(cfg.Queue.BreakerTimeout, 0),
		MaxRateWait:        config.Duration(cfg.Queue.MaxRateWait, 0),
		HoldPartialBatches: cfg.Queue.HoldPartialBatches,
		Logger:             logger,
	})

	webhooks := service.NewWebhookPipeline(db, service.WebhookOptions{
		MaxAttempts: cfg.Webhooks.MaxAttempts,
		Secrets:     secretsFromConfig(cfg.Webhooks.Secrets),
		DefaultHandler: &service.AssetSyncHandler{
			Assets:   assets,
			Access:   access,
			Queue:    queue,
			FreshFor: config.Duration(cfg.Webhooks.FreshFor, time.Hour),
			Metrics:  metrics,
		},
		Metrics: metrics,
		Logger:  logger,
	})

	sweeper := jobs.NewSweeper(db, jobs.SweeperOptions{
		Timeout:  config.Duration(cfg.Queue.StuckTimeout, 0),
		Interval: config.Duration(cfg.Queue.SweepInterval, 0),
		Logger:   logger,
	})

	return &app{
		queue:    queue,
		execLog:  execLog,
		executor: executor,
		webhooks: webhooks,
		sweeper:  sweeper,
		clients:  clients,
		logger:   logger,
	}
}

func (a *app) pools(cfg *config.Config) []*jobs.WorkerPool {
	pools := []*jobs.WorkerPool{
		a.webhooks.Pool(cfg.Webhooks.Workers, config.Duration(cfg.Webhooks.PollInterval, time.Second)),
		a.sweeper.Pool(),
	}
	if len(a.clients) == 0 {
		a.logger.Warn("no platform client_url configured; queued requests will wait")
		return pools
	}
	return append(pools, a.executor.Pool(cfg.Queue.Workers, config.Duration(cfg.Queue.PollInterval, time.Second)))
}

func profilesFromConfig(platforms map[string]config.PlatformConfig) service.Profiles {
	profiles := make(service.Profiles, len(platforms))
	for name, p := range platforms {
		profiles[models.NormalizePlatform(name)] = service.BatchProfile{
			MaxBatchSize:    p.MaxBatchSize,
			BatchType:       p.BatchType,
			FlushInterval:   config.Duration(p.FlushInterval, 0),
			RequestsPerHour: p.RequestsPerHour,
			Burst:           p.Burst,
		}
	}
	return profiles
}

// clientsFromConfig builds a forwarding client for every platform with a
// client_url.
func clientsFromConfig(platforms map[string]config.PlatformConfig, logger *slog.Logger) map[models.Platform]service.PlatformClient {
	clients := make(map[models.Platform]service.PlatformClient)
	for name, p := range platforms {
		if strings.TrimSpace(p.ClientURL) == "" {
			continue
		}
		platform := models.NormalizePlatform(name)
		client, err := platformclient.New(p.ClientURL, platformclient.Options{
			Timeout: config.Duration(p.ClientTimeout, 0),
			Token:   p.ClientToken,
		})
		if err != nil {
			logger.Error("skip platform client", "platform", platform, "error", err)
			continue
		}
		clients[platform] = client
	}
	return clients
}

func secretsFromConfig(secrets map[string]string) map[models.Platform]string {
	out := make(map[models.Platform]string, len(secrets))
	for name, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			out[models.NormalizePlatform(name)] = secret
		}
	}
	return out
}

// trustedProxyCIDRs returns the configured proxy list, or every address when
// ASSETSYNC_TRUST_PROXY is set without one.
func trustedProxyCIDRs(cfg *config.Config) []string {
	if len(cfg.Server.TrustedProxies) > 0 {
		return cfg.Server.TrustedProxies
	}
	if envBool("ASSETSYNC_TRUST_PROXY") {
		return []string{"0.0.0.0/0", "::/0"}
	}
	return nil
}

func openDB(cfg *config.Config) (database.DB, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return database.OpenSQLite(cfg.Database.DSN)
	case "postgres":
		return database.OpenPostgres(cfg.Database.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Database.Driver)
	}
}
