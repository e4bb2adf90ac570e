// Package main provides the entry point for the ThreatPulse server.
// It syncs security events from Elasticsearch into the relational store,
// correlates them with network nodes, materializes alerts and serves the
// operator API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpulse/internal/alerting"
	"github.com/lvonguyen/threatpulse/internal/api"
	"github.com/lvonguyen/threatpulse/internal/api/gateway"
	"github.com/lvonguyen/threatpulse/internal/config"
	"github.com/lvonguyen/threatpulse/internal/mitre"
	"github.com/lvonguyen/threatpulse/internal/observability"
	"github.com/lvonguyen/threatpulse/internal/repository"
	"github.com/lvonguyen/threatpulse/internal/retention"
	"github.com/lvonguyen/threatpulse/internal/scheduler"
	"github.com/lvonguyen/threatpulse/internal/severity"
	"github.com/lvonguyen/threatpulse/internal/syncstate"
	"github.com/lvonguyen/threatpulse/internal/telemetry"
	"github.com/lvonguyen/threatpulse/internal/telemetry/ingestion"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatPulse %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "threatpulse: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.Telemetry.ServiceVersion = Version

	tel, err := observability.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	logger := tel.Logger()
	metrics := tel.Metrics()

	logger.Info("Starting ThreatPulse",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.Strings("features", cfg.EnabledFeatures()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	es, err := ingestion.NewElasticStore(cfg.Elasticsearch, logger)
	if err != nil {
		return err
	}

	pipeline := telemetry.NewPipeline(es, repo, telemetry.Config{
		Sync:        cfg.Sync,
		Correlation: cfg.Correlation.CorrelatorConfig,
		LinkOnSync:  cfg.Correlation.OnSync,
	}, metrics, logger)

	ready := map[string]api.Check{
		"database":      repo.Ping,
		"elasticsearch": pipeline.HealthCheck,
	}

	var (
		rdb     *redis.Client
		cache   severity.Cache
		locker  scheduler.Locker
		limiter *gateway.RateLimiter
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password(),
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}

		cache = severity.NewRedisCache(rdb, "")
		if cfg.Scheduler.DistributedLock {
			locker = scheduler.NewRedisLocker(rdb, cfg.Scheduler.LockExpiry)
		}
		if cfg.RateLimit.Enabled {
			limiter = gateway.NewRateLimiter(gateway.NewRedisCounter(rdb), cfg.RateLimit, logger)
		}
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	kafkaPub, err := alerting.NewPublisher(cfg.Alerting.Kafka, logger)
	if err != nil {
		return err
	}
	publishers := []alerting.Publisher{kafkaPub}
	if cfg.Alerting.HEC.Enabled {
		hec, err := alerting.NewHECPublisher(cfg.Alerting.HEC, logger)
		if err != nil {
			return err
		}
		publishers = append(publishers, hec)
		ready["splunk_hec"] = hec.HealthCheck
	}
	publisher := alerting.Fanout(publishers...)
	defer publisher.Close()

	alertCursor := syncstate.New(repo, repository.SyncTypeAlert)
	materializer := alerting.NewMaterializer(repo, alertCursor, publisher, cfg.Alerting.Config, metrics, logger,
		alerting.WithCeiling(pipeline.Cursor))
	cleaner := retention.NewCleaner(repo, cfg.Retention, metrics, logger)
	severityEngine := severity.NewEngine(repo, cache, cfg.Severity, logger)

	sched, err := scheduler.New(cfg.Scheduler, scheduler.Jobs{
		Sync:        pipeline,
		Alerts:      materializer,
		Cleanup:     cleaner,
		Correlation: pipeline.Correlator,
	}, locker, metrics, logger)
	if err != nil {
		return err
	}

	srv := api.NewServer(api.Deps{
		Scheduler: sched,
		Severity:  severityEngine,
		Alerts:    materializer,
		Nodes:     pipeline.Correlator,
		Tactics:   mitre.NewAnalyzer(repo, logger),
		Cursors:   []api.CursorReader{pipeline.Cursor, alertCursor},
		Ready:     ready,
		Limiter:   limiter,
		Metrics:   tel.MetricsHandler(),
	}, Version, metrics, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  2 * cfg.Server.ReadTimeout,
	}

	tel.StartSystemMetricsCollector(ctx)
	sched.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown error", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("Scheduler did not stop cleanly", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown error", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}
