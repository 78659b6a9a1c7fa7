/*
main.go - Application entry point

PURPOSE:
  Starts the policy lifecycle engine: admin HTTP API, metrics endpoint and
  the recurring cleanup run.

STARTUP SEQUENCE:
  1. Load configuration (file, POLICY_* environment, defaults)
  2. Build the logger
  3. Open the store (memory, sqlite or postgres)
  4. Connect Redis when enabled (batch notifications + cross-process run lock)
  5. Wire coordinator, recorder, scheduler and auditor
  6. Start the cleanup ticker and the HTTP server

COMMAND-LINE FLAGS:
  -config  Path to a YAML/JSON/TOML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the cleanup ticker (cancels and waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the store

EXAMPLES:
  ./server -config=./policy.yaml
  POLICY_STORE_DRIVER=memory ./server
  POLICY_STORE_DRIVER=postgres POLICY_STORE_DSN=postgres://... ./server
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/policy-engine/api"
	"github.com/warp/policy-engine/audit"
	"github.com/warp/policy-engine/cleanup"
	"github.com/warp/policy-engine/config"
	"github.com/warp/policy-engine/conversion"
	"github.com/warp/policy-engine/logger"
	"github.com/warp/policy-engine/metrics"
	"github.com/warp/policy-engine/notify"
	"github.com/warp/policy-engine/policy"
	"github.com/warp/policy-engine/policy/store"
	"github.com/warp/policy-engine/store/docdb"
	"github.com/warp/policy-engine/usage"
)

func main() {
	configPath := flag.String("config", "", "config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(logger.Config{Env: cfg.App.Env, Level: cfg.Log.Level})

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	st, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore.Close()
	log.Info().Str("driver", cfg.Store.Driver).Msg("store opened")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var (
		notifier notify.Notifier = notify.NewLogNotifier(logger.Component(log, "notify"))
		guard    cleanup.Guard   = cleanup.NewLocalGuard()
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		notifier = notify.Multi{notifier, notify.NewRedisNotifier(rdb, cfg.Redis.Channel)}
		guard = cleanup.NewRedisGuard(rdb, cfg.Redis.LockTTL)
		log.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("redis enabled")
	}

	coordinator := conversion.NewCoordinator(st,
		conversion.WithLogger(logger.Component(log, "conversion")),
		conversion.WithMetrics(m),
		conversion.WithNotifier(notifier),
		conversion.WithTxTimeout(cfg.Conversion.TxTimeout),
	)
	recorder := usage.NewRecorder(st,
		usage.WithLogger(logger.Component(log, "usage")),
		usage.WithMetrics(m),
		usage.WithTxTimeout(cfg.Conversion.TxTimeout),
	)
	scheduler := cleanup.NewScheduler(st,
		cleanup.WithConverter(coordinator),
		cleanup.WithGuard(guard),
		cleanup.WithNotifier(notifier),
		cleanup.WithMetrics(m),
		cleanup.WithLogger(logger.Component(log, "cleanup")),
		cleanup.WithConfig(cleanup.Config{
			BatchSize:   cfg.Cleanup.BatchSize,
			Retention:   cfg.Cleanup.Retention,
			Concurrency: cfg.Cleanup.Concurrency,
			TxTimeout:   cfg.Cleanup.TxTimeout,
		}),
	)
	auditor := audit.NewAuditor(st,
		audit.WithLogger(logger.Component(log, "audit")),
		audit.WithMetrics(m),
		audit.WithNotifier(notifier),
		audit.WithBatchSize(cfg.Cleanup.BatchSize),
		audit.WithTxTimeout(cfg.Cleanup.TxTimeout),
	)

	handler := api.NewHandler(api.Deps{
		Store:       st,
		Coordinator: coordinator,
		Recorder:    recorder,
		Scheduler:   scheduler,
		Auditor:     auditor,
		Logger:      logger.Component(log, "http"),
	})
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, reg, cfg.HTTP.AllowedOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // admin cleanup and audit runs are synchronous
		IdleTimeout:  60 * time.Second,
	}

	ticker := api.NewCleanupTicker(scheduler, cfg.Cleanup.Interval, logger.Component(log, "ticker"))
	if cfg.Cleanup.Enabled {
		ticker.Start()
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		ticker.Stop()
		return fmt.Errorf("http server: %w", err)
	}

	ticker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// openStore returns the configured store and the closer to release it.
func openStore(cfg config.StoreConfig) (policy.TxStore, io.Closer, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), closerFunc(func() error { return nil }), nil
	case config.DriverSQLite:
		if cfg.DSN != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		db, err := docdb.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
		}
		return db, db, nil
	case config.DriverPostgres:
		db, err := docdb.OpenPostgres(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, db, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
