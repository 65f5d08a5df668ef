// Package main is the entry point for the fulcrum-registry binary: the
// authoritative server registry for the fleet.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Connect to Redis (message bus)
//  4. Open the persistent store and apply migrations
//  5. Start the registry service (prime from store, subscribe, crash sweep)
//  6. Serve Prometheus metrics
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	redisAddr   string
	dbDriver    string
	dbDSN       string
	metricsAddr string
	logLevel    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "fulcrum-registry",
		Short: "Fulcrum registry — authoritative server registry for the fleet",
		Long: `Fulcrum registry assigns permanent server ids, tracks liveness from
heartbeats, detects crashed servers, and asks the fleet to re-register
after a restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("FULCRUM_REDIS_ADDR", "localhost:6379"), "Redis address for the message bus")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FULCRUM_DB_DRIVER", "sqlite"), "Registry store driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FULCRUM_DB_DSN", "./fulcrum-registry.db"), "Registry store DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("FULCRUM_METRICS_ADDR", ":9100"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FULCRUM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fulcrum-registry %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// registryIdentity is the fixed bus identity of the registry process. The
// registry never registers with itself, so it carries no temporary id.
type registryIdentity struct{}

func (registryIdentity) ServerID() string { return "fulcrum-registry" }

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fulcrum registry",
		zap.String("version", version),
		zap.String("redis_addr", cfg.redisAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.redisAddr, err)
	}

	bus, err := msgbus.New(client, registryIdentity{}, protocol.ResponseChannel, logger)
	if err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	defer bus.Close()

	store, err := registry.NewStore(registry.StoreConfig{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	svc := registry.New(bus, store, m, logger)
	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("failed to start registry: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.metricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down fulcrum registry")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := svc.Stop(); err != nil {
		logger.Warn("registry stop failed", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
