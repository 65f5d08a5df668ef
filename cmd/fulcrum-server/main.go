// Package main is the entry point for the fulcrum-server binary: the
// control-plane side of one backend game server.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Connect to Redis (message bus + shared KV store)
//  4. Detect server type from the heap budget, load the role tag
//  5. Open the player-data backends (SQL + JSON documents)
//  6. Start the storage manager (dirty tracking + scheduled flushes)
//  7. Start the lifecycle agent (registration, heartbeats, evacuation)
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	// Database drivers: modernc registers "sqlite", pgx stdlib registers "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/agent"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/dirty"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/jsonbackend"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/schema"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/data/sqlbackend"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	redisAddr       string
	address         string
	port            int
	dataDir         string
	dbDriver        string
	dbDSN           string
	docCollections  string
	persistInterval time.Duration
	metricsAddr     string
	logLevel        string
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
		Use:   "fulcrum-server",
		Short: "Fulcrum server — game-server lifecycle agent and data layer",
		Long: `Fulcrum server runs alongside one backend game server. It registers the
server with the central registry, publishes heartbeats, answers evacuation
requests, and persists player data through the pluggable backend layer.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("FULCRUM_REDIS_ADDR", "localhost:6379"), "Redis address for the message bus and KV store")
	root.PersistentFlags().StringVar(&cfg.address, "address", envOrDefault("FULCRUM_ADDRESS", "127.0.0.1"), "Address advertised to the fleet")
	root.PersistentFlags().IntVar(&cfg.port, "port", envIntOrDefault("FULCRUM_PORT", 25565), "Port advertised to the fleet")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("FULCRUM_DATA_DIR", "./data"), "Directory for server data (ENVIRONMENT file, JSON documents)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FULCRUM_DB_DRIVER", "sqlite"), "Player-data driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FULCRUM_DB_DSN", "./playerdata.db"), "Player-data DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.docCollections, "doc-collections", envOrDefault("FULCRUM_DOC_COLLECTIONS", ""), "Comma-separated schema keys stored as JSON documents instead of SQL")
	root.PersistentFlags().DurationVar(&cfg.persistInterval, "persist-interval", envDurationOrDefault("FULCRUM_PERSIST_INTERVAL", 5*time.Minute), "Scheduled flush interval for dirty player data")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("FULCRUM_METRICS_ADDR", ":9102"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FULCRUM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fulcrum-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// idleEngine is the game-state source until a game engine embeds this
// process. It reports a healthy tick rate and no players.
type idleEngine struct{}

func (idleEngine) TPS() float64 { return 20 }

func (idleEngine) PlayerCount() int { return 0 }

func (idleEngine) Players() []agent.Player { return nil }

func (idleEngine) AvailablePools() []string { return nil }

func (idleEngine) Disconnect(playerID, reason string) {}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fulcrum server",
		zap.String("version", version),
		zap.String("redis_addr", cfg.redisAddr),
		zap.String("address", cfg.address),
		zap.Int("port", cfg.port),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.redisAddr, err)
	}

	role := identity.LoadRole(cfg.dataDir, logger)
	serverType := identity.DetectServerType(identity.HeapBudget(logger))
	ident := identity.New(serverType, role, cfg.address, cfg.port)
	logger.Info("identity built",
		zap.String("temp_id", ident.ServerID()),
		zap.String("role", role),
		zap.String("server_type", string(serverType)),
	)

	bus, err := msgbus.New(client, ident, protocol.ResponseChannel, logger)
	if err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	defer bus.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	sqlDB, dialect, err := openPlayerDB(cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sqlBackend := sqlbackend.New(sqlDB, dialect, logger)
	docBackend, err := jsonbackend.New(filepath.Join(cfg.dataDir, "documents"), jsonbackend.DefaultCacheSize, logger)
	if err != nil {
		return fmt.Errorf("failed to open document backend: %w", err)
	}

	router := data.NewRouter(sqlBackend)
	for _, key := range strings.Split(cfg.docCollections, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		router.Pin(key, docBackend)
		logger.Info("collection pinned to document backend", zap.String("schema", key))
	}

	// The embedding engine registers its schemas here at startup.
	schemas := schema.NewRegistry()

	dirtyMgr := dirty.NewManager(schemas, router, m, logger)
	storage := dirty.NewStorageManager(dirty.StorageConfig{
		DirtyTracking:   true,
		TimeBased:       true,
		EventBased:      true,
		PersistInterval: cfg.persistInterval,
	}, dirtyMgr, router, logger)
	if err := storage.Start(ctx); err != nil {
		return fmt.Errorf("failed to start storage manager: %w", err)
	}

	lifecycle := agent.New(bus, ident, idleEngine{}, idleEngine{}, logger)
	if err := lifecycle.Run(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle agent: %w", err)
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
	logger.Info("shutting down fulcrum server")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	lifecycle.Shutdown(shutdownCtx)
	if err := storage.Stop(shutdownCtx); err != nil {
		logger.Warn("final player-data flush incomplete", zap.Error(err))
	}
	return nil
}

// openPlayerDB opens the relational player-data store for the configured
// driver.
func openPlayerDB(cfg *config) (*sql.DB, sqlbackend.Dialect, error) {
	switch cfg.dbDriver {
	case "sqlite", "":
		db, err := sql.Open("sqlite", cfg.dbDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite player store: %w", err)
		}
		// SQLite supports only one writer at a time.
		db.SetMaxOpenConns(1)
		return db, sqlbackend.SQLiteDialect{}, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.dbDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres player store: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, sqlbackend.PostgresDialect{}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported db driver %q, use \"sqlite\" or \"postgres\"", cfg.dbDriver)
	}
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

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
