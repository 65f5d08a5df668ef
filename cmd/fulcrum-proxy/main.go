// Package main is the entry point for the fulcrum-proxy binary: the
// proxy-tier control-plane process hosting the party coordinator and the
// reservation service.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Connect to Redis (message bus + shared KV store)
//  4. Build identity and register with the registry via the lifecycle agent
//  5. Start the party coordinator and its maintenance sweep
//  6. Start the reservation service and its bus front
//  7. Announce the proxy periodically, serve Prometheus metrics
//  8. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/haroldDOTsh/fulcrum-sub002/internal/agent"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/identity"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/kv"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/metrics"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/msgbus"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/party"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/protocol"
	"github.com/haroldDOTsh/fulcrum-sub002/internal/reservation"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// announceInterval is the cadence of proxy discovery broadcasts.
const announceInterval = 10 * time.Second

type config struct {
	redisAddr    string
	address      string
	port         int
	variantsFile string
	metricsAddr  string
	logLevel     string
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
		Use:   "fulcrum-proxy",
		Short: "Fulcrum proxy — party coordinator and reservation service",
		Long: `Fulcrum proxy is the proxy-tier control-plane process. It owns party
state in the shared KV store, broadcasts party updates on the bus, and
holds game-slot reservations for whole parties.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("FULCRUM_REDIS_ADDR", "localhost:6379"), "Redis address for the message bus and KV store")
	root.PersistentFlags().StringVar(&cfg.address, "address", envOrDefault("FULCRUM_ADDRESS", "127.0.0.1"), "Address advertised to the fleet")
	root.PersistentFlags().IntVar(&cfg.port, "port", envIntOrDefault("FULCRUM_PORT", 25577), "Port advertised to the fleet")
	root.PersistentFlags().StringVar(&cfg.variantsFile, "variants-file", envOrDefault("FULCRUM_VARIANTS_FILE", ""), "JSON file with per-variant capacity rules (empty = permissive defaults)")
	root.PersistentFlags().StringVar(&cfg.metricsAddr, "metrics-addr", envOrDefault("FULCRUM_METRICS_ADDR", ":9101"), "Prometheus metrics listen address")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FULCRUM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fulcrum-proxy %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// proxyState reports transport-tier stats for heartbeats. Player counts come
// from the proxy frontend; the control plane alone carries none.
type proxyState struct{}

func (proxyState) TPS() float64 { return 20 }

func (proxyState) PlayerCount() int { return 0 }

func (proxyState) Players() []agent.Player { return nil }

func (proxyState) AvailablePools() []string { return nil }

func (proxyState) Disconnect(playerID, reason string) {}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting fulcrum proxy",
		zap.String("version", version),
		zap.String("redis_addr", cfg.redisAddr),
		zap.String("address", cfg.address),
		zap.Int("port", cfg.port),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable at %s: %w", cfg.redisAddr, err)
	}

	ident := identity.New(identity.TypeProxy, "proxy", cfg.address, cfg.port)
	bus, err := msgbus.New(client, ident, protocol.ResponseChannel, logger)
	if err != nil {
		return fmt.Errorf("failed to start message bus: %w", err)
	}
	defer bus.Close()

	store := kv.NewRedisStore(client)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	coord := party.NewCoordinator(store, bus, m, logger)
	cron, err := coord.StartMaintenance(ctx)
	if err != nil {
		return fmt.Errorf("failed to start party maintenance: %w", err)
	}

	variants, err := loadVariants(cfg.variantsFile, logger)
	if err != nil {
		return err
	}
	resv := reservation.New(store, coord, variants, bus, logger)
	if err := reservation.NewHandler(resv, bus, logger).Run(); err != nil {
		return fmt.Errorf("failed to start reservation handler: %w", err)
	}

	lifecycle := agent.New(bus, ident, proxyState{}, proxyState{}, logger)
	if err := lifecycle.Run(ctx); err != nil {
		return fmt.Errorf("failed to start lifecycle agent: %w", err)
	}

	go announceLoop(ctx, bus, ident, logger)

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
	logger.Info("shutting down fulcrum proxy")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
	if err := cron.Shutdown(); err != nil {
		logger.Warn("maintenance shutdown failed", zap.Error(err))
	}
	lifecycle.Shutdown(shutdownCtx)
	return nil
}

// announceLoop broadcasts proxy discovery announcements so booting servers
// can bind to this proxy before the registry tells them to.
func announceLoop(ctx context.Context, bus *msgbus.Bus, ident *identity.Identity, logger *zap.Logger) {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := protocol.ProxyAnnouncementMessage{
				ProxyID:  ident.ServerID(),
				Address:  fmt.Sprintf("%s:%d", ident.Address(), ident.Port()),
				Capacity: ident.SoftCap(),
				HardCap:  ident.HardCap(),
			}
			if err := bus.Broadcast(ctx, protocol.ChannelProxyAnnouncement, protocol.TypeProxyAnnouncement, msg); err != nil {
				logger.Warn("proxy announcement failed", zap.Error(err))
			}
		}
	}
}

// variantConfig mirrors the on-disk JSON shape:
//
//	{"duels:1v1": {"maxPartySize": 2, "maxTeamSize": 1, "teamCount": 2}}
type variantConfig struct {
	MaxPartySize int `json:"maxPartySize"`
	MaxTeamSize  int `json:"maxTeamSize"`
	TeamCount    int `json:"teamCount"`
}

// fileVariants resolves "family:variant" first, then the bare family.
type fileVariants map[string]reservation.FamilyVariantInfo

func (v fileVariants) VariantInfo(family, variant string) (reservation.FamilyVariantInfo, bool) {
	if info, ok := v[family+":"+variant]; ok {
		return info, true
	}
	info, ok := v[family]
	return info, ok
}

func loadVariants(path string, logger *zap.Logger) (reservation.VariantProvider, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read variants file %s: %w", path, err)
	}
	var cfgs map[string]variantConfig
	if err := json.Unmarshal(raw, &cfgs); err != nil {
		return nil, fmt.Errorf("failed to parse variants file %s: %w", path, err)
	}
	out := make(fileVariants, len(cfgs))
	for key, c := range cfgs {
		out[key] = reservation.FamilyVariantInfo{
			MaxPartySize: c.MaxPartySize,
			MaxTeamSize:  c.MaxTeamSize,
			TeamCount:    c.TeamCount,
		}
	}
	logger.Info("variant config loaded",
		zap.Int("variants", len(out)),
		zap.String("path", path),
	)
	return out, nil
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
