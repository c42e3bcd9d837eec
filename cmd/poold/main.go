// Package main is the entrypoint for poold, the connection pool daemon.
// It loads configuration, builds the configured pools, optionally joins the
// Redis coordinator, serves health and metrics endpoints and shuts everything
// down in order on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joao-brasil/dbpool/internal/config"
	"github.com/joao-brasil/dbpool/internal/coordinator"
	"github.com/joao-brasil/dbpool/internal/driver/memdriver"
	"github.com/joao-brasil/dbpool/internal/driver/sqldriver"
	"github.com/joao-brasil/dbpool/internal/health"
	"github.com/joao-brasil/dbpool/internal/logging"
	"github.com/joao-brasil/dbpool/internal/metrics"
	"github.com/joao-brasil/dbpool/internal/pool"
	"github.com/joao-brasil/dbpool/pkg/target"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type paths struct {
	service string
	pools   string
}

func newRootCommand() *cobra.Command {
	var p paths

	root := &cobra.Command{
		Use:   "poold",
		Short: "Run managed database connection pools",
		Long: `poold keeps a set of database connection pools warm, validates and
recycles their connections, monitors pool health and fails over between
database nodes.

Configuration is split in two YAML files: the service file (ports, logging,
Redis, batch defaults) and the pools file (targets and sizing). Most service
settings can be overridden with DBPOOL_* environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, p)
		},
	}
	root.PersistentFlags().StringVar(&p.service, "config", "configs/service.yaml", "Path to the service configuration file")
	root.PersistentFlags().StringVar(&p.pools, "pools", "configs/pools.yaml", "Path to the pools configuration file")

	root.AddCommand(newValidateCommand(&p))
	return root
}

// newValidateCommand loads the configuration and prints the resolved pools.
func newValidateCommand(p *paths) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and print the resolved pools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(p.service, p.pools)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "instance %s, %d pools\n\n", cfg.Service.InstanceID, len(cfg.Pools))
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDIALECT\tPRIMARY\tMIN\tINITIAL\tMAX\tFAILOVER\tMONITOR")
			for _, e := range cfg.Pools {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%t\t%t\n",
					e.Name, e.Target.Dialect, e.Target.Primary().Addr(),
					e.Pool.MinSize, e.Pool.InitialSize, e.Pool.MaxSize,
					e.Pool.FailoverEnabled, e.Monitor)
			}
			return w.Flush()
		},
	}
}

func run(ctx context.Context, p paths) error {
	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(p.service, p.pools)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("instance_id", cfg.Service.InstanceID))

	logger.Info("starting poold", zap.Int("pools", len(cfg.Pools)))
	for _, e := range cfg.Pools {
		logger.Info("pool configured",
			zap.String("pool", e.Name),
			zap.String("dialect", e.Target.Dialect),
			zap.String("dsn", logging.SanitizeDSN(e.Target.DSN(e.Target.Primary()))),
			zap.Int("max_size", e.Pool.MaxSize),
			zap.Bool("failover", e.Pool.FailoverEnabled))
	}

	opts, err := driverOptions()
	if err != nil {
		return err
	}

	// ─── Redis Coordinator ────────────────────────────────────────────
	var (
		coord *coordinator.Coordinator
		hb    *coordinator.Heartbeat
		probe health.RedisProbe
	)
	if cfg.Redis.Enabled {
		coord, err = coordinator.New(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("initializing redis coordinator: %w", err)
		}
		if coord.IsFallback() {
			logger.Warn("coordinator started in fallback mode, redis unavailable")
		}
		hb = coordinator.NewHeartbeat(coord)
		hb.Start(ctx)
		probe = coord
		opts = append(opts, pool.WithSlotLimiter(coord), pool.WithEventLog(coord.EventLog()))
	} else {
		opts = append(opts, pool.WithEventLog(pool.NewMemoryEventLog(cfg.Redis.EventRetention, 0)))
	}

	// ─── Pools ────────────────────────────────────────────────────────
	mgr := pool.NewManager(logger, opts...)
	if err := mgr.CreatePoolsFromConfig(ctx, cfg); err != nil {
		closeCoordinator(coord, hb, logger)
		return err
	}
	for _, s := range mgr.Statistics() {
		logger.Info("pool ready",
			zap.String("pool", s.Name), zap.String("node", s.Node),
			zap.Int("idle", s.Available), zap.Int("max", s.MaxSize))
	}

	// ─── Metrics and Health Servers ──────────────────────────────────
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Service.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", logging.Err(err))
		}
	}()

	checker := health.NewChecker(mgr, probe, cfg.Service.InstanceID, logger)
	healthServer := checker.Serve(cfg.Service.HealthPort)

	report := checker.Refresh(ctx)
	logger.Info("initial health check", zap.String("status", string(report.Status)))

	// ─── Graceful Shutdown ───────────────────────────────────────────
	logger.Info("poold is ready, waiting for shutdown signal")
	<-ctx.Done()
	logger.Info("shutting down", zap.Duration("timeout", cfg.Service.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Service.InstanceID).Set(0)
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", logging.Err(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", logging.Err(err))
	}
	if err := mgr.CloseAll(shutdownCtx); err != nil {
		logger.Warn("closing pools", logging.Err(err))
	}
	closeCoordinator(coord, hb, logger)

	logger.Info("shutdown complete")
	return nil
}

// driverOptions registers the in-memory driver and a database/sql driver per
// supported SQL dialect.
func driverOptions() ([]pool.Option, error) {
	opts := []pool.Option{pool.WithDriver(target.DialectMemory, memdriver.New())}
	for _, dialect := range sqldriver.Dialects() {
		d, err := sqldriver.New(dialect)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pool.WithDriver(dialect, d))
	}
	return opts, nil
}

func closeCoordinator(coord *coordinator.Coordinator, hb *coordinator.Heartbeat, logger *zap.Logger) {
	if coord == nil {
		return
	}
	hb.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Close(ctx); err != nil {
		logger.Warn("coordinator close error", logging.Err(err))
	}
}
