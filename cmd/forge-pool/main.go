package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"forge/internal/config"
	"forge/internal/logging"
	"forge/internal/observability"
	"forge/internal/pool"
	serverHTTP "forge/internal/server/http"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := config.NewViper()

	cmd := &cobra.Command{
		Use:   "forge-pool",
		Short: "Headless execution session pool",
		Long: `forge-pool manages a bounded pool of headless coding sessions. Each
session gets an isolated git worktree and a dedicated forge-executor
process; clients talk to sessions through the pool's HTTP gateway.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadPool(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("listen-addr", "", "gateway listen address (host:port)")
	flags.String("master-token", "", "master bearer token for pool management")
	flags.Int("pool-size", 0, "maximum concurrent sessions")
	flags.String("worktree-base-dir", "", "directory for session worktrees")
	flags.String("executor-bin", "", "path to the forge-executor binary")
	flags.Duration("idle-timeout", 0, "idle period before a session is evicted")
	flags.Duration("eviction-interval", 0, "period between idle sweeps")
	flags.String("metrics-addr", "", "Prometheus scrape address (empty disables metrics)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "log file path (in addition to stderr)")

	for flag, key := range map[string]string{
		"listen-addr":       "listen_addr",
		"master-token":      "master_token",
		"pool-size":         "pool_size",
		"worktree-base-dir": "worktree_base_dir",
		"executor-bin":      "executor_bin",
		"idle-timeout":      "idle_timeout",
		"eviction-interval": "eviction_interval",
		"metrics-addr":      "metrics_addr",
		"log-level":         "log_level",
		"log-file":          "log_file",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func run(cfg config.Pool) error {
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	if cfg.LogFile != "" {
		if err := logging.SetLogFile(cfg.LogFile); err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}
	logger := logging.NewComponentLogger("pool")
	logger.Info("Starting forge-pool (size=%d, idle_timeout=%s)", cfg.PoolSize, cfg.IdleTimeout)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:    cfg.MetricsAddr != "",
		ListenAddr: cfg.MetricsAddr,
	}, logging.NewComponentLogger("metrics"))
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	provisioner, err := pool.NewGitWorktreeProvisioner(cfg.WorktreeBaseDir, logging.NewComponentLogger("provisioner"))
	if err != nil {
		return err
	}

	spawner := pool.NewProcessSpawner(cfg.ExecutorBin, cfg.ReadyTimeout, cfg.StopGrace, logging.NewComponentLogger("spawner"))
	tokens := pool.NewTokenService(cfg.MasterToken)
	registry := pool.NewRegistry(cfg.PoolSize, nil)
	manager := pool.NewManager(registry, provisioner, spawner, tokens, cfg.IdleTimeout, logger, pool.WithMetrics(metrics))

	evictor := pool.NewEvictor(manager, cfg.EvictionInterval, nil, logging.NewComponentLogger("evictor"))
	evictor.Start()

	gateway := serverHTTP.NewServer(manager, tokens, cfg.MasterToken, cfg.RetryAfter, metrics, logging.NewComponentLogger("gateway"))
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      gateway.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logging.StdLogger(logging.NewComponentLogger("gateway-http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Received %s, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	evictor.Stop()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Gateway shutdown: %v", err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		logger.Warn("Session teardown during shutdown: %v", err)
	}
	if err := metrics.Shutdown(ctx); err != nil {
		logger.Warn("Metrics shutdown: %v", err)
	}

	logger.Info("forge-pool stopped")
	return nil
}
