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
	"forge/internal/executor"
	"forge/internal/logging"
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
		Use:   "forge-executor",
		Short: "Per-session headless execution process",
		Long: `forge-executor serves one session's jobs over a local HTTP surface.
It is normally spawned by forge-pool with a private bearer token and a
dedicated workspace; running it by hand is only useful for debugging.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadExecutor(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := cmd.Flags()
	flags.String("exec-id", "", "executor instance identifier")
	flags.String("listen-addr", "", "local listen address (host:port)")
	flags.String("auth-token", "", "bearer token required on the control surface")
	flags.String("workspace-dir", "", "session workspace directory")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	for flag, key := range map[string]string{
		"exec-id":       "exec_id",
		"listen-addr":   "listen_addr",
		"auth-token":    "auth_token",
		"workspace-dir": "workspace_dir",
		"log-level":     "log_level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func run(cfg config.Executor) error {
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewComponentLogger("executor")
	logger.Info("Starting forge-executor %s (workspace=%s)", cfg.ExecID, cfg.WorkspaceDir)

	store := executor.NewJobStore()
	agent := executor.NewTaskAgent(logging.NewComponentLogger("agent"))
	runner := executor.NewRunner(store, agent, cfg.WorkspaceDir, logging.NewComponentLogger("runner"))
	differ := executor.NewDiffProvider(cfg.WorkspaceDir)
	service := executor.NewService(store, runner, differ, cfg.WorkspaceDir, logger)
	api := executor.NewAPI(service, cfg.AuthToken, logging.NewComponentLogger("api"))

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
		ErrorLog:     logging.StdLogger(logging.NewComponentLogger("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Control surface listening on %s", cfg.ListenAddr)
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
		return fmt.Errorf("control surface server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("Server shutdown: %v", err)
	}
	service.Shutdown()

	logger.Info("forge-executor stopped")
	return nil
}
