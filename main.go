// cometsearch/main.go
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cometsearch/api"
	"cometsearch/config"
	"cometsearch/logger"
	"cometsearch/provider"
	"cometsearch/task"
)

// Set by ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background task server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}

	root := &cobra.Command{
		Use:   "cometsearch",
		Short: "Comet AI Search - background generation server",
		Long: `cometsearch accepts long-running generation requests, runs them against
upstream model providers off the request path, and lets clients poll,
stream, list and cancel them.`,
		SilenceUsage: true,
		RunE:         serveCmd.RunE,
	}

	root.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "config",
			Short: "Print the effective configuration as YAML",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(cfg.Redacted())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "cometsearch %s\n", version)
			},
		},
	)
	return root
}

func serve(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.Setup(cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Providers first, then the task manager that runs them
	registry, err := provider.NewRegistry(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	taskManager, err := task.NewManager(cfg, registry, log)
	if err != nil {
		return fmt.Errorf("failed to initialize task manager: %w", err)
	}

	// 3. Router and server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.SetupRouter(taskManager, registry, cfg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 4. Background services and HTTP server
	taskManager.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// 5. Wait for interrupt signal for graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			stop()
			return fmt.Errorf("listen: %w", err)
		}
	}

	stop()
	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	taskManager.Wait()

	log.Info("server exiting")
	return nil
}
