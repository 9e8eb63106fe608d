package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/agent"
	"github.com/hyperengineering/possync/internal/api"
	"github.com/hyperengineering/possync/internal/config"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "possync",
	Short:         "possync - offline-first sync agent for point-of-sale terminals",
	RunE:          run,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (overrides POSSYNC_CONFIG_PATH)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(cacheCmd)
	rootCmd.AddCommand(schemaCmd)
}

// loadConfig loads configuration from --config when given. The path is
// exported so a worker child process reads the same file.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Load()
	}
	if err := os.Setenv("POSSYNC_CONFIG_PATH", configPath); err != nil {
		return nil, err
	}
	return config.LoadFromFile(configPath)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Assemble the agent (backend client, worker bridge, connectivity)
	ag, channel, err := agent.Build(cfg, Version, logger)
	if err != nil {
		return err
	}
	defer channel.Close()
	slog.Info("agent initialized",
		"backend", cfg.Backend.URL,
		"store", cfg.Store.Path,
		"bridge_mode", cfg.Bridge.Mode,
	)

	// 5. Initialize HTTP router
	handler := api.NewHandler(ag, cfg.Server.APIKey, Version)
	router := api.NewRouter(handler)
	if cfg.Server.APIKey == "" {
		slog.Warn("local API authentication disabled", "reason", "POSSYNC_API_KEY not set")
	}

	// 6. Configure HTTP server. No write timeout: /events streams.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout.Std(),
	}

	// 7. Agent lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "agent", func(ctx context.Context) {
		if err := ag.Run(ctx); err != nil {
			slog.Error("agent stopped with error", "error", err)
		}
	})

	// 8. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	// 10a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10b. Wait for the agent to stop the worker
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		slog.Warn("agent did not stop before shutdown timeout")
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. JSON is the default format.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// startWorker launches a background goroutine that respects context cancellation.
// Goroutines are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		start := time.Now()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name, "duration_ms", time.Since(start).Milliseconds())
	}()
}

func exitError(err error) {
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
