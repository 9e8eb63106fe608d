package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/config"
	"github.com/hyperengineering/possync/internal/ledger"
)

var (
	ledgerAddr     string
	ledgerSeedPath string
	ledgerTTL      time.Duration
)

// ledgerCmd serves the reference backend used in development and tests.
var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Run the reference backend ledger",
	Long: "Serve an in-memory backend implementing the submit, duplicate check and\n" +
		"reference data endpoints. The API key is read from POSSYNC_LEDGER_API_KEY.",
	Args: cobra.NoArgs,
	RunE: runLedger,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerAddr, "addr", "127.0.0.1:7490", "Listen address")
	ledgerCmd.Flags().StringVar(&ledgerSeedPath, "seed", "", "YAML reference data (defaults to the built-in seed)")
	ledgerCmd.Flags().DurationVar(&ledgerTTL, "reservation-ttl", ledger.DefaultReservationTTL,
		"How long an unfinished submission blocks retries")
}

func runLedger(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger := newLogger(os.Stdout, config.LogConfig{
		Level:  os.Getenv("POSSYNC_LOG_LEVEL"),
		Format: os.Getenv("POSSYNC_LOG_FORMAT"),
	})
	slog.SetDefault(logger)

	seed, err := ledger.DefaultSeed()
	if ledgerSeedPath != "" {
		seed, err = ledger.LoadSeed(ledgerSeedPath)
	}
	if err != nil {
		return err
	}

	l, err := ledger.New(ledger.Options{
		ReservationTTL: ledgerTTL,
		Reference:      seed,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ledgerAddr,
		Handler:           ledger.NewRouter(l, os.Getenv("POSSYNC_LEDGER_API_KEY")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("ledger starting", "address", ledgerAddr, "tables", l.Tables())
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ledger server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("ledger shutdown error", "error", err)
	}
	slog.Info("ledger stopped", "records", l.Count())
	return nil
}
