package agent

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/bridge"
	"github.com/hyperengineering/possync/internal/broadcast"
	"github.com/hyperengineering/possync/internal/config"
	"github.com/hyperengineering/possync/internal/connectivity"
	"github.com/hyperengineering/possync/internal/outbox"
	"github.com/hyperengineering/possync/internal/snapshot"
	"github.com/hyperengineering/possync/internal/store"
	"github.com/hyperengineering/possync/internal/worker"
)

// NewBackendClient builds the backend client from configuration.
func NewBackendClient(cfg *config.Config, version string) (*backend.Client, error) {
	return backend.NewClient(backend.Config{
		BaseURL:      cfg.Backend.URL,
		APIKey:       cfg.Backend.APIKey,
		ProbePath:    cfg.Backend.ProbePath,
		Timeout:      cfg.Backend.Timeout.Std(),
		ProbeTimeout: cfg.Backend.ProbeTimeout.Std(),
		UserAgent:    "possync/" + version,
	})
}

// NewWorkerServer builds the background worker from configuration. The
// same construction serves the in-process launcher and `possync worker`.
func NewWorkerServer(cfg *config.Config, be worker.Backend, logger *slog.Logger) (*worker.Server, error) {
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshot uploader: %w", err)
	}
	if dir := filepath.Dir(cfg.Store.Path); cfg.Store.Path != ":memory:" && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return worker.New(worker.Config{
		Store: store.Options{
			Path:      cfg.Store.Path,
			MaxSizeMB: cfg.Store.MaxSizeMB,
			Logger:    logger,
		},
		Backend: be,
		Drain: outbox.Config{
			MaxRetries:   cfg.Sync.MaxRetries,
			Retention:    cfg.Sync.Retention.Std(),
			BatchSize:    cfg.Sync.BatchSize,
			SkipPreCheck: cfg.Sync.SkipPreCheck,
		},
		SweepInterval:   cfg.Sync.SweepInterval.Std(),
		RefreshInterval: cfg.Sync.RefreshInterval.Std(),
		SnapshotDir:     cfg.Snapshot.Dir,
		Uploader:        uploader,
		TerminalID:      cfg.Terminal.ID,
		Logger:          logger,
	})
}

// BridgeConfig maps the bridge section of the configuration.
func BridgeConfig(cfg *config.Config, logger *slog.Logger) bridge.Config {
	return bridge.Config{
		HandshakeTimeout: cfg.Bridge.HandshakeTimeout.Std(),
		CallTimeout:      cfg.Bridge.CallTimeout.Std(),
		HangTimeout:      cfg.Bridge.HangTimeout.Std(),
		LivenessInterval: cfg.Bridge.LivenessInterval.Std(),
		MaxRestarts:      cfg.Bridge.MaxRestarts,
		RestartDelay:     cfg.Bridge.RestartDelay.Std(),
		RetryDelay:       cfg.Bridge.RetryDelay.Std(),
		Logger:           logger,
	}
}

// ConnectivityConfig maps the connectivity section of the configuration.
func ConnectivityConfig(cfg *config.Config, ch broadcast.Channel, logger *slog.Logger) connectivity.Config {
	c := cfg.Connectivity
	return connectivity.Config{
		FastInterval:    c.FastInterval.Std(),
		StableInterval:  c.StableInterval.Std(),
		HiddenInterval:  c.HiddenInterval.Std(),
		MaxInterval:     c.MaxInterval.Std(),
		Threshold:       c.Threshold,
		ProbeAttempts:   c.ProbeAttempts,
		ProbeRetryDelay: c.ProbeRetryDelay.Std(),
		Debounce:        c.Debounce.Std(),
		LatencySamples:  c.LatencySamples,
		Channel:         ch,
		Logger:          logger,
	}
}

// OpenChannel opens the cross-process connectivity channel. An empty
// channel_dir puts it next to the database.
func OpenChannel(cfg *config.Config, logger *slog.Logger) (*broadcast.FileChannel, error) {
	dir := cfg.Connectivity.ChannelDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(cfg.Store.Path), "broadcast")
	}
	return broadcast.OpenFileChannel(dir, cfg.Connectivity.Channel, logger)
}
