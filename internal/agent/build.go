package agent

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hyperengineering/possync/internal/bridge"
	"github.com/hyperengineering/possync/internal/config"
	"github.com/hyperengineering/possync/internal/connectivity"
)

// Build assembles an Agent from configuration. The returned closer
// releases the broadcast channel and must be called after Run returns.
func Build(cfg *config.Config, version string, logger *slog.Logger) (*Agent, io.Closer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := NewBackendClient(cfg, version)
	if err != nil {
		return nil, nil, fmt.Errorf("backend client: %w", err)
	}

	var launcher bridge.Launcher
	switch cfg.Bridge.Mode {
	case "process":
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate executable: %w", err)
		}
		launcher = &bridge.ProcessLauncher{Path: exe, Args: []string{"worker"}}
	default:
		srv, err := NewWorkerServer(cfg, client, logger)
		if err != nil {
			return nil, nil, err
		}
		launcher = &bridge.InprocLauncher{Server: srv, Logger: logger}
	}

	ch, err := OpenChannel(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("broadcast channel: %w", err)
	}

	mgr := connectivity.NewManager(client, ConnectivityConfig(cfg, ch, logger))
	var network *connectivity.NetworkMonitor
	if d := cfg.Connectivity.NetworkPollInterval.Std(); d > 0 {
		network = connectivity.NewNetworkMonitor(mgr, d, logger)
	}

	a, err := New(Options{
		Bridge:             bridge.New(launcher, BridgeConfig(cfg, logger)),
		Connectivity:       mgr,
		Network:            network,
		SyncOnOverrideLift: cfg.Connectivity.SyncOnOverrideLift,
		Version:            version,
		Logger:             logger,
	})
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return a, ch, nil
}
