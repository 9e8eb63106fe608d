package connectivity

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// NetworkSink receives the host's network reachability.
type NetworkSink interface {
	SetNetworkReachable(bool)
}

// NetworkMonitor polls the host's interfaces and reports changes in
// whether any usable one is up. It is the agent's stand-in for the
// browser's online/offline events.
type NetworkMonitor struct {
	sink     NetworkSink
	interval time.Duration
	check    func() (bool, error)
	logger   *slog.Logger
}

// NewNetworkMonitor creates a monitor reporting to sink every interval.
func NewNetworkMonitor(sink NetworkSink, interval time.Duration, logger *slog.Logger) *NetworkMonitor {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NetworkMonitor{
		sink:     sink,
		interval: interval,
		check:    hostHasNetwork,
		logger:   logger.With("component", "connectivity", "worker", "network-monitor"),
	}
}

// Run polls until ctx is cancelled. The first result is always reported.
func (n *NetworkMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	var last, known bool
	for {
		up, err := n.check()
		if err != nil {
			n.logger.Warn("interface check failed", "error", err)
		} else if !known || up != last {
			n.logger.Info("host network changed", "reachable", up)
			n.sink.SetNetworkReachable(up)
			last, known = up, true
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// hostHasNetwork reports whether a non-loopback interface is up with a
// routable unicast address.
func hostHasNetwork() (bool, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return false, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipn.IP
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() {
				return true, nil
			}
		}
	}
	return false, nil
}
