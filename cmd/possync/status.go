package main

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/agent"
	"github.com/hyperengineering/possync/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, queue and worker state of a running agent",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain the work queue now",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	addClientFlags(statusCmd)
	addClientFlags(syncCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	var st agent.Status
	if err := newAPIClient().do(cmd.Context(), http.MethodGet, "/status", nil, &st); err != nil {
		return err
	}
	if clientJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}

	mode := "online"
	if st.Offline {
		mode = "offline"
	}
	if st.Connectivity.ManualOverride {
		mode += " (manual override)"
	}
	worker := "ready"
	switch {
	case st.Bridge.Degraded:
		worker = "degraded"
	case !st.Worker.Ready:
		worker = "starting"
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "Terminal:\t%s\n", st.Terminal)
	fmt.Fprintf(w, "Version:\t%s\n", st.Version)
	fmt.Fprintf(w, "Connectivity:\t%s\n", mode)
	if avg := st.Connectivity.AverageLatency(); avg > 0 {
		fmt.Fprintf(w, "Latency:\t%s\n", avg)
	}
	fmt.Fprintf(w, "Worker:\t%s (schema v%d, %d restarts)\n", worker, st.Worker.SchemaVersion, st.Bridge.Restarts)
	fmt.Fprintf(w, "Queue:\t%d pending, %d syncing, %d failed, %d synced\n",
		st.Worker.Queue.Pending, st.Worker.Queue.Syncing, st.Worker.Queue.Failed, st.Worker.Queue.Synced)
	if st.Worker.LastDrain != nil {
		fmt.Fprintf(w, "Last drain:\t%s\n", st.Worker.LastDrain.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runSync(cmd *cobra.Command, args []string) error {
	var res types.DrainResult
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/sync", nil, &res); err != nil {
		return err
	}
	if clientJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Attempted %d: %d synced, %d duplicates, %d retrying, %d failed\n",
		res.Attempted, res.Synced, res.Duplicates, res.Retrying, res.Failed)
	for _, e := range res.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", e)
	}
	return nil
}
