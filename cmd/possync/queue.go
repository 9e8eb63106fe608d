package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/types"
)

var (
	queueStatus string
	queueKind   string
	queueAfter  int64
	queueLimit  int
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued writes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued writes",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <local-id>",
	Short: "Return a failed write to the queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

var queueDeleteCmd = &cobra.Command{
	Use:   "delete <local-id>",
	Short: "Delete a write that has not been synced",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueDelete,
}

func init() {
	addClientFlags(queueCmd)
	queueListCmd.Flags().StringVar(&queueStatus, "status", "", "Filter by status (pending, syncing, synced, failed)")
	queueListCmd.Flags().StringVar(&queueKind, "kind", "", "Filter by kind (invoice, payment)")
	queueListCmd.Flags().Int64Var(&queueAfter, "after", 0, "Only writes with a larger local id")
	queueListCmd.Flags().IntVar(&queueLimit, "limit", 0, "Maximum number of writes")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDeleteCmd)
}

func parseLocalID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid local id %q", arg)
	}
	return id, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if queueStatus != "" {
		q.Set("status", queueStatus)
	}
	if queueKind != "" {
		q.Set("kind", queueKind)
	}
	if queueAfter > 0 {
		q.Set("after_id", strconv.FormatInt(queueAfter, 10))
	}
	if queueLimit > 0 {
		q.Set("limit", strconv.Itoa(queueLimit))
	}
	path := "/queue"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var writes []types.QueuedWrite
	if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, nil, &writes); err != nil {
		return err
	}

	if clientJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"writes": writes,
			"total":  len(writes),
		})
	}

	if len(writes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty.")
		return nil
	}

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tRETRIES\tOFFLINE ID\tENQUEUED\tREMOTE\tLAST ERROR")
	for _, qw := range writes {
		remote := orDash(qw.ConfirmedRemoteID)
		if qw.DuplicateOfRemoteID != nil {
			remote += " (dup)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			qw.LocalID,
			qw.Kind,
			qw.Status,
			qw.RetryCount,
			qw.OfflineID,
			qw.EnqueuedAt.Format("2006-01-02 15:04"),
			remote,
			orDash(qw.LastError),
		)
	}
	return w.Flush()
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	id, err := parseLocalID(args[0])
	if err != nil {
		return err
	}
	var qw types.QueuedWrite
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, fmt.Sprintf("/queue/%d/retry", id), nil, &qw); err != nil {
		return err
	}
	if clientJSON {
		return printJSON(cmd.OutOrStdout(), qw)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Write %d is %s.\n", qw.LocalID, qw.Status)
	return nil
}

func runQueueDelete(cmd *cobra.Command, args []string) error {
	id, err := parseLocalID(args[0])
	if err != nil {
		return err
	}
	if err := newAPIClient().do(cmd.Context(), http.MethodDelete, fmt.Sprintf("/queue/%d", id), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Write %d deleted.\n", id)
	return nil
}
