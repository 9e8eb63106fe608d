package main

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/protocol"
	"github.com/hyperengineering/possync/internal/types"
)

var (
	clearTables          []string
	clearIncludeQueue    bool
	clearIncludeSettings bool
	snapshotUpload       bool
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the reference data cache",
}

var cacheRefreshCmd = &cobra.Command{
	Use:   "refresh [table...]",
	Short: "Reload reference tables from the backend",
	RunE:  runCacheRefresh,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Empty reference tables, and optionally the queue and settings",
	Args:  cobra.NoArgs,
	RunE:  runCacheClear,
}

var cacheSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Export a support copy of the local database",
	Args:  cobra.NoArgs,
	RunE:  runCacheSnapshot,
}

func init() {
	addClientFlags(cacheCmd)
	cacheClearCmd.Flags().StringSliceVar(&clearTables, "tables", nil, "Tables to clear (default all)")
	cacheClearCmd.Flags().BoolVar(&clearIncludeQueue, "include-queue", false, "Also delete queued writes")
	cacheClearCmd.Flags().BoolVar(&clearIncludeSettings, "include-settings", false, "Also delete settings")
	cacheSnapshotCmd.Flags().BoolVar(&snapshotUpload, "upload", false, "Upload to the configured bucket")

	cacheCmd.AddCommand(cacheRefreshCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheSnapshotCmd)
}

func runCacheRefresh(cmd *cobra.Command, args []string) error {
	var res types.RefreshResult
	body := map[string]any{"tables": args}
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/cache/refresh", body, &res); err != nil {
		return err
	}
	if clientJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}

	tables := make([]string, 0, len(res.Tables))
	for t := range res.Tables {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "TABLE\tROWS")
	for _, t := range tables {
		fmt.Fprintf(w, "%s\t%d\n", t, res.Tables[t])
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, e := range res.Errors {
		fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e)
	}
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	opts := types.ClearOptions{
		Tables:          clearTables,
		IncludeQueue:    clearIncludeQueue,
		IncludeSettings: clearIncludeSettings,
	}
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/cache/clear", opts, nil); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared.")
	return nil
}

func runCacheSnapshot(cmd *cobra.Command, args []string) error {
	var res protocol.SnapshotResult
	body := map[string]bool{"upload": snapshotUpload}
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/support/snapshot", body, &res); err != nil {
		return err
	}
	if clientJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Snapshot written to %s (%s)\n", res.Path, formatSize(res.Bytes))
	switch {
	case res.Uploaded:
		fmt.Fprintf(cmd.OutOrStdout(), "Uploaded as %s\n", res.Key)
		if res.DownloadURL != "" && res.URLExpiresAt != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "Download: %s\n(link expires %s)\n",
				res.DownloadURL, res.URLExpiresAt.Local().Format("2006-01-02 15:04"))
		}
	case res.UploadError != "":
		fmt.Fprintf(cmd.OutOrStdout(), "Upload failed: %s\n", res.UploadError)
	}
	return nil
}
