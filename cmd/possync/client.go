package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/api"
	"github.com/hyperengineering/possync/internal/config"
)

var (
	clientAddr    string
	clientJSON    bool
	clientTimeout time.Duration
)

// addClientFlags registers the flags shared by commands that talk to a
// running agent.
func addClientFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&clientAddr, "addr", "",
		"Agent address (defaults to server.address from config)")
	cmd.PersistentFlags().BoolVar(&clientJSON, "json", false,
		"Output in JSON format")
	cmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 2*time.Minute,
		"Request timeout")
}

// apiClient calls the local agent API. The API key comes from
// POSSYNC_API_KEY, as for the agent itself.
type apiClient struct {
	base   string
	apiKey string
	http   *http.Client
}

func resolveAgentAddr() string {
	if clientAddr != "" {
		return clientAddr
	}
	if cfg, err := loadConfig(); err == nil {
		return cfg.Server.Address
	}
	if v := os.Getenv("POSSYNC_ADDRESS"); v != "" {
		return v
	}
	return config.Default().Server.Address
}

func newAPIClient() *apiClient {
	base := resolveAgentAddr()
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: os.Getenv("POSSYNC_API_KEY"),
		http:   &http.Client{Timeout: clientTimeout},
	}
}

// do sends a JSON request and decodes a JSON response into out. Problem
// responses become errors carrying the detail.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var p api.Problem
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil || p.Detail == "" {
			return fmt.Errorf("%s %s: %s", method, path, resp.Status)
		}
		return fmt.Errorf("%s: %s", p.Title, p.Detail)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newTabWriter returns a configured tabwriter for aligned columns.
func newTabWriter(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

// formatSize returns a human-readable file size.
func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)
	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
