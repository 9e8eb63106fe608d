package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/possync/internal/config"
	"github.com/hyperengineering/possync/internal/schema"
)

var (
	schemaDBPath string
	schemaJSON   bool
)

// schemaCmd reads the registry file directly, so it works without a
// running agent.
var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Show the reference cache schema and its stored version",
	Args:  cobra.NoArgs,
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().StringVar(&schemaDBPath, "db", "", "Database path (defaults to store.path from config)")
	schemaCmd.Flags().BoolVar(&schemaJSON, "json", false, "Output in JSON format")
}

func resolveDBPath() string {
	if schemaDBPath != "" {
		return schemaDBPath
	}
	if cfg, err := loadConfig(); err == nil {
		return cfg.Store.Path
	}
	if v := os.Getenv("POSSYNC_DB_PATH"); v != "" {
		return v
	}
	return config.Default().Store.Path
}

func runSchema(cmd *cobra.Command, args []string) error {
	def := schema.Default()
	dbPath := resolveDBPath()
	reg := schema.NewRegistry(schema.SidecarPath(dbPath))
	rec, err := reg.Load()
	if err != nil {
		return err
	}
	hash := def.Hash()
	current := rec.Version > 0 && rec.Hash == hash

	if schemaJSON {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"database": dbPath,
			"registry": reg.Path(),
			"version":  rec.Version,
			"hash":     hash,
			"current":  current,
			"tables":   def.Tables,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Registry: %s\n", reg.Path())
	switch {
	case rec.Version == 0:
		fmt.Fprintln(out, "Version:  none (database not initialized)")
	case current:
		fmt.Fprintf(out, "Version:  %d (current)\n", rec.Version)
	default:
		fmt.Fprintf(out, "Version:  %d (next start bumps to %d)\n", rec.Version, rec.Version+1)
	}
	fmt.Fprintf(out, "Hash:     %s\n\n", hash[:12])

	w := newTabWriter(out)
	fmt.Fprintln(w, "TABLE\tKEY\tINDEXES")
	for _, t := range def.Tables {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, t.KeyPath, strings.Join(t.Indexes, ", "))
	}
	return w.Flush()
}
