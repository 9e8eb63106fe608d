package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperengineering/possync/internal/schema"
)

const cachePrefix = "cache_"

func cacheTable(name string) string {
	return cachePrefix + name
}

func fieldColumn(field string) string {
	return "f_" + field
}

// applyCacheSchema resolves the schema version and, when the database is at
// a different version, drops every cache table (obsolete ones included) and
// recreates the declared ones. Durable tables are never touched.
func (s *SQLiteStore) applyCacheSchema(ctx context.Context, reg *schema.Registry) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	version := 1
	if reg != nil {
		v, err := reg.Resolve(s.def)
		if errors.Is(err, schema.ErrCorrupt) {
			// The previous definition is unknown, so the caches are rebuilt
			// under a version past the database's.
			s.logger.Warn("schema registry unreadable, resetting",
				"action", "registry_reset",
				"path", reg.Path(),
				"error", err,
			)
			v, err = reg.Reset(s.def, current+1)
		}
		if err != nil {
			return err
		}
		if current > v {
			// The database was written under a newer registry; move past it.
			v, err = reg.EnsureAtLeast(current + 1)
			if err != nil {
				return err
			}
		}
		version = v
	}
	s.version = version

	if current == version {
		return nil
	}
	return s.rebuildCacheTables(ctx, version)
}

func (s *SQLiteStore) rebuildCacheTables(ctx context.Context, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := listCacheTables(ctx, tx)
	if err != nil {
		return err
	}
	for _, name := range existing {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, name)); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}

	for _, t := range s.def.Tables {
		for _, stmt := range createTableStatements(t) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create %s: %w", cacheTable(t.Name), err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_log"); err != nil {
		return fmt.Errorf("reset refresh log: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.logger.Info("cache tables rebuilt",
		"component", "store",
		"schema_version", version,
		"dropped", len(existing),
		"created", len(s.def.Tables),
	)
	return nil
}

func listCacheTables(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE 'cache\_%' ESCAPE '\'`)
	if err != nil {
		return nil, fmt.Errorf("list cache tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// createTableStatements renders the DDL for one cache table. Indexed fields
// become virtual generated columns over the JSON document.
func createTableStatements(t schema.Table) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", cacheTable(t.Name))
	b.WriteString("    key TEXT PRIMARY KEY,\n")
	b.WriteString("    data TEXT NOT NULL,\n")
	b.WriteString("    last_synced_at TEXT NOT NULL")
	for _, f := range t.Indexes {
		fmt.Fprintf(&b, ",\n    %s TEXT GENERATED ALWAYS AS (json_extract(data, '$.%s')) VIRTUAL", fieldColumn(f), f)
	}
	b.WriteString("\n)")

	stmts := []string{b.String()}
	for _, f := range t.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX idx_%s_%s ON %s(%s)",
			cacheTable(t.Name), f, cacheTable(t.Name), fieldColumn(f)))
	}
	return stmts
}
