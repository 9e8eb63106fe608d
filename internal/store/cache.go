package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hyperengineering/possync/internal/schema"
	"github.com/hyperengineering/possync/internal/types"
)

func (s *SQLiteStore) table(name string) (schema.Table, error) {
	t, ok := s.def.Table(name)
	if !ok {
		return schema.Table{}, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

// ReplaceCache replaces the whole contents of a cache table in one
// transaction. Entries without a key take it from the table's key path.
func (s *SQLiteStore) ReplaceCache(ctx context.Context, table string, entries []types.ReferenceEntry) (int, error) {
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+cacheTable(t.Name)); err != nil {
		return 0, fmt.Errorf("clear %s: %w", t.Name, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO "+cacheTable(t.Name)+" (key, data, last_synced_at) VALUES (?, ?, ?)")
	if err != nil {
		return 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	for i, e := range entries {
		key, err := entryKey(t, e)
		if err != nil {
			return 0, fmt.Errorf("entry %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, key, string(e.Data), now); err != nil {
			return 0, fmt.Errorf("insert %s/%s: %w", t.Name, key, err)
		}
	}

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+cacheTable(t.Name)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count %s: %w", t.Name, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_log (table_name, row_count, last_synced_at, schema_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			row_count = excluded.row_count,
			last_synced_at = excluded.last_synced_at,
			schema_version = excluded.schema_version
	`, t.Name, count, now, s.version); err != nil {
		return 0, fmt.Errorf("update refresh log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return count, nil
}

func entryKey(t schema.Table, e types.ReferenceEntry) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal(e.Data, &fields); err != nil || fields == nil {
		return "", fmt.Errorf("%w: data must be a JSON object", ErrInvalidDocument)
	}
	if e.Key != "" {
		return e.Key, nil
	}
	switch v := fields[t.KeyPath].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		return fmt.Sprint(v), nil
	}
	return "", fmt.Errorf("%w: missing key %q", ErrInvalidDocument, t.KeyPath)
}

// Tables lists the declared cache tables.
func (s *SQLiteStore) Tables() []string {
	return s.def.Names()
}

// GetCached returns one cached entity. Absence means unknown.
func (s *SQLiteStore) GetCached(ctx context.Context, table, key string) (*types.CachedEntity, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT key, data, last_synced_at FROM "+cacheTable(t.Name)+" WHERE key = ?", key)
	e, err := scanEntity(t.Name, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan entity: %w", err)
	}
	return e, nil
}

// ListCached lists a cache table ordered by key, optionally filtered on an
// indexed field.
func (s *SQLiteStore) ListCached(ctx context.Context, table string, filter types.CacheFilter) ([]types.CachedEntity, error) {
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}

	query := "SELECT key, data, last_synced_at FROM " + cacheTable(t.Name)
	var args []any
	if filter.Field != "" {
		if !slices.Contains(t.Indexes, filter.Field) {
			return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, t.Name, filter.Field)
		}
		query += " WHERE " + fieldColumn(filter.Field) + " = ?"
		args = append(args, filter.Value)
	}
	query += " ORDER BY key"
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	entities := []types.CachedEntity{}
	for rows.Next() {
		e, err := scanEntity(t.Name, rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entities, nil
}

// CacheStatus reports row counts and last refresh time per table.
func (s *SQLiteStore) CacheStatus(ctx context.Context) (types.CacheStatus, error) {
	status := types.CacheStatus{SchemaVersion: s.version}
	for _, t := range s.def.Tables {
		ts := types.CacheTableStatus{Table: t.Name}
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+cacheTable(t.Name)).Scan(&ts.Count); err != nil {
			return status, fmt.Errorf("count %s: %w", t.Name, err)
		}
		var last sql.NullString
		err := s.db.QueryRowContext(ctx,
			"SELECT last_synced_at FROM refresh_log WHERE table_name = ?", t.Name).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return status, fmt.Errorf("read refresh log: %w", err)
		}
		ts.LastSyncedAt = parseNullTime(last)
		status.Tables = append(status.Tables, ts)
	}
	return status, nil
}

// ClearCache empties reference caches. The work queue and settings are
// preserved unless opts asks for them.
func (s *SQLiteStore) ClearCache(ctx context.Context, opts types.ClearOptions) error {
	tables := opts.Tables
	if len(tables) == 0 {
		tables = s.def.Names()
	}
	for _, name := range tables {
		if _, err := s.table(name); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, name := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+cacheTable(name)); err != nil {
			return fmt.Errorf("clear %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM refresh_log WHERE table_name = ?", name); err != nil {
			return fmt.Errorf("clear refresh log: %w", err)
		}
	}
	if opts.IncludeQueue {
		if _, err := tx.ExecContext(ctx, "DELETE FROM work_queue"); err != nil {
			return fmt.Errorf("clear work queue: %w", err)
		}
	}
	if opts.IncludeSettings {
		if _, err := tx.ExecContext(ctx, "DELETE FROM settings"); err != nil {
			return fmt.Errorf("clear settings: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func scanEntity(table string, scanner interface{ Scan(...any) error }) (*types.CachedEntity, error) {
	var e types.CachedEntity
	var data, syncedAt string
	if err := scanner.Scan(&e.Key, &data, &syncedAt); err != nil {
		return nil, err
	}
	e.Table = table
	e.Data = json.RawMessage(data)
	e.LastSyncedAt = parseTime(syncedAt)
	return &e, nil
}
