package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/possync/internal/schema"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const memoryPath = ":memory:"

// Options configures Open.
type Options struct {
	// Path is the database file, or ":memory:".
	Path string

	// MaxSizeMB caps the database size; 0 means unlimited.
	MaxSizeMB int

	// Schema declares the cache tables. Defaults to schema.Default().
	Schema *schema.Definition

	// Registry resolves the cache schema version. Defaults to the sidecar
	// file next to Path; in-memory databases without a registry use version 1.
	Registry *schema.Registry

	Logger *slog.Logger
}

// SQLiteStore is the SQLite-backed persistent store.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	def      schema.Definition
	version  int
	lock     *fileLock
	recovery string
	logger   *slog.Logger
}

// Open opens or creates the store. It takes the ownership lock, applies the
// durable migrations and the cache schema, and runs the health check. A
// version or invalid-state failure closes and reopens the database; a second
// failure of the same class deletes the files and starts over.
func Open(ctx context.Context, opts Options) (*SQLiteStore, error) {
	if opts.Path == "" {
		return nil, errors.New("store path is required")
	}
	if opts.Schema == nil {
		def := schema.Default()
		opts.Schema = &def
	}
	if err := opts.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("validate schema: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("component", "store")

	var lock *fileLock
	if opts.Path != memoryPath {
		if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if opts.Registry == nil {
			opts.Registry = schema.NewRegistry(schema.SidecarPath(opts.Path))
		}
		l, err := acquireLock(opts.Path + ".lock")
		if err != nil {
			return nil, err
		}
		lock = l
	}

	s, err := openChecked(ctx, opts)
	if err != nil && isRecoverable(err) {
		logger.Warn("store unhealthy, reopening", "action", "reopen", "error", err)
		s, err = openChecked(ctx, opts)
		if err != nil && isRecoverable(err) {
			logger.Warn("store unhealthy after reopen, recreating", "action", "recreate", "error", err)
			if rmErr := removeDatabaseFiles(opts.Path); rmErr != nil {
				lock.release()
				return nil, fmt.Errorf("remove database files: %w", rmErr)
			}
			s, err = openChecked(ctx, opts)
			if err == nil {
				s.recovery = "recreated"
			}
		} else if err == nil {
			s.recovery = "reopened"
		}
	}
	if err != nil {
		lock.release()
		return nil, err
	}

	s.lock = lock
	s.logger = logger
	logger.Info("store opened",
		"path", opts.Path,
		"schema_version", s.version,
		"recovery", s.recovery,
	)
	return s, nil
}

func openChecked(ctx context.Context, opts Options) (*SQLiteStore, error) {
	s, err := openOnce(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := s.HealthCheck(ctx); err != nil {
		s.db.Close()
		return nil, err
	}
	return s, nil
}

func openOnce(ctx context.Context, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps pragmas and :memory: state on one handle and
	// serializes writers inside the process.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(ctx, db, opts.MaxSizeMB); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, path: opts.Path, def: *opts.Schema, logger: slog.Default()}
	if err := s.applyCacheSchema(ctx, opts.Registry); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return s, nil
}

// enablePragmas sets SQLite pragmas for performance and safety.
func enablePragmas(ctx context.Context, db *sql.DB, maxSizeMB int) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	if maxSizeMB > 0 {
		var pageSize int64
		if err := db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
			return fmt.Errorf("read page size: %w", err)
		}
		pages := int64(maxSizeMB) * 1024 * 1024 / pageSize
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count=%d", pages)); err != nil {
			return fmt.Errorf("set max page count: %w", err)
		}
	}

	return nil
}

func removeDatabaseFiles(path string) error {
	if path == memoryPath {
		return nil
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// Close releases the database and the ownership lock.
func (s *SQLiteStore) Close() error {
	err := s.db.Close()
	s.lock.release()
	return err
}

// SchemaVersion returns the cache schema version the store was opened at.
func (s *SQLiteStore) SchemaVersion() int {
	return s.version
}

// Recovery reports how Open recovered an unhealthy database: "", "reopened"
// or "recreated".
func (s *SQLiteStore) Recovery() string {
	return s.recovery
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Snapshot writes a consistent copy of the database to dest.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	if err := os.Remove(dest); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale snapshot: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dest, err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
			return t2
		}
	}
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
