package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorrupt is returned when the registry file exists but cannot be
// parsed.
var ErrCorrupt = errors.New("schema registry corrupt")

// Record is the persisted registry state.
type Record struct {
	Version   int       `json:"version"`
	Hash      string    `json:"hash"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Registry persists the schema version in a JSON file kept outside the
// database whose version it decides.
type Registry struct {
	path string
	mu   sync.Mutex
}

// NewRegistry returns a registry backed by the file at path.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// SidecarPath returns the registry path used for a database file.
func SidecarPath(dbPath string) string {
	return dbPath + ".schema.json"
}

// Path returns the backing file path.
func (r *Registry) Path() string {
	return r.path
}

// Load returns the stored record. A missing file yields a zero Record.
func (r *Registry) Load() (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Resolve returns the version for def. The first call stores version 1;
// a changed hash bumps the stored version by exactly one; an unchanged
// hash returns the stored version untouched.
func (r *Registry) Resolve(def Definition) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load()
	if err != nil {
		return 0, err
	}
	hash := def.Hash()
	if rec.Version > 0 && rec.Hash == hash {
		return rec.Version, nil
	}
	rec = Record{Version: rec.Version + 1, Hash: hash, UpdatedAt: time.Now().UTC()}
	if err := r.save(rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// Reset overwrites the registry with version for def, discarding whatever
// the file held. It is the recovery path for a corrupt registry.
func (r *Registry) Reset(def Definition, version int) (int, error) {
	if version < 1 {
		version = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := Record{Version: version, Hash: def.Hash(), UpdatedAt: time.Now().UTC()}
	if err := r.save(rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

// EnsureAtLeast raises the stored version to min when it is lower, keeping
// the version monotonic when the database has seen a newer registry.
func (r *Registry) EnsureAtLeast(min int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.load()
	if err != nil {
		return 0, err
	}
	if rec.Version >= min {
		return rec.Version, nil
	}
	rec.Version = min
	rec.UpdatedAt = time.Now().UTC()
	if err := r.save(rec); err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (r *Registry) load() (Record, error) {
	var rec Record
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("read schema registry: %w", err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.path, err)
	}
	return rec, nil
}

// save writes via a temp file and rename so a crash never leaves a torn file.
func (r *Registry) save(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode schema registry: %w", err)
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create registry directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write schema registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync schema registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close schema registry: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace schema registry: %w", err)
	}
	return nil
}
