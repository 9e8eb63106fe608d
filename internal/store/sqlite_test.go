package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hyperengineering/possync/internal/schema"
	"github.com/hyperengineering/possync/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(context.Background(), Options{Path: filepath.Join(t.TempDir(), "pos.db")})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueInvoice(t *testing.T, s *SQLiteStore, offlineID string) *types.QueuedWrite {
	t.Helper()
	w, _, err := s.Enqueue(context.Background(), types.NewWrite{
		Kind:      types.KindInvoice,
		OfflineID: offlineID,
		Document:  json.RawMessage(`{"customer":"Walk-in","grand_total":10}`),
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return w
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), Options{Path: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if s.SchemaVersion() != 1 {
		t.Errorf("SchemaVersion() = %d, want 1", s.SchemaVersion())
	}
	if err := s.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestOpen_ExclusiveOwnership(t *testing.T) {
	// Given: an open store
	path := filepath.Join(t.TempDir(), "pos.db")
	s, err := Open(context.Background(), Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	// When: a second owner opens the same database
	_, err = Open(context.Background(), Options{Path: path})

	// Then: it is refused
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open error = %v, want ErrLocked", err)
	}

	// And: the lock is released on Close
	s.Close()
	s2, err := Open(context.Background(), Options{Path: path})
	if err != nil {
		t.Fatalf("Open after Close failed: %v", err)
	}
	s2.Close()
}

func TestOpen_SchemaVersionStableAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pos.db")
	for i := 0; i < 3; i++ {
		s, err := Open(context.Background(), Options{Path: path})
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		if v := s.SchemaVersion(); v != 1 {
			t.Errorf("start %d: SchemaVersion() = %d, want 1", i, v)
		}
		s.Close()
	}

	if _, err := os.Stat(schema.SidecarPath(path)); err != nil {
		t.Errorf("schema registry sidecar missing: %v", err)
	}
}

func TestOpen_SchemaChangeRebuildsCachesAndKeepsQueue(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	// Given: a store with queued writes and cached items
	s, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	enqueueInvoice(t, s, "u1")
	if _, err := s.ReplaceCache(ctx, "items", []types.ReferenceEntry{
		{Key: "SKU-1", Data: json.RawMessage(`{"item_code":"SKU-1","item_group":"Drinks"}`)},
	}); err != nil {
		t.Fatalf("ReplaceCache failed: %v", err)
	}
	if err := s.SetSetting(ctx, "printer", "tm-t20"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	s.Close()

	// When: the cache schema changes
	def := schema.Default()
	def.Tables[0].Indexes = append(def.Tables[0].Indexes, "brand")
	s, err = Open(ctx, Options{Path: path, Schema: &def})
	if err != nil {
		t.Fatalf("Open with new schema failed: %v", err)
	}
	defer s.Close()

	// Then: the version increased once and caches are empty
	if v := s.SchemaVersion(); v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}
	items, err := s.ListCached(ctx, "items", types.CacheFilter{})
	if err != nil {
		t.Fatalf("ListCached failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items after rebuild = %d, want 0", len(items))
	}

	// And: the new index is usable
	if _, err := s.ListCached(ctx, "items", types.CacheFilter{Field: "brand", Value: "Acme"}); err != nil {
		t.Errorf("filter on new index failed: %v", err)
	}

	// And: the queue and settings survived
	if _, err := s.GetWriteByOfflineID(ctx, "u1"); err != nil {
		t.Errorf("queued write lost across schema bump: %v", err)
	}
	if v, err := s.GetSetting(ctx, "printer"); err != nil || v != "tm-t20" {
		t.Errorf("setting lost across schema bump: %q, %v", v, err)
	}
}

func TestOpen_DatabaseNewerThanRegistry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "pos.db")

	s, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA user_version=7"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	s, err = Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if v := s.SchemaVersion(); v != 8 {
		t.Errorf("SchemaVersion() = %d, want 8", v)
	}
}

func TestOpen_CorruptRegistryRebuildsCaches(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pos.db")

	// Given: a store with a queued write and cached items
	s, err := Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	enqueueInvoice(t, s, "u1")
	if _, err := s.ReplaceCache(ctx, "items", []types.ReferenceEntry{
		{Key: "SKU-1", Data: json.RawMessage(`{"item_code":"SKU-1","item_group":"Drinks"}`)},
	}); err != nil {
		t.Fatalf("ReplaceCache failed: %v", err)
	}
	s.Close()

	// When: the registry sidecar is corrupted
	if err := os.WriteFile(schema.SidecarPath(path), []byte("{truncated"), 0644); err != nil {
		t.Fatal(err)
	}
	s, err = Open(ctx, Options{Path: path})
	if err != nil {
		t.Fatalf("reopen with corrupt registry failed: %v", err)
	}
	defer s.Close()

	// Then: the version moved past the database's and caches were rebuilt
	if v := s.SchemaVersion(); v != 2 {
		t.Errorf("SchemaVersion() = %d, want 2", v)
	}
	items, err := s.ListCached(ctx, "items", types.CacheFilter{})
	if err != nil {
		t.Fatalf("ListCached failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("items after rebuild = %d, want 0", len(items))
	}
	if _, err := s.GetWriteByOfflineID(ctx, "u1"); err != nil {
		t.Errorf("queued write lost: %v", err)
	}

	// And: the sidecar is readable again
	rec, err := schema.NewRegistry(schema.SidecarPath(path)).Load()
	if err != nil || rec.Version != 2 {
		t.Errorf("registry after reset = %+v, %v", rec, err)
	}
}

func TestOpen_RecreatesCorruptDatabase(t *testing.T) {
	// Given: a file that is not a database
	path := filepath.Join(t.TempDir(), "pos.db")
	garbage := make([]byte, 8192)
	for i := range garbage {
		garbage[i] = byte('x')
	}
	if err := os.WriteFile(path, garbage, 0644); err != nil {
		t.Fatal(err)
	}

	// When: the store is opened
	s, err := Open(context.Background(), Options{Path: path})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	// Then: it was recreated and works
	if s.Recovery() != "recreated" {
		t.Errorf("Recovery() = %q, want recreated", s.Recovery())
	}
	enqueueInvoice(t, s, "after-recovery")
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	enqueueInvoice(t, s, "u1")

	dest := filepath.Join(t.TempDir(), "snap", "pos-snapshot.db")
	if err := s.Snapshot(context.Background(), dest); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	// A second snapshot to the same path replaces the first
	if err := s.Snapshot(context.Background(), dest); err != nil {
		t.Fatalf("second Snapshot failed: %v", err)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("snapshot is empty")
	}
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(missing) error = %v, want ErrNotFound", err)
	}
	if err := s.SetSetting(ctx, "pos_profile", "Main"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetSetting(ctx, "pos_profile", "Branch"); err != nil {
		t.Fatal(err)
	}
	v, err := s.GetSetting(ctx, "pos_profile")
	if err != nil {
		t.Fatal(err)
	}
	if v != "Branch" {
		t.Errorf("GetSetting() = %q, want Branch", v)
	}
}
