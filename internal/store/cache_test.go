package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hyperengineering/possync/internal/types"
)

func itemEntries(codes ...string) []types.ReferenceEntry {
	entries := make([]types.ReferenceEntry, len(codes))
	for i, c := range codes {
		entries[i] = types.ReferenceEntry{
			Data: json.RawMessage(`{"item_code":"` + c + `","item_group":"Drinks","item_name":"` + c + ` name"}`),
		}
	}
	return entries
}

func TestReplaceCache_WholeTable(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Given: a populated items table
	n, err := s.ReplaceCache(ctx, "items", itemEntries("A", "B", "C"))
	if err != nil {
		t.Fatalf("ReplaceCache failed: %v", err)
	}
	if n != 3 {
		t.Errorf("ReplaceCache() = %d, want 3", n)
	}

	// When: the table is replaced with a smaller set
	if _, err := s.ReplaceCache(ctx, "items", itemEntries("B")); err != nil {
		t.Fatalf("ReplaceCache failed: %v", err)
	}

	// Then: only the new set remains
	got, err := s.ListCached(ctx, "items", types.CacheFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != "B" {
		t.Errorf("items = %+v", got)
	}
	if _, err := s.GetCached(ctx, "items", "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCached(A) error = %v, want ErrNotFound", err)
	}
}

func TestReplaceCache_RollsBackOnBadEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.ReplaceCache(ctx, "items", itemEntries("A"))

	bad := append(itemEntries("B"), types.ReferenceEntry{Data: json.RawMessage(`{"item_group":"x"}`)})
	if _, err := s.ReplaceCache(ctx, "items", bad); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("ReplaceCache error = %v, want ErrInvalidDocument", err)
	}

	// The previous contents are intact
	if _, err := s.GetCached(ctx, "items", "A"); err != nil {
		t.Errorf("previous contents lost: %v", err)
	}
}

func TestReplaceCache_UnknownTable(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ReplaceCache(context.Background(), "coupons", nil); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("error = %v, want ErrUnknownTable", err)
	}
}

func TestListCached_FilterOnIndexedField(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	entries := []types.ReferenceEntry{
		{Key: "C1", Data: json.RawMessage(`{"name":"C1","customer_name":"Ada","mobile_no":"555"}`)},
		{Key: "C2", Data: json.RawMessage(`{"name":"C2","customer_name":"Grace","mobile_no":"777"}`)},
	}
	if _, err := s.ReplaceCache(ctx, "customers", entries); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListCached(ctx, "customers", types.CacheFilter{Field: "mobile_no", Value: "777"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Key != "C2" {
		t.Errorf("filtered = %+v", got)
	}

	if _, err := s.ListCached(ctx, "customers", types.CacheFilter{Field: "email", Value: "x"}); !errors.Is(err, ErrUnknownField) {
		t.Errorf("unindexed filter error = %v, want ErrUnknownField", err)
	}
}

func TestCacheStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.ReplaceCache(ctx, "items", itemEntries("A", "B"))

	status, err := s.CacheStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.SchemaVersion != s.SchemaVersion() {
		t.Errorf("SchemaVersion = %d", status.SchemaVersion)
	}
	if len(status.Tables) != 5 {
		t.Fatalf("tables = %d, want 5", len(status.Tables))
	}
	for _, ts := range status.Tables {
		switch ts.Table {
		case "items":
			if ts.Count != 2 || ts.LastSyncedAt == nil {
				t.Errorf("items status = %+v", ts)
			}
		default:
			if ts.Count != 0 || ts.LastSyncedAt != nil {
				t.Errorf("%s status = %+v, want never refreshed", ts.Table, ts)
			}
		}
	}
}

func TestClearCache_PreservesQueueAndSettingsByDefault(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.ReplaceCache(ctx, "items", itemEntries("A"))
	enqueueInvoice(t, s, "u1")
	s.SetSetting(ctx, "printer", "tm-t20")

	if err := s.ClearCache(ctx, types.ClearOptions{}); err != nil {
		t.Fatalf("ClearCache failed: %v", err)
	}

	items, _ := s.ListCached(ctx, "items", types.CacheFilter{})
	if len(items) != 0 {
		t.Errorf("items not cleared: %d", len(items))
	}
	if _, err := s.GetWriteByOfflineID(ctx, "u1"); err != nil {
		t.Errorf("queue not preserved: %v", err)
	}
	if _, err := s.GetSetting(ctx, "printer"); err != nil {
		t.Errorf("settings not preserved: %v", err)
	}

	if err := s.ClearCache(ctx, types.ClearOptions{IncludeQueue: true, IncludeSettings: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetWriteByOfflineID(ctx, "u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("queue not cleared: %v", err)
	}
	if _, err := s.GetSetting(ctx, "printer"); !errors.Is(err, ErrNotFound) {
		t.Errorf("settings not cleared: %v", err)
	}
}

func TestClearCache_SelectedTables(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.ReplaceCache(ctx, "items", itemEntries("A"))
	s.ReplaceCache(ctx, "payment_methods", []types.ReferenceEntry{
		{Data: json.RawMessage(`{"mode_of_payment":"Cash","type":"Cash"}`)},
	})

	if err := s.ClearCache(ctx, types.ClearOptions{Tables: []string{"items"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCached(ctx, "payment_methods", "Cash"); err != nil {
		t.Errorf("untouched table cleared: %v", err)
	}
	if err := s.ClearCache(ctx, types.ClearOptions{Tables: []string{"nope"}}); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("unknown table error = %v", err)
	}
}
