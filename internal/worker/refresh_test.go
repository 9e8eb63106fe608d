package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hyperengineering/possync/internal/fault"
	"github.com/hyperengineering/possync/internal/types"
)

type mockRefreshStore struct {
	mu       sync.Mutex
	tables   []string
	replaced map[string]int
}

func (m *mockRefreshStore) ReplaceCache(ctx context.Context, table string, entries []types.ReferenceEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replaced == nil {
		m.replaced = make(map[string]int)
	}
	m.replaced[table] = len(entries)
	return len(entries), nil
}

func (m *mockRefreshStore) Tables() []string { return m.tables }

type mockSource struct {
	entries map[string][]types.ReferenceEntry
	errs    map[string]error
}

func (m *mockSource) FetchReference(ctx context.Context, table string) ([]types.ReferenceEntry, error) {
	if err := m.errs[table]; err != nil {
		return nil, err
	}
	return m.entries[table], nil
}

func entries(n int) []types.ReferenceEntry {
	out := make([]types.ReferenceEntry, n)
	for i := range out {
		out[i] = types.ReferenceEntry{Data: json.RawMessage(`{}`)}
	}
	return out
}

func TestCacheRefresher_Refresh(t *testing.T) {
	tests := []struct {
		name        string
		names       []string
		errs        map[string]error
		wantErr     bool
		wantKind    fault.Kind
		wantTables  map[string]int
		wantPartial bool
		wantDone    bool
	}{
		{
			name:       "all tables by default",
			wantTables: map[string]int{"items": 2, "customers": 1},
			wantDone:   true,
		},
		{
			name:       "named table only",
			names:      []string{"customers"},
			wantTables: map[string]int{"customers": 1},
			wantDone:   true,
		},
		{
			name:        "one table failing is partial",
			errs:        map[string]error{"items": errors.New("timeout")},
			wantTables:  map[string]int{"customers": 1},
			wantPartial: true,
			wantDone:    true,
		},
		{
			name:    "every table failing is an error",
			errs:    map[string]error{"items": errors.New("down"), "customers": errors.New("down")},
			wantErr: true,
		},
		{
			name:     "unknown table is rejected",
			names:    []string{"coupons"},
			wantErr:  true,
			wantKind: fault.KindValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &mockRefreshStore{tables: []string{"items", "customers"}}
			src := &mockSource{
				entries: map[string][]types.ReferenceEntry{"items": entries(2), "customers": entries(1)},
				errs:    tt.errs,
			}
			var done int
			r := NewCacheRefresher(st, src, 0, func(types.RefreshResult) { done++ }, nil)

			res, err := r.Refresh(context.Background(), tt.names)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantKind != "" && fault.KindOf(err) != tt.wantKind {
					t.Errorf("kind = %s, want %s", fault.KindOf(err), tt.wantKind)
				}
				if done != 0 {
					t.Error("onDone should not run on failure")
				}
				return
			}
			if err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			if len(res.Tables) != len(tt.wantTables) {
				t.Fatalf("Tables = %v, want %v", res.Tables, tt.wantTables)
			}
			for name, n := range tt.wantTables {
				if res.Tables[name] != n {
					t.Errorf("Tables[%s] = %d, want %d", name, res.Tables[name], n)
				}
			}
			if res.Partial != tt.wantPartial {
				t.Errorf("Partial = %v, want %v", res.Partial, tt.wantPartial)
			}
			if tt.wantPartial && len(res.Errors) == 0 {
				t.Error("partial result should carry errors")
			}
			if (done == 1) != tt.wantDone {
				t.Errorf("onDone called %d times", done)
			}
		})
	}
}

func TestCacheRefresher_ZeroIntervalRunReturns(t *testing.T) {
	r := NewCacheRefresher(&mockRefreshStore{}, &mockSource{}, 0, nil, nil)

	done := make(chan struct{})
	go func() {
		r.Run(context.Background())
		close(done)
	}()
	<-done
}
