package agent

import (
	"sync"

	"github.com/hyperengineering/possync/internal/types"
)

// Memory is the warm in-process copy of reference tables. Tables are
// loaded lazily from the worker and dropped as a whole when the worker
// reports a refresh.
type Memory struct {
	mu         sync.RWMutex
	tables     map[string]*memTable
	generation uint64
}

type memTable struct {
	order []types.CachedEntity
	byKey map[string]int
}

// NewMemory returns an empty, initialized Memory.
func NewMemory() *Memory {
	m := &Memory{}
	m.Initialize()
	return m
}

// Initialize empties the memory and starts a new generation.
func (m *Memory) Initialize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables = make(map[string]*memTable)
	m.generation++
}

// Reset drops every table. Loads started before the reset are discarded.
func (m *Memory) Reset() { m.Initialize() }

// Generation identifies the current contents. Pass it to Put so a load
// that raced a Reset does not resurrect stale rows.
func (m *Memory) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Put stores a complete table if gen is still current. It reports whether
// the table was stored.
func (m *Memory) Put(gen uint64, table string, entities []types.CachedEntity) bool {
	t := &memTable{
		order: append([]types.CachedEntity(nil), entities...),
		byKey: make(map[string]int, len(entities)),
	}
	for i, e := range t.order {
		t.byKey[e.Key] = i
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return false
	}
	m.tables[table] = t
	return true
}

// Loaded reports whether table is held in memory.
func (m *Memory) Loaded(table string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tables[table]
	return ok
}

// Get returns one entity. loaded is false when the table is not in memory,
// in which case found is meaningless.
func (m *Memory) Get(table, key string) (e types.CachedEntity, found, loaded bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return types.CachedEntity{}, false, false
	}
	i, ok := t.byKey[key]
	if !ok {
		return types.CachedEntity{}, false, true
	}
	return t.order[i], true, true
}

// List returns a copy of a loaded table.
func (m *Memory) List(table string) ([]types.CachedEntity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[table]
	if !ok {
		return nil, false
	}
	return append([]types.CachedEntity{}, t.order...), true
}
