package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrOfflineIDMismatch is returned when a document already carries a
// different offline_id than the one assigned to its write.
var ErrOfflineIDMismatch = errors.New("document offline_id does not match assigned id")

// WriteKind identifies the business document carried by a queued write.
type WriteKind string

const (
	KindInvoice WriteKind = "invoice"
	KindPayment WriteKind = "payment"
)

// Valid reports whether k is a known write kind.
func (k WriteKind) Valid() bool {
	return k == KindInvoice || k == KindPayment
}

// WriteStatus is the lifecycle state of a queued write.
// Transitions run pending → syncing → synced|failed; a retryable failure
// returns a record from syncing to pending.
type WriteStatus string

const (
	StatusPending WriteStatus = "pending"
	StatusSyncing WriteStatus = "syncing"
	StatusSynced  WriteStatus = "synced"
	StatusFailed  WriteStatus = "failed"
)

// Valid reports whether s is a known status.
func (s WriteStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
		return true
	}
	return false
}

// QueuedWrite is an invoice or payment awaiting confirmation by the backend.
type QueuedWrite struct {
	LocalID             int64           `json:"local_id"`
	OfflineID           string          `json:"offline_id"`
	Kind                WriteKind       `json:"kind"`
	Payload             json.RawMessage `json:"payload"`
	EnqueuedAt          time.Time       `json:"enqueued_at"`
	Status              WriteStatus     `json:"status"`
	Synced              bool            `json:"synced"`
	RetryCount          int             `json:"retry_count"`
	LastError           *string         `json:"last_error"`
	ConfirmedRemoteID   *string         `json:"confirmed_remote_id"`
	DuplicateOfRemoteID *string         `json:"duplicate_of_remote_id"`
	SyncedAt            *time.Time      `json:"synced_at,omitempty"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// NewWrite is the input for enqueueing a write.
type NewWrite struct {
	Kind      WriteKind       `json:"kind"`
	OfflineID string          `json:"offline_id"`
	Document  json.RawMessage `json:"document"`
}

// EmbedOfflineID returns a detached copy of doc with offline_id set to id.
// doc must be a JSON object. An existing, different offline_id is an error.
func EmbedOfflineID(doc json.RawMessage, id string) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("document must be a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("document must be a JSON object")
	}
	if raw, ok := fields["offline_id"]; ok {
		var existing string
		if err := json.Unmarshal(raw, &existing); err != nil || (existing != "" && existing != id) {
			return nil, ErrOfflineIDMismatch
		}
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["offline_id"] = encoded
	return json.Marshal(fields)
}

// QueueFilter narrows a queue listing.
type QueueFilter struct {
	Status WriteStatus `json:"status,omitempty"`
	Kind   WriteKind   `json:"kind,omitempty"`
	// AfterID restricts the listing to rows with a larger local id.
	AfterID int64 `json:"after_id,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}

// QueueStats holds per-status counts of the work queue.
type QueueStats struct {
	Pending int64 `json:"pending"`
	Syncing int64 `json:"syncing"`
	Synced  int64 `json:"synced"`
	Failed  int64 `json:"failed"`
}

// Outstanding is the number of writes not yet confirmed.
func (s QueueStats) Outstanding() int64 {
	return s.Pending + s.Syncing + s.Failed
}

// CachedEntity is one row of bulk-replaceable reference data.
type CachedEntity struct {
	Table        string          `json:"table"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	LastSyncedAt time.Time       `json:"last_synced_at"`
}

// ReferenceEntry is one keyed document as delivered by the backend.
type ReferenceEntry struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// CacheFilter narrows a cache listing. Field must be one of the table's
// indexed fields.
type CacheFilter struct {
	Field  string `json:"field,omitempty"`
	Value  string `json:"value,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

// CacheTableStatus describes the freshness of one cache table.
// A nil LastSyncedAt means the table has never been refreshed.
type CacheTableStatus struct {
	Table        string     `json:"table"`
	Count        int64      `json:"count"`
	LastSyncedAt *time.Time `json:"last_synced_at"`
}

// CacheStatus lists the freshness of every cache table.
type CacheStatus struct {
	SchemaVersion int                `json:"schema_version"`
	Tables        []CacheTableStatus `json:"tables"`
}

// ClearOptions selects what a cache clear removes. Reference caches are
// always cleared; the work queue and settings are preserved unless asked.
type ClearOptions struct {
	Tables          []string `json:"tables,omitempty"`
	IncludeQueue    bool     `json:"include_queue,omitempty"`
	IncludeSettings bool     `json:"include_settings,omitempty"`
}

// DrainResult summarises one pass over the work queue.
type DrainResult struct {
	Attempted  int           `json:"attempted"`
	Synced     int           `json:"synced"`
	Duplicates int           `json:"duplicates"`
	Retrying   int           `json:"retrying"`
	Failed     int           `json:"failed"`
	Pruned     int64         `json:"pruned"`
	Errors     []string      `json:"errors"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// RefreshResult summarises a reference cache refresh.
type RefreshResult struct {
	Tables  map[string]int `json:"tables"`
	Errors  []string       `json:"errors"`
	AsOf    time.Time      `json:"as_of"`
	Partial bool           `json:"partial"`
}

// WorkerStatus is what the background worker reports about itself.
type WorkerStatus struct {
	Ready         bool       `json:"ready"`
	SchemaVersion int        `json:"schema_version"`
	Queue         QueueStats `json:"queue"`
	Draining      bool       `json:"draining"`
	LastDrain     *time.Time `json:"last_drain,omitempty"`
}

// HealthResponse is returned by the agent health endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Terminal string `json:"terminal"`
}

// MarshalJSON ensures nil slices in DrainResult marshal as [] not null.
func (d DrainResult) MarshalJSON() ([]byte, error) {
	if d.Errors == nil {
		d.Errors = []string{}
	}
	type Alias DrainResult
	return json.Marshal(Alias(d))
}

// MarshalJSON ensures nil collections in RefreshResult marshal as empty.
func (r RefreshResult) MarshalJSON() ([]byte, error) {
	if r.Tables == nil {
		r.Tables = map[string]int{}
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
	type Alias RefreshResult
	return json.Marshal(Alias(r))
}

// MarshalJSON ensures nil slices in CacheStatus marshal as [] not null.
func (c CacheStatus) MarshalJSON() ([]byte, error) {
	if c.Tables == nil {
		c.Tables = []CacheTableStatus{}
	}
	type Alias CacheStatus
	return json.Marshal(Alias(c))
}
