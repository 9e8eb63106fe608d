// Package ledger is a reference implementation of the backend's
// idempotent submission contract. Each offline id owns one record whose
// reservation decides whether a submission creates a document, reports a
// duplicate, or is told to come back later.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/possync/internal/backend"
	"github.com/hyperengineering/possync/internal/types"
	"github.com/hyperengineering/possync/internal/validation"
)

// DefaultReservationTTL is how long a Pending reservation blocks other
// submissions of the same offline id.
const DefaultReservationTTL = 5 * time.Minute

// Status is the state of an offline id's record.
type Status string

const (
	StatusPending Status = "Pending"
	StatusSynced  Status = "Synced"
	StatusFailed  Status = "Failed"
)

var (
	// ErrSyncInProgress means another submission holds a live reservation.
	ErrSyncInProgress = errors.New("sync in progress for this offline id")

	// ErrUnknownTable means no reference data is registered under the name.
	ErrUnknownTable = errors.New("unknown reference table")
)

// InvalidDocumentError carries the schema problems of a rejected document.
type InvalidDocumentError struct {
	Errors []validation.ValidationError
}

func (e *InvalidDocumentError) Error() string {
	return "invalid document: " + validation.Summary(e.Errors)
}

// Record is the per offline id bookkeeping.
type Record struct {
	OfflineID  string          `json:"offline_id"`
	Kind       types.WriteKind `json:"kind"`
	Status     Status          `json:"status"`
	Name       string          `json:"name,omitempty"`
	ReservedAt time.Time       `json:"reserved_at"`
	SyncedAt   time.Time       `json:"synced_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Document   json.RawMessage `json:"document,omitempty"`
}

// Options configures a Ledger. Zero values take the defaults.
type Options struct {
	ReservationTTL time.Duration
	Reference      map[string][]types.ReferenceEntry
	Logger         *slog.Logger
	Now            func() time.Time
}

// Ledger holds submission records and reference tables in memory.
type Ledger struct {
	ttl       time.Duration
	validator *validation.DocumentValidator
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	records   map[string]*Record
	reference map[string][]types.ReferenceEntry
}

// New creates a Ledger.
func New(opts Options) (*Ledger, error) {
	v, err := validation.NewDocumentValidator()
	if err != nil {
		return nil, fmt.Errorf("document validator: %w", err)
	}
	if opts.ReservationTTL <= 0 {
		opts.ReservationTTL = DefaultReservationTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	ref := make(map[string][]types.ReferenceEntry, len(opts.Reference))
	for table, entries := range opts.Reference {
		ref[table] = append([]types.ReferenceEntry(nil), entries...)
	}
	return &Ledger{
		ttl:       opts.ReservationTTL,
		validator: v,
		logger:    opts.Logger.With("component", "ledger"),
		now:       opts.Now,
		records:   make(map[string]*Record),
		reference: ref,
	}, nil
}

// reserve claims offlineID for one submission. It returns the existing
// record when the id is already synced.
func (l *Ledger) reserve(offlineID string, kind types.WriteKind) (existing *Record, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records[offlineID]
	if ok {
		switch {
		case rec.Status == StatusSynced && rec.Name != "":
			cp := *rec
			return &cp, nil
		case rec.Status == StatusPending && now.Sub(rec.ReservedAt) < l.ttl:
			return nil, ErrSyncInProgress
		}
		// Expired Pending, Failed, or a Synced record that lost its name.
		l.logger.Info("reusing reservation", "offline_id", offlineID, "previous_status", rec.Status)
		rec.Status = StatusPending
		rec.Kind = kind
		rec.ReservedAt = now
		rec.Error = ""
		rec.Name = ""
		return nil, nil
	}

	l.records[offlineID] = &Record{
		OfflineID:  offlineID,
		Kind:       kind,
		Status:     StatusPending,
		ReservedAt: now,
	}
	return nil, nil
}

func (l *Ledger) markSynced(offlineID, name string, doc json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[offlineID]; ok {
		rec.Status = StatusSynced
		rec.Name = name
		rec.SyncedAt = l.now()
		rec.Document = doc
	}
}

func (l *Ledger) markFailed(offlineID string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[offlineID]; ok {
		rec.Status = StatusFailed
		rec.Error = cause.Error()
	}
}

// Submit creates the document for offlineID at most once. A repeat after
// success returns the original record with Duplicate set.
func (l *Ledger) Submit(ctx context.Context, kind types.WriteKind, offlineID string, doc json.RawMessage) (*backend.SubmitResult, error) {
	if verr := validation.ValidateRequired("offline_id", offlineID); verr != nil {
		return nil, &InvalidDocumentError{Errors: []validation.ValidationError{*verr}}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	existing, err := l.reserve(offlineID, kind)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		l.logger.Info("duplicate submission", "offline_id", offlineID, "name", existing.Name)
		return &backend.SubmitResult{Name: existing.Name, OfflineID: offlineID, Duplicate: true}, nil
	}

	if errs := l.validator.Validate(kind, doc); len(errs) > 0 {
		verr := &InvalidDocumentError{Errors: errs}
		l.markFailed(offlineID, verr)
		return nil, verr
	}

	name := namePrefix(kind) + ulid.Make().String()
	l.markSynced(offlineID, name, doc)
	l.logger.Info("document created", "offline_id", offlineID, "kind", kind, "name", name)
	return &backend.SubmitResult{Name: name, OfflineID: offlineID}, nil
}

func namePrefix(kind types.WriteKind) string {
	if kind == types.KindPayment {
		return "ACC-PAY-"
	}
	return "ACC-SINV-"
}

// CheckSynced answers the duplicate pre-check. Only a Synced record with
// a document name counts.
func (l *Ledger) CheckSynced(offlineID string) backend.SyncStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[offlineID]
	if !ok || rec.Status != StatusSynced || rec.Name == "" {
		return backend.SyncStatus{}
	}
	return backend.SyncStatus{Synced: true, RemoteID: rec.Name}
}

// Record returns a copy of the record for offlineID.
func (l *Ledger) Record(offlineID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[offlineID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Count returns the number of records per status.
func (l *Ledger) Count() map[Status]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Status]int, 3)
	for _, rec := range l.records {
		out[rec.Status]++
	}
	return out
}

// Reference lists one reference table.
func (l *Ledger) Reference(table string) ([]types.ReferenceEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries, ok := l.reference[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return append([]types.ReferenceEntry{}, entries...), nil
}

// Tables returns the registered reference table names, sorted.
func (l *Ledger) Tables() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.reference))
	for name := range l.reference {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetReference replaces one reference table.
func (l *Ledger) SetReference(table string, entries []types.ReferenceEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reference[table] = append([]types.ReferenceEntry{}, entries...)
}
