package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/possync/internal/types"
)

const writeColumns = `local_id, offline_id, kind, payload, enqueued_at, status, retry_count,
	last_error, confirmed_remote_id, duplicate_of_remote_id, synced_at, updated_at`

// Enqueue appends a write to the queue. The document is re-encoded with the
// offline id embedded. Enqueue is idempotent by offline id: a repeat returns
// the existing row and created=false.
func (s *SQLiteStore) Enqueue(ctx context.Context, w types.NewWrite) (*types.QueuedWrite, bool, error) {
	if !w.Kind.Valid() {
		return nil, false, fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, w.Kind)
	}
	if w.OfflineID == "" {
		return nil, false, fmt.Errorf("%w: offline_id is required", ErrInvalidDocument)
	}
	payload, err := types.EmbedOfflineID(w.Document, w.OfflineID)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	now := formatTime(time.Now())
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO work_queue (offline_id, kind, payload, enqueued_at, status, retry_count, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?)
		ON CONFLICT(offline_id) DO NOTHING
	`, w.OfflineID, string(w.Kind), string(payload), now, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert write: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("get rows affected: %w", err)
	}

	existing, err := s.GetWriteByOfflineID(ctx, w.OfflineID)
	if err != nil {
		return nil, false, err
	}
	return existing, affected == 1, nil
}

// GetWrite returns a queued write by local id.
func (s *SQLiteStore) GetWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+writeColumns+` FROM work_queue WHERE local_id = ?`, localID)
	w, err := scanWrite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan write: %w", err)
	}
	return w, nil
}

// GetWriteByOfflineID returns a queued write by offline id.
func (s *SQLiteStore) GetWriteByOfflineID(ctx context.Context, offlineID string) (*types.QueuedWrite, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+writeColumns+` FROM work_queue WHERE offline_id = ?`, offlineID)
	w, err := scanWrite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan write: %w", err)
	}
	return w, nil
}

// ListWrites returns queued writes, oldest first.
func (s *SQLiteStore) ListWrites(ctx context.Context, filter types.QueueFilter) ([]types.QueuedWrite, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.AfterID > 0 {
		where = append(where, "local_id > ?")
		args = append(args, filter.AfterID)
	}

	query := `SELECT ` + writeColumns + ` FROM work_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY local_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	return s.queryWrites(ctx, query, args...)
}

// ListPending returns pending writes, oldest first.
func (s *SQLiteStore) ListPending(ctx context.Context, limit int) ([]types.QueuedWrite, error) {
	return s.ListWrites(ctx, types.QueueFilter{Status: types.StatusPending, Limit: limit})
}

// MarkSyncing moves a pending write to syncing.
func (s *SQLiteStore) MarkSyncing(ctx context.Context, localID int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_queue SET status = 'syncing', updated_at = ?
		WHERE local_id = ? AND status = 'pending'
	`, formatTime(time.Now()), localID)
	if err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	return s.checkTransition(ctx, result, localID)
}

// MarkSynced records the backend's confirmation. A synced row is never
// updated again.
func (s *SQLiteStore) MarkSynced(ctx context.Context, localID int64, remoteID string, duplicate bool) error {
	now := formatTime(time.Now())
	var dupOf sql.NullString
	if duplicate {
		dupOf = sql.NullString{String: remoteID, Valid: true}
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_queue
		SET status = 'synced', confirmed_remote_id = ?, duplicate_of_remote_id = ?,
		    last_error = NULL, synced_at = ?, updated_at = ?
		WHERE local_id = ? AND status != 'synced'
	`, remoteID, dupOf, now, now, localID)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return s.checkTransition(ctx, result, localID)
}

// RecordFailure stores a failed submission of a syncing write. The write
// returns to pending unless the failure is permanent or the retry count now
// exceeds maxRetries, in which case it is failed. The resulting status is
// returned.
func (s *SQLiteStore) RecordFailure(ctx context.Context, localID int64, errText string, permanent bool, maxRetries int) (types.WriteStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `
		UPDATE work_queue
		SET retry_count = retry_count + 1,
		    last_error = ?,
		    status = CASE WHEN ? OR retry_count + 1 > ? THEN 'failed' ELSE 'pending' END,
		    updated_at = ?
		WHERE local_id = ? AND status = 'syncing'
		RETURNING status
	`, errText, permanent, maxRetries, formatTime(time.Now()), localID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", s.transitionError(ctx, localID)
	}
	if err != nil {
		return "", fmt.Errorf("record failure: %w", err)
	}
	return types.WriteStatus(status), nil
}

// RequeueInterrupted returns writes left in syncing by an interrupted drain
// to pending.
func (s *SQLiteStore) RequeueInterrupted(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_queue SET status = 'pending', updated_at = ?
		WHERE status = 'syncing'
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("requeue interrupted: %w", err)
	}
	return result.RowsAffected()
}

// RetryWrite gives a permanently failed write a fresh set of attempts.
func (s *SQLiteStore) RetryWrite(ctx context.Context, localID int64) (*types.QueuedWrite, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE work_queue SET status = 'pending', retry_count = 0, updated_at = ?
		WHERE local_id = ? AND status = 'failed'
	`, formatTime(time.Now()), localID)
	if err != nil {
		return nil, fmt.Errorf("retry write: %w", err)
	}
	if err := s.checkTransition(ctx, result, localID); err != nil {
		return nil, err
	}
	return s.GetWrite(ctx, localID)
}

// DeleteWrite removes a pending or failed write. Synced writes are left for
// the retention sweep and syncing writes belong to the running drain.
func (s *SQLiteStore) DeleteWrite(ctx context.Context, localID int64) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM work_queue WHERE local_id = ? AND status IN ('pending', 'failed')
	`, localID)
	if err != nil {
		return fmt.Errorf("delete write: %w", err)
	}
	return s.checkTransition(ctx, result, localID)
}

// PruneSynced deletes synced writes confirmed before olderThan.
func (s *SQLiteStore) PruneSynced(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM work_queue WHERE status = 'synced' AND synced_at < ?
	`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("prune synced: %w", err)
	}
	return result.RowsAffected()
}

// QueueStats returns per-status counts.
func (s *SQLiteStore) QueueStats(ctx context.Context) (types.QueueStats, error) {
	var stats types.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("query queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		switch types.WriteStatus(status) {
		case types.StatusPending:
			stats.Pending = n
		case types.StatusSyncing:
			stats.Syncing = n
		case types.StatusSynced:
			stats.Synced = n
		case types.StatusFailed:
			stats.Failed = n
		}
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) queryWrites(ctx context.Context, query string, args ...any) ([]types.QueuedWrite, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query writes: %w", err)
	}
	defer rows.Close()

	writes := []types.QueuedWrite{}
	for rows.Next() {
		w, err := scanWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan write: %w", err)
		}
		writes = append(writes, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return writes, nil
}

// checkTransition turns a zero-row conditional update into a precise error.
func (s *SQLiteStore) checkTransition(ctx context.Context, result sql.Result, localID int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.transitionError(ctx, localID)
}

func (s *SQLiteStore) transitionError(ctx context.Context, localID int64) error {
	w, err := s.GetWrite(ctx, localID)
	if err != nil {
		return err
	}
	if w.Status == types.StatusSynced {
		return fmt.Errorf("write %d: %w", localID, ErrAlreadySynced)
	}
	return fmt.Errorf("write %d is %s: %w", localID, w.Status, ErrInvalidTransition)
}

func scanWrite(scanner interface{ Scan(...any) error }) (*types.QueuedWrite, error) {
	var (
		w                        types.QueuedWrite
		kind, status, payload    string
		enqueuedAt, updatedAt    string
		lastErr, remoteID, dupOf sql.NullString
		syncedAt                 sql.NullString
	)
	err := scanner.Scan(
		&w.LocalID,
		&w.OfflineID,
		&kind,
		&payload,
		&enqueuedAt,
		&status,
		&w.RetryCount,
		&lastErr,
		&remoteID,
		&dupOf,
		&syncedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Kind = types.WriteKind(kind)
	w.Status = types.WriteStatus(status)
	w.Synced = w.Status == types.StatusSynced
	w.Payload = []byte(payload)
	w.EnqueuedAt = parseTime(enqueuedAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.LastError = nullString(lastErr)
	w.ConfirmedRemoteID = nullString(remoteID)
	w.DuplicateOfRemoteID = nullString(dupOf)
	w.SyncedAt = parseNullTime(syncedAt)
	return &w, nil
}
