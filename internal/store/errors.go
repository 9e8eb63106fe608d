package store

import (
	"errors"

	"github.com/hyperengineering/possync/internal/fault"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrLocked            = errors.New("database is owned by another process")
	ErrAlreadySynced     = errors.New("write already synced")
	ErrInvalidTransition = errors.New("invalid write status transition")
	ErrUnknownTable      = errors.New("unknown cache table")
	ErrUnknownField      = errors.New("field is not indexed")
	ErrInvalidDocument   = errors.New("invalid document")
	ErrVersionConflict   = errors.New("database version does not match schema registry")
)

// sqliteCode returns the primary result code of a driver error, or 0.
func sqliteCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() & 0xff
	}
	return 0
}

// IsQuotaExceeded reports whether err means the database is out of space.
func IsQuotaExceeded(err error) bool {
	return sqliteCode(err) == sqlite3.SQLITE_FULL
}

// isRecoverable reports whether err belongs to the version or invalid-state
// class handled by reopening, and ultimately recreating, the database.
func isRecoverable(err error) bool {
	if errors.Is(err, ErrVersionConflict) {
		return true
	}
	switch sqliteCode(err) {
	case sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_SCHEMA:
		return true
	}
	return false
}

// Fault classifies a store error for callers across the worker boundary.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return fault.Wrap(fault.KindNotFound, op, err)
	case errors.Is(err, ErrAlreadySynced), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrUnknownTable), errors.Is(err, ErrUnknownField),
		errors.Is(err, ErrInvalidDocument):
		return fault.Wrap(fault.KindValidation, op, err)
	case IsQuotaExceeded(err):
		return fault.Wrap(fault.KindStorageQuota, op, err)
	default:
		return fault.Wrap(fault.KindInternal, op, err)
	}
}
