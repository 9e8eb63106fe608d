// Package fault defines the closed set of error kinds that cross the
// boundary between the agent and its background worker. Retryability is a
// property of the kind, never of the error text.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// KindTransientNetwork covers probe and submit failures caused by connectivity.
	KindTransientNetwork Kind = "transient_network"

	// KindTimeout means no reply arrived within the per-attempt deadline.
	KindTimeout Kind = "timeout"

	// KindBackgroundCrash means the background worker died while a call was outstanding.
	KindBackgroundCrash Kind = "background_crash"

	// KindStorageQuota means the local database ran out of space.
	KindStorageQuota Kind = "storage_quota_exceeded"

	// KindValidation means a business document was rejected as malformed.
	KindValidation Kind = "validation_failure"

	// KindNotFound means the addressed record does not exist.
	KindNotFound Kind = "not_found"

	// KindUnavailable means the background subsystem gave up restarting.
	KindUnavailable Kind = "subsystem_unavailable"

	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Retryable reports whether an operation failing with this kind may be
// resubmitted with the same payload.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransientNetwork, KindTimeout, KindBackgroundCrash, KindInternal:
		return true
	default:
		return false
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTransientNetwork, KindTimeout, KindBackgroundCrash, KindStorageQuota,
		KindValidation, KindNotFound, KindUnavailable, KindInternal:
		return true
	}
	return false
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when none is present.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// IsRetryable reports whether err may be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// Message returns the human-readable part of err without the kind prefix.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Message != "" {
			return fe.Message
		}
		if fe.Err != nil {
			return fe.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
