package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/possync/internal/fault"
)

func TestSentinelErrors_WrappedIdentity(t *testing.T) {
	sentinels := []struct {
		name string
		err  error
	}{
		{"ErrNotFound", ErrNotFound},
		{"ErrLocked", ErrLocked},
		{"ErrAlreadySynced", ErrAlreadySynced},
		{"ErrInvalidTransition", ErrInvalidTransition},
		{"ErrUnknownTable", ErrUnknownTable},
		{"ErrUnknownField", ErrUnknownField},
		{"ErrInvalidDocument", ErrInvalidDocument},
		{"ErrVersionConflict", ErrVersionConflict},
	}

	for _, s := range sentinels {
		t.Run(s.name, func(t *testing.T) {
			wrapped := fmt.Errorf("context: %w", s.err)
			if !errors.Is(wrapped, s.err) {
				t.Errorf("errors.Is failed for wrapped %s", s.name)
			}
		})
	}
}

func TestFault_Classification(t *testing.T) {
	tests := []struct {
		err  error
		want fault.Kind
	}{
		{fmt.Errorf("write 3: %w", ErrNotFound), fault.KindNotFound},
		{fmt.Errorf("write 3: %w", ErrAlreadySynced), fault.KindValidation},
		{fmt.Errorf("write 3 is syncing: %w", ErrInvalidTransition), fault.KindValidation},
		{fmt.Errorf("%w: %q", ErrUnknownTable, "x"), fault.KindValidation},
		{fmt.Errorf("%w: bad", ErrInvalidDocument), fault.KindValidation},
		{errors.New("disk I/O error"), fault.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := fault.KindOf(Fault("op", tt.err)); got != tt.want {
				t.Errorf("Fault() kind = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFault_NilAndAlreadyClassified(t *testing.T) {
	if Fault("op", nil) != nil {
		t.Error("Fault(nil) should be nil")
	}
	fe := fault.New(fault.KindStorageQuota, "enqueue", "full")
	if got := Fault("other", fe); got != error(fe) {
		t.Errorf("classified error was rewrapped: %v", got)
	}
}
