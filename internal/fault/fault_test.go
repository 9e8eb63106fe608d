package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKind_Retryable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindTransientNetwork, true},
		{KindTimeout, true},
		{KindBackgroundCrash, true},
		{KindInternal, true},
		{KindStorageQuota, false},
		{KindValidation, false},
		{KindNotFound, false},
		{KindUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf_WrappedChain(t *testing.T) {
	base := New(KindValidation, "enqueue", "grand_total missing")
	wrapped := fmt.Errorf("handle request: %w", base)

	if got := KindOf(wrapped); got != KindValidation {
		t.Errorf("KindOf() = %q, want %q", got, KindValidation)
	}
	if IsRetryable(wrapped) {
		t.Error("validation failure must not be retryable")
	}
	if !Is(wrapped, KindValidation) {
		t.Error("Is() = false, want true")
	}
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf() = %q, want %q", got, KindInternal)
	}
}

func TestWrap_NilStaysNil(t *testing.T) {
	if err := Wrap(KindTimeout, "op", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestMessage(t *testing.T) {
	err := Wrap(KindTransientNetwork, "submit", errors.New("connection refused"))
	if got := Message(err); got != "connection refused" {
		t.Errorf("Message() = %q", got)
	}
	if got := err.Error(); got != "submit: transient_network: connection refused" {
		t.Errorf("Error() = %q", got)
	}
}
