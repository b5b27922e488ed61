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
		{Invalid, false},
		{Unauthenticated, false},
		{Config, true},
		{Downstream, true},
		{Mapping, true},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	base := New(Mapping, "syncer: reply", errors.New("no parent"))
	wrapped := fmt.Errorf("worker: %w", base)

	if got := KindOf(wrapped); got != Mapping {
		t.Errorf("KindOf = %v, want %v", got, Mapping)
	}
	if !IsRetryable(wrapped) {
		t.Error("wrapped mapping fault should be retryable")
	}
	if !Is(wrapped, Mapping) {
		t.Error("Is(wrapped, Mapping) = false")
	}
}

func TestKindOf_Unclassified(t *testing.T) {
	if got := KindOf(errors.New("connection reset")); got != Downstream {
		t.Errorf("KindOf(unclassified) = %v, want %v", got, Downstream)
	}
	if KindOf(nil) != 0 {
		t.Error("KindOf(nil) should be zero")
	}
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestError_Message(t *testing.T) {
	err := Errorf(Invalid, "event: parse", "missing %s", "channel")
	if got, want := err.Error(), "event: parse: invalid: missing channel"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	inner := errors.New("boom")
	if !errors.Is(New(Downstream, "", inner), inner) {
		t.Error("New should wrap the inner error")
	}
}
