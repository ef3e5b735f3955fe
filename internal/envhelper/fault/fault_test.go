package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(PortConflict, "reserve", errors.New("port 8443 held by env-a"))
	wrapped := fmt.Errorf("start: %w", base)

	if got := KindOf(wrapped); got != PortConflict {
		t.Errorf("KindOf = %q, want %q", got, PortConflict)
	}
	if !IsKind(wrapped, PortConflict) {
		t.Error("IsKind(PortConflict) = false")
	}
	if IsKind(wrapped, Busy) {
		t.Error("IsKind(Busy) = true")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Error("unclassified error should have empty kind")
	}
	if IsKind(nil, Busy) {
		t.Error("nil error must not match any kind")
	}
}

func TestWithEnvironmentStampsOnce(t *testing.T) {
	err := WithEnvironment(New(Busy, "lock", nil), "env-1")
	if got := EnvironmentOf(err); got != "env-1" {
		t.Fatalf("EnvironmentOf = %q, want env-1", got)
	}
	err = WithEnvironment(err, "env-2")
	if got := EnvironmentOf(err); got != "env-1" {
		t.Errorf("second stamp overwrote id: got %q", got)
	}

	plain := errors.New("plain")
	if WithEnvironment(plain, "x") != plain {
		t.Error("unclassified error should pass through unchanged")
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", &Error{Kind: NotFound, EnvironmentID: "env-1"})

	if !errors.Is(err, &Error{Kind: NotFound}) {
		t.Error("errors.Is should match on kind alone")
	}
	if !errors.Is(err, &Error{Kind: NotFound, EnvironmentID: "env-1"}) {
		t.Error("errors.Is should match on kind and id")
	}
	if errors.Is(err, &Error{Kind: NotFound, EnvironmentID: "env-2"}) {
		t.Error("errors.Is should not match a different environment")
	}
	if errors.Is(err, &Error{Kind: Conflict}) {
		t.Error("errors.Is should not match a different kind")
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{
		Kind:          StoreUnavailable,
		EnvironmentID: "env-1",
		Op:            "store.save",
		Err:           errors.New("disk full"),
		Inconsistent:  true,
	}
	want := "StoreUnavailable (environment env-1): store.save: disk full [record inconsistent with runtime]"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q\nwant     %q", got, want)
	}
}

func TestOnlyRuntimeUnavailableRetryable(t *testing.T) {
	for _, k := range []Kind{NotFound, Conflict, PortConflict, StoreUnavailable, ValidationError, Busy} {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if !RuntimeUnavailable.Retryable() {
		t.Error("RuntimeUnavailable should be retryable")
	}
}
