package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(NotFound, "conversation %s not found", "conv-1")
	if KindOf(err) != NotFound {
		t.Errorf("expected NotFound, got %s", KindOf(err))
	}
	if err.Error() != "conversation conv-1 not found" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestWrapPreservesExistingKind(t *testing.T) {
	inner := New(InvalidInput, "bad field")
	wrapped := Wrap(Internal, fmt.Errorf("while saving: %w", inner))
	if KindOf(wrapped) != InvalidInput {
		t.Errorf("expected inner kind preserved, got %s", KindOf(wrapped))
	}
}

func TestWrapAssignsKindToPlainError(t *testing.T) {
	wrapped := Wrap(EngineUnavailable, errors.New("connection refused"))
	if !IsKind(wrapped, EngineUnavailable) {
		t.Errorf("expected EngineUnavailable, got %s", KindOf(wrapped))
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	if KindOf(errors.New("plain")) != Internal {
		t.Error("expected plain errors to report Internal")
	}
	if IsKind(nil, Internal) {
		t.Error("nil error must not match any kind")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Wrap(NotFound, inner)
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to reach the wrapped error")
	}
}
