package control

import (
	"errors"
	"testing"
)

func TestErrorMessageFallsBackToKind(t *testing.T) {
	e := &Error{Kind: KindNotFound}
	if e.Error() != string(KindNotFound) {
		t.Fatalf("expected fallback to kind string, got %q", e.Error())
	}
	withMsg := New(KindValidation, "bad input")
	if withMsg.Error() != "bad input" {
		t.Fatalf("expected explicit message, got %q", withMsg.Error())
	}
}

func TestWrapUnwrapsToUnderlyingCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	wrapped := Wrap(KindUpstreamFailure, "fetch pip attribute", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatalf("expected errors.Is to see through Wrap to the underlying cause")
	}
}

func TestAsMatchesKindAndRejectsMismatch(t *testing.T) {
	var err error = NotFound("policy pol-1 not found")

	if ce, ok := As(err, KindNotFound); !ok || ce.Msg != "policy pol-1 not found" {
		t.Fatalf("expected As to match KindNotFound, got ok=%v ce=%#v", ok, ce)
	}
	if _, ok := As(err, KindConflict); ok {
		t.Fatalf("expected As to reject mismatched kind")
	}
	if _, ok := As(errors.New("plain error"), KindNotFound); ok {
		t.Fatalf("expected As to reject a non-control.Error")
	}
}

func TestValidationCarriesFieldErrors(t *testing.T) {
	err := Validation("invalid request", FieldError{Path: "name", Reason: "required"})
	if err.Kind != KindValidation {
		t.Fatalf("expected KindValidation, got %s", err.Kind)
	}
	if len(err.Fields) != 1 || err.Fields[0].Path != "name" {
		t.Fatalf("expected field error preserved, got %#v", err.Fields)
	}
}
