package trackerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorWrapsCause(t *testing.T) {
	cause := errors.New("disk on fire")
	err := New(Corruption, "check_client", cause)

	if !errors.Is(err, cause) {
		t.Fatal("Unwrap should reach the cause")
	}
	if got := err.Error(); got != "check_client: Corruption: disk on fire" {
		t.Fatalf("Error() = %q", got)
	}

	var te *Error
	if !errors.As(err, &te) || te.Code != Corruption {
		t.Fatalf("errors.As failed to recover the code: %+v", te)
	}
}

func TestErrorWithoutCause(t *testing.T) {
	err := New(Invalid, "iterate_recovery", nil)
	if got := err.Error(); got != "iterate_recovery: Invalid" {
		t.Fatalf("Error() = %q", got)
	}
	if err.Unwrap() != nil {
		t.Fatal("Unwrap of nil cause should be nil")
	}
}

func TestIs(t *testing.T) {
	err := New(NotFound, "remove_client", nil)
	if !Is(err, NotFound) {
		t.Fatal("Is should match the code")
	}
	if Is(err, Transient) {
		t.Fatal("Is should not match a different code")
	}
	if Is(errors.New("plain"), NotFound) {
		t.Fatal("Is should reject non-Error values")
	}
}

func TestFatal(t *testing.T) {
	for _, c := range []Code{Corruption, UnsupportedSchema} {
		if !c.Fatal() {
			t.Fatalf("%v should be fatal", c)
		}
	}
	for _, c := range []Code{Transient, NotFound, Invalid, TransportLost} {
		if c.Fatal() {
			t.Fatalf("%v should not be fatal", c)
		}
	}
}

func TestCodeString(t *testing.T) {
	if got := fmt.Sprint(UnsupportedSchema); got != "UnsupportedSchema" {
		t.Fatalf("String() = %q", got)
	}
	if got := fmt.Sprint(Code(42)); got != "Unknown(42)" {
		t.Fatalf("String() = %q", got)
	}
}
