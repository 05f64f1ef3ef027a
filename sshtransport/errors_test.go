package sshtransport

import (
	"errors"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	a := New(ErrTimeout)
	b := New(ErrTimeout)
	if !errors.Is(a, b) {
		t.Fatal("two *Error values with the same code should satisfy errors.Is")
	}
	c := New(ErrRetriesExhausted)
	if errors.Is(a, c) {
		t.Fatal("different codes must not satisfy errors.Is")
	}
}

func TestWrapUnwrapsToCause(t *testing.T) {
	cause := errors.New("port unplugged")
	wrapped := Wrap(ErrLinkWriteFailed, cause)
	if !errors.Is(wrapped, cause) {
		t.Fatal("errors.Is should find the wrapped cause")
	}
	if wrapped.Unwrap() != cause {
		t.Fatal("Unwrap should return the original cause")
	}
}

func TestErrorMessageIncludesCode(t *testing.T) {
	err := New(ErrSuspended)
	if err.Error() == "" {
		t.Fatal("Error() should not be empty")
	}
}
