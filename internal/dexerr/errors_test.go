package dexerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeInvalidOffer, "item %d not owned", 7)
	if !errors.Is(err, ErrInvalidOffer) {
		t.Fatalf("expected invalid offer match")
	}
	if errors.Is(err, ErrTooLate) {
		t.Fatalf("unexpected too late match")
	}
	wrapped := fmt.Errorf("trade add: %w", err)
	if !errors.Is(wrapped, ErrInvalidOffer) {
		t.Fatalf("expected match through fmt wrap")
	}
	if got := CodeOf(wrapped); got != CodeInvalidOffer {
		t.Fatalf("CodeOf = %q", got)
	}
}

func TestCodeOfAndRetryable(t *testing.T) {
	cases := []struct {
		err       error
		code      Code
		retryable bool
	}{
		{nil, "", false},
		{errors.New("plain"), CodeUnknown, false},
		{Wrap(CodeStorageFailure, "commit", errors.New("disk")), CodeStorageFailure, true},
		{ErrTimeout, CodeTimeout, true},
		{ErrStateConflict, CodeStateConflict, false},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.code {
			t.Fatalf("CodeOf(%v) = %q want %q", tc.err, got, tc.code)
		}
		if got := Retryable(tc.err); got != tc.retryable {
			t.Fatalf("Retryable(%v) = %v", tc.err, got)
		}
	}
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("busy")
	err := Wrap(CodeStorageFailure, "begin", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if err.Error() != "begin: busy" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
