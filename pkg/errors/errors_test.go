package errors_test

import (
	"fmt"
	"testing"

	"github.com/driftcode/devproxy/pkg/errors"
)

func TestErrorFormatting(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := errors.NewConnectionError("upstream.example.com", 443, cause)

	want := "[connection] dial upstream.example.com:443: failed to connect to upstream.example.com:443: connection refused"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
	if err.Unwrap() != cause {
		t.Fatalf("Unwrap did not return the original cause")
	}
}

func TestStateErrorType(t *testing.T) {
	err := errors.NewStateError("sendResponseHeaders", "response headers already sent")
	if errors.GetErrorType(err) != errors.ErrorTypeState {
		t.Fatalf("expected state error type, got %s", errors.GetErrorType(err))
	}
}

func TestIsMatchesByType(t *testing.T) {
	a := errors.NewTimeoutError("read", 0)
	b := &errors.Error{Type: errors.ErrorTypeTimeout}
	if !a.Is(b) {
		t.Fatalf("expected errors of the same type to match via Is")
	}
}
