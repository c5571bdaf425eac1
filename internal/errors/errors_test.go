package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := New("capability.Match", NoCompatibleImplementation, cause, "no implementation satisfied %s", "radio")
	wrapped := fmt.Errorf("deploy radio1: %w", err)

	if !Is(wrapped, NoCompatibleImplementation) {
		t.Error("expected Is to find the wrapped *Error's kind through fmt.Errorf's %w")
	}
	if Is(wrapped, LaunchFailed) {
		t.Error("expected Is to reject a kind that doesn't match")
	}
}

func TestIsRejectsPlainErrors(t *testing.T) {
	if Is(fmt.Errorf("plain"), NotFound) {
		t.Error("expected Is to reject an error that isn't a *Error")
	}
}

func TestErrorStringIncludesOpKindAndCause(t *testing.T) {
	cause := fmt.Errorf("no such file")
	err := New("descriptor.Load", ParseError, cause, "malformed %s", "node.yaml")

	got := err.Error()
	for _, want := range []string{"descriptor.Load", "ParseError", "malformed node.yaml", "no such file"} {
		if !strings.Contains(got, want) {
			t.Errorf("Error() = %q, want it to contain %q", got, want)
		}
	}
}

func TestErrorStringWithoutCause(t *testing.T) {
	err := New("registry.Register", InvalidRef, nil, "nil handle")
	got := err.Error()
	if !strings.Contains(got, "registry.Register") || !strings.Contains(got, "InvalidRef") {
		t.Errorf("Error() = %q, want it to contain op and kind", got)
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := New("op", FilesystemError, cause, "")
	if got := err.Unwrap(); got != cause {
		t.Errorf("Unwrap(): got %v, want %v", got, cause)
	}
}
