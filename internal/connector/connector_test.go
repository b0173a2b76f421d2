package connector

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsAuthError(t *testing.T) {
	base := &AuthError{Protocol: "ssh", Err: errors.New("permission denied")}

	if !IsAuthError(base) {
		t.Fatal("direct AuthError not recognized")
	}
	if !IsAuthError(fmt.Errorf("attempt 2: %w", base)) {
		t.Fatal("wrapped AuthError not recognized")
	}
	if IsAuthError(errors.New("connection refused")) {
		t.Fatal("plain error misclassified as auth failure")
	}
	if IsAuthError(ErrCommandTimeout) {
		t.Fatal("timeout misclassified as auth failure")
	}
}

func TestAuthError_Unwrap(t *testing.T) {
	inner := errors.New("handshake rejected")
	err := &AuthError{Protocol: "winrm", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatal("AuthError does not unwrap to its cause")
	}
	if err.Error() != "winrm authentication failed: handshake rejected" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	for _, protocol := range []string{"ssh", "winrm", "snmp"} {
		if _, err := r.Get(protocol); err != nil {
			t.Errorf("Get(%q): %v", protocol, err)
		}
	}
	if _, err := r.Get("telnet"); err == nil {
		t.Error("unknown protocol should fail")
	}
	if got := len(r.Protocols()); got != 3 {
		t.Errorf("Protocols() len = %d, want 3", got)
	}
}
