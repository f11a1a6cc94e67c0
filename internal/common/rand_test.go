package common

import (
	"strings"
	"testing"
)

// ---------- GenerateUsername ----------

func TestGenerateUsername_Shape(t *testing.T) {
	u, err := GenerateUsername("user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(u, "user_") {
		t.Fatalf("expected prefix user_, got %q", u)
	}
	if len(u) != len("user_")+4 {
		t.Fatalf("expected 4-char suffix, got %q", u)
	}
	for _, r := range strings.TrimPrefix(u, "user_") {
		if !strings.ContainsRune(usernameAlphabet, r) {
			t.Fatalf("unexpected rune %q in username %q", r, u)
		}
	}
}

// ---------- GeneratePassword ----------

func TestGeneratePassword_LengthAndAlphabet(t *testing.T) {
	const n = 16
	p, err := GeneratePassword(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p) != n {
		t.Fatalf("expected length %d, got %d", n, len(p))
	}
	for _, r := range p {
		if !strings.ContainsRune(passwordAlphabet, r) {
			t.Fatalf("unexpected rune %q in password %q", r, p)
		}
	}
}

func TestGeneratePassword_EntropyHint(t *testing.T) {
	a, err := GeneratePassword(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := GeneratePassword(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == b {
		t.Logf("warning: two GeneratePassword(32) results are identical; extremely unlikely")
	}
}
