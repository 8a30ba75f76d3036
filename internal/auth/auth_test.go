package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	v := NewValidator("test-secret")

	token, err := v.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	subject, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if subject != "alice" {
		t.Errorf("expected subject alice, got %q", subject)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	v := NewValidator("test-secret")

	token, err := v.Issue("alice", -time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := v.Validate(token); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential for expired token, got %v", err)
	}
}

func TestValidateWrongSecret(t *testing.T) {
	issuer := NewValidator("secret-a")
	verifier := NewValidator("secret-b")

	token, err := issuer.Issue("alice", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := verifier.Validate(token); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential for wrong secret, got %v", err)
	}
}

func TestValidateGarbage(t *testing.T) {
	v := NewValidator("test-secret")

	for _, credential := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := v.Validate(credential); !errors.Is(err, ErrInvalidCredential) {
			t.Errorf("credential %q: expected ErrInvalidCredential, got %v", credential, err)
		}
	}
}

func TestValidateEmptySubject(t *testing.T) {
	v := NewValidator("test-secret")

	token, err := v.Issue("", time.Minute)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := v.Validate(token); !errors.Is(err, ErrInvalidCredential) {
		t.Errorf("expected ErrInvalidCredential for empty subject, got %v", err)
	}
}
