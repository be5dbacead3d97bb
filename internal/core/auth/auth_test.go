package auth

import (
	"testing"
	"time"

	"github.com/quorumkv/quorumkv/internal/core/domain"
)

func TestAuthenticateUnknownKey(t *testing.T) {
	a := New(nil, time.Hour)
	_, err := a.Authenticate("nope")
	if !domain.IsKind(err, domain.KindInvalidAPIKey) {
		t.Errorf("Authenticate(unknown) = %v, want InvalidApiKey", err)
	}
}

func TestAuthenticateAndValidate(t *testing.T) {
	a := New(nil, time.Hour)
	a.AddAPIKey("demo-key", "admin")

	token, err := a.Authenticate("demo-key")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if token == "" {
		t.Fatal("Authenticate() returned empty token")
	}

	if err := a.ValidateToken(token); err != nil {
		t.Errorf("ValidateToken() error = %v, want nil", err)
	}
	if role := a.RoleOf(token); role != "admin" {
		t.Errorf("RoleOf() = %q, want admin", role)
	}
}

func TestValidateInvalidToken(t *testing.T) {
	a := New(nil, time.Hour)
	if err := a.ValidateToken(""); !domain.IsKind(err, domain.KindInvalidToken) {
		t.Errorf("ValidateToken(empty) = %v, want InvalidToken", err)
	}
}

func TestTokenExpiry(t *testing.T) {
	a := New(nil, 10*time.Millisecond)
	a.AddAPIKey("demo-key", "user")
	token, _ := a.Authenticate("demo-key")

	if err := a.ValidateToken(token); err != nil {
		t.Fatalf("token should be valid immediately: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	err := a.ValidateToken(token)
	if !domain.IsKind(err, domain.KindTokenExpired) {
		t.Errorf("ValidateToken() after expiry = %v, want TokenExpired", err)
	}

	// Eviction side effect: a second validate sees it as simply absent.
	err = a.ValidateToken(token)
	if !domain.IsKind(err, domain.KindInvalidToken) {
		t.Errorf("ValidateToken() after eviction = %v, want InvalidToken", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	a := New(nil, 10*time.Millisecond)
	a.AddAPIKey("k1", "user")
	a.AddAPIKey("k2", "user")
	t1, _ := a.Authenticate("k1")
	_, _ = a.Authenticate("k2")

	time.Sleep(20 * time.Millisecond)

	n := a.Sweep()
	if n != 2 {
		t.Errorf("Sweep() removed %d, want 2", n)
	}
	if err := a.ValidateToken(t1); !domain.IsKind(err, domain.KindInvalidToken) {
		t.Errorf("token should be gone after sweep, got %v", err)
	}
}

func TestTokensAreUnique(t *testing.T) {
	a := New(nil, time.Hour)
	a.AddAPIKey("k", "user")

	t1, _ := a.Authenticate("k")
	t2, _ := a.Authenticate("k")
	if t1 == t2 {
		t.Error("two Authenticate calls produced the same token")
	}
}

func TestAllowRateLimitsDeniedUnknownToken(t *testing.T) {
	a := New(nil, time.Hour)
	if a.Allow("no-such-token") {
		t.Error("Allow() on unknown token should be false")
	}
}
