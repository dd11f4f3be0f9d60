package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"signal-screener/internal/errs"
	"signal-screener/internal/tier"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

// TestVerifyUnverifiedMode tests decode-only verification: any signature
// passes but the sub claim is still required.
func TestVerifyUnverifiedMode(t *testing.T) {
	v := NewVerifier("")

	token := signToken(t, "whatever", jwt.MapClaims{"sub": "user-1", "role": "Admin", "tier": "pro"})
	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", id.UserID)
	}
	if !id.IsAdmin() {
		t.Error("role claim Admin should grant admin")
	}
	if id.Tier != tier.Pro {
		t.Errorf("Tier = %q, want pro", id.Tier)
	}
}

// TestVerifyRequiresSubject tests that tokens without a sub claim are
// rejected in both modes.
func TestVerifyRequiresSubject(t *testing.T) {
	token := signToken(t, "s3cret", jwt.MapClaims{"role": "admin"})

	for _, secret := range []string{"", "s3cret"} {
		_, err := NewVerifier(secret).Verify(token)
		if err == nil {
			t.Errorf("secret=%q: expected error for missing sub", secret)
			continue
		}
		if !errs.IsKind(err, errs.KindAuth) {
			t.Errorf("secret=%q: kind = %v, want auth", secret, errs.KindOf(err))
		}
	}
}

// TestVerifySignedMode tests full HMAC verification when a secret is
// configured.
func TestVerifySignedMode(t *testing.T) {
	v := NewVerifier("s3cret")

	good := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	id, err := v.Verify(good)
	if err != nil {
		t.Fatalf("Verify failed on valid token: %v", err)
	}
	if id.UserID != "user-2" {
		t.Errorf("UserID = %q, want user-2", id.UserID)
	}
	if id.IsAdmin() {
		t.Error("no role claim should not grant admin")
	}

	forged := signToken(t, "other-secret", jwt.MapClaims{"sub": "user-2"})
	if _, err := v.Verify(forged); err == nil {
		t.Error("forged signature should be rejected")
	}

	expired := signToken(t, "s3cret", jwt.MapClaims{
		"sub": "user-2",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	if _, err := v.Verify(expired); err == nil {
		t.Error("expired token should be rejected")
	}
}

// TestVerifyMalformedToken tests garbage input.
func TestVerifyMalformedToken(t *testing.T) {
	for _, token := range []string{"", "not-a-jwt", "a.b"} {
		if _, err := NewVerifier("").Verify(token); err == nil {
			t.Errorf("token %q: expected error", token)
		}
	}
}
