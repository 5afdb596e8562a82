// ABOUTME: Unit tests for JWT token verification
// ABOUTME: Covers claims round trip, expiry, signing method and required claims

package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret is a 32-byte secret that meets MinSecretLength requirement
var testSecret = []byte("minion-gateway-test-secret-32by!")

func newTestVerifier(t *testing.T) *JWTVerifier {
	t.Helper()
	v, err := NewJWTVerifier(testSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	return v
}

func TestNewJWTVerifier_ShortSecret(t *testing.T) {
	_, err := NewJWTVerifier([]byte("short"))
	if !errors.Is(err, ErrSecretTooShort) {
		t.Errorf("expected ErrSecretTooShort, got %v", err)
	}
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("minion-1", "acme", "lab", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "minion-1" {
		t.Errorf("Subject = %q, want minion-1", claims.Subject)
	}
	if claims.Tenant != "acme" {
		t.Errorf("Tenant = %q, want acme", claims.Tenant)
	}
	if claims.Location != "lab" {
		t.Errorf("Location = %q, want lab", claims.Location)
	}
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := newTestVerifier(t)

	token, err := v.Generate("minion-1", "acme", "", -time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	v := newTestVerifier(t)
	other, err := NewJWTVerifier([]byte("a-completely-different-secret-32"))
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}

	token, err := other.Generate("minion-1", "acme", "", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTVerifier_RejectsOtherSigningMethods(t *testing.T) {
	v := newTestVerifier(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{
		Tenant:           "acme",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "minion-1"},
	})
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for HS512, got %v", err)
	}
}

func TestJWTVerifier_MissingClaims(t *testing.T) {
	v := newTestVerifier(t)

	tests := []struct {
		name   string
		claims *Claims
	}{
		{"missing sub", &Claims{Tenant: "acme"}},
		{"missing tenant", &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "minion-1"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, tt.claims).SignedString(testSecret)
			if err != nil {
				t.Fatalf("SignedString() error = %v", err)
			}
			if _, err := v.Verify(signed); !errors.Is(err, ErrMissingClaim) {
				t.Errorf("expected ErrMissingClaim, got %v", err)
			}
		})
	}
}

func TestJWTVerifier_Garbage(t *testing.T) {
	v := newTestVerifier(t)
	if _, err := v.Verify("not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
