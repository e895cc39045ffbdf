package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var secret = []byte("0123456789abcdef0123456789abcdef")

func TestIssueAndAuthenticate(t *testing.T) {
	v, err := NewVerifier(secret, "HS256")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	tok, exp, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	id, err := v.Authenticate(tok)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id.UserID != "alice" {
		t.Errorf("UserID = %q, want alice", id.UserID)
	}
	if !id.ExpiresAt.Equal(exp.Truncate(time.Second)) {
		t.Errorf("ExpiresAt = %v, want %v", id.ExpiresAt, exp.Truncate(time.Second))
	}
}

func TestAuthenticateFailures(t *testing.T) {
	v, _ := NewVerifier(secret, "HS256")
	other, _ := NewVerifier([]byte("another-secret-another-secret!!"), "HS256")
	hs512, _ := NewVerifier(secret, "HS512")

	goodForOther, _, _ := other.Issue("alice", time.Hour)
	wrongAlg, _, _ := hs512.Issue("alice", time.Hour)

	past, _ := NewVerifier(secret, "HS256")
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, _, _ := past.Issue("alice", time.Hour)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "alice"}).SignedString(secret)
	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(secret)
	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"empty", "", ErrMissingToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"wrong secret", goodForOther, ErrInvalidToken},
		{"wrong alg", wrongAlg, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"no expiry", noExp, ErrInvalidToken},
		{"no subject", noSub, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Authenticate(tt.token)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSigningMethod(t *testing.T) {
	for _, alg := range []string{"", "HS256", "hs384", "HS512"} {
		if _, err := SigningMethod(alg); err != nil {
			t.Errorf("SigningMethod(%q) error: %v", alg, err)
		}
	}
	if _, err := SigningMethod("RS256"); err == nil {
		t.Error("expected error for RS256")
	}
	if _, err := NewVerifier(nil, "HS256"); err == nil {
		t.Error("expected error for empty secret")
	}
}
