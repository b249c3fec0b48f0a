package security

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenProvider_IssueAndValidate(t *testing.T) {
	p, err := NewTestTokenProvider()
	if err != nil {
		t.Fatalf("NewTestTokenProvider: %v", err)
	}
	token, jti, exp, err := p.IssueAccess("u1")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	if token == "" || jti == "" {
		t.Fatal("token or jti empty")
	}
	if exp.Before(time.Now()) {
		t.Fatal("expires at in the past")
	}
	uid, err := p.ValidateAccess(token)
	if err != nil {
		t.Fatalf("ValidateAccess: %v", err)
	}
	if uid != "u1" {
		t.Errorf("ValidateAccess: got userID=%q, want u1", uid)
	}
}

func TestTokenProvider_IssueAccessEmptyUser(t *testing.T) {
	p, _ := NewTestTokenProvider()
	if _, _, _, err := p.IssueAccess(""); err != ErrInvalidToken {
		t.Errorf("IssueAccess empty user: want ErrInvalidToken, got %v", err)
	}
}

func TestNewTokenProvider_EmptySecret(t *testing.T) {
	if _, err := NewTokenProvider(nil, "i", "a", time.Minute); err != ErrInvalidKey {
		t.Errorf("NewTokenProvider(nil): want ErrInvalidKey, got %v", err)
	}
}

func TestTokenProvider_ValidateAccessInvalid(t *testing.T) {
	p, _ := NewTestTokenProvider()
	other, _ := NewTokenProvider([]byte("another-secret"), "test-issuer", "test-audience", time.Minute)
	wrongAud, _ := NewTokenProvider([]byte(testTokenSecret), "test-issuer", "other-audience", time.Minute)
	wrongIss, _ := NewTokenProvider([]byte(testTokenSecret), "other-issuer", "test-audience", time.Minute)

	foreign, _, _, _ := other.IssueAccess("u1")
	audToken, _, _, _ := wrongAud.IssueAccess("u1")
	issToken, _, _, _ := wrongIss.IssueAccess("u1")

	expired, _ := NewTokenProvider([]byte(testTokenSecret), "test-issuer", "test-audience", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expiredToken, _, _, _ := expired.IssueAccess("u1")

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "u1"})
	noneToken, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	testCases := []struct {
		name  string
		token string
	}{
		{"garbage", "invalid-token"},
		{"empty", ""},
		{"wrong secret", foreign},
		{"wrong audience", audToken},
		{"wrong issuer", issToken},
		{"expired", expiredToken},
		{"alg none", noneToken},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := p.ValidateAccess(tc.token); err != ErrInvalidToken {
				t.Errorf("ValidateAccess: want ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestTokenProvider_ValidateAccessClaimsExpiry(t *testing.T) {
	p, _ := NewTestTokenProvider()
	issued := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return issued }
	token, jti, exp, err := p.IssueAccess("u1")
	if err != nil {
		t.Fatalf("IssueAccess: %v", err)
	}
	uid, gotJTI, gotExp, err := p.ValidateAccessClaims(token)
	if err != nil {
		t.Fatalf("ValidateAccessClaims: %v", err)
	}
	if uid != "u1" || gotJTI != jti {
		t.Errorf("claims = %q %q", uid, gotJTI)
	}
	if !gotExp.Equal(exp) || !gotExp.Equal(issued.Add(15*time.Minute)) {
		t.Errorf("expiresAt = %v, want %v", gotExp, exp)
	}

	p.now = func() time.Time { return exp }
	if _, _, _, err := p.ValidateAccessClaims(token); err != ErrInvalidToken {
		t.Errorf("ValidateAccessClaims at expiry: want ErrInvalidToken, got %v", err)
	}
}
