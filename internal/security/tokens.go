package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// AccessClaims holds JWT claims for the auth token carried in the auth cookie.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// TokenProvider issues and validates HS256 auth tokens signed with a shared secret.
// Account login lives outside this service; it only needs to mint tokens with the same secret.
type TokenProvider struct {
	secret    []byte
	issuer    string
	audience  string
	accessTTL time.Duration
	now       func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with secret.
// issuer and audience are set on claims and validated on every request.
func NewTokenProvider(secret []byte, issuer, audience string, accessTTL time.Duration) (*TokenProvider, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	return &TokenProvider{
		secret:    secret,
		issuer:    issuer,
		audience:  audience,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// IssueAccess issues an auth token for userID.
// Returns the token string, its jti, and expiration time.
func (p *TokenProvider) IssueAccess(userID string) (token string, jti string, expiresAt time.Time, err error) {
	if userID == "" {
		return "", "", time.Time{}, ErrInvalidToken
	}
	jti, err = generateJTI()
	if err != nil {
		return "", "", time.Time{}, err
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.accessTTL)
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token, err = t.SignedString(p.secret)
	return token, jti, expiresAt, err
}

// ValidateAccess parses and validates the auth token (signature, exp, iss, aud).
// Returns the owner (user) id or ErrInvalidToken.
func (p *TokenProvider) ValidateAccess(tokenString string) (userID string, err error) {
	userID, _, _, err = p.ValidateAccessClaims(tokenString)
	return userID, err
}

// ValidateAccessClaims is ValidateAccess that also returns the token's jti and expiry.
func (p *TokenProvider) ValidateAccessClaims(tokenString string) (userID, jti string, expiresAt time.Time, err error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); ok {
			return p.secret, nil
		}
		return nil, ErrInvalidToken
	},
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil {
		return "", "", time.Time{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid || claims.Subject == "" || claims.ExpiresAt == nil {
		return "", "", time.Time{}, ErrInvalidToken
	}
	return claims.Subject, claims.ID, claims.ExpiresAt.Time, nil
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
