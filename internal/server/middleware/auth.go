package middleware

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"remote-admin-gateway/internal/session/domain"
)

const bearerPrefix = "bearer "

// TokenValidator verifies an auth token and returns the owner id, token id and expiry. *security.TokenProvider satisfies it.
type TokenValidator interface {
	ValidateAccessClaims(token string) (ownerID, tokenID string, expiresAt time.Time, err error)
}

// Identity is the verified owner of a request.
type Identity struct {
	OwnerID   string
	TokenID   string
	ExpiresAt time.Time
}

// Authenticator resolves the request owner from the auth cookie or, for CLI clients, an Authorization: Bearer header.
type Authenticator struct {
	tokens     TokenValidator
	cookieName string
}

// NewAuthenticator returns an Authenticator reading cookieName.
func NewAuthenticator(tokens TokenValidator, cookieName string) *Authenticator {
	if cookieName == "" {
		cookieName = "auth_token"
	}
	return &Authenticator{tokens: tokens, cookieName: cookieName}
}

// Authenticate returns the owner id and token id for r, or domain.ErrAuth.
func (a *Authenticator) Authenticate(r *http.Request) (string, string, error) {
	id, err := a.Identify(r)
	if err != nil {
		return "", "", err
	}
	return id.OwnerID, id.TokenID, nil
}

// Identify returns the verified identity for r, or domain.ErrAuth.
// The cookie takes precedence over the header.
func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	token := ""
	if c, err := r.Cookie(a.cookieName); err == nil {
		token = strings.TrimSpace(c.Value)
	}
	if token == "" {
		token = extractBearer(r.Header.Get("Authorization"))
	}
	if token == "" {
		return Identity{}, domain.ErrAuth
	}
	ownerID, tokenID, expiresAt, err := a.tokens.ValidateAccessClaims(token)
	if err != nil || ownerID == "" {
		return Identity{}, domain.ErrAuth
	}
	return Identity{OwnerID: ownerID, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// RequireAuth rejects unauthenticated requests with 401 and stores the owner in the request context.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ownerID, tokenID, err := a.Authenticate(r)
		if err != nil {
			WriteError(w, http.StatusUnauthorized, domain.CodeAuthRequired, "missing or invalid authorization")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID, tokenID)))
	})
}

// extractBearer returns the Bearer token from an Authorization header value, or "" if missing or malformed.
func extractBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error body with the given status.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, errorBody{Code: code, Message: message})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
