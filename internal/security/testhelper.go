package security

import "time"

// Test secrets for unit tests only. Do not use in production.
const (
	testTokenSecret      = "test-token-secret-do-not-use"
	testCredentialSecret = "test-credential-secret-do-not-use"
)

// NewTestTokenProvider returns a TokenProvider using the embedded test secret.
// For unit tests only. Callers must not use in production.
func NewTestTokenProvider() (*TokenProvider, error) {
	return NewTokenProvider([]byte(testTokenSecret), "test-issuer", "test-audience", 15*time.Minute)
}

// NewTestVault returns a Vault keyed by the embedded test secret.
// For unit tests only. Callers must not use in production.
func NewTestVault() (*Vault, error) {
	return NewVault([]byte(testCredentialSecret))
}
