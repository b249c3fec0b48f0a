package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
)

// Cache obfuscation hides credentials held in client-side storage from casual inspection only.
// It is a reversible XOR against a per-client-session key that is stored apart from the payload.
// Anyone who can read both the cache and its key, or run code as the client, recovers the plaintext;
// it is not a security boundary and must never stand in for Vault encryption.

// ErrObfuscatedToken is returned when an obfuscated token or its key is malformed.
var ErrObfuscatedToken = errors.New("malformed obfuscated token")

const (
	cacheKeyLen      = 32
	obfuscatedPrefix = "o1."
)

// NewCacheKey returns a random key for one client session.
func NewCacheKey() ([]byte, error) {
	key := make([]byte, cacheKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Obfuscate XORs plaintext with the keystream derived from key and encodes the result.
// An empty key is ErrObfuscatedToken.
func Obfuscate(plaintext string, key []byte) (string, error) {
	if len(key) == 0 {
		return "", ErrObfuscatedToken
	}
	return obfuscatedPrefix + base64.RawURLEncoding.EncodeToString(xorKeystream([]byte(plaintext), key)), nil
}

// Deobfuscate reverses Obfuscate with the same key.
func Deobfuscate(token string, key []byte) (string, error) {
	if len(key) == 0 || !strings.HasPrefix(token, obfuscatedPrefix) {
		return "", ErrObfuscatedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, obfuscatedPrefix))
	if err != nil {
		return "", ErrObfuscatedToken
	}
	return string(xorKeystream(raw, key)), nil
}

func xorKeystream(in, key []byte) []byte {
	out := make([]byte, len(in))
	for i := range in {
		// position mixing keeps repeated plaintext bytes from showing the key period
		out[i] = in[i] ^ key[i%len(key)] ^ byte(i*131)
	}
	return out
}
