package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// ErrDecryption is returned when a stored credential record is malformed or fails authentication.
// Callers treat it as an empty secret.
var ErrDecryption = errors.New("credential decryption failed")

// ErrEmptyPlaintext is returned by Encrypt for an empty input; empty secrets are never stored.
var ErrEmptyPlaintext = errors.New("empty plaintext")

// The secret is the entropy source, so a fixed salt only domain-separates the derived key.
var vaultSalt = []byte("remote-admin-gateway/credential-vault/v1")

const (
	vaultKeyLen = 32
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	gcmTagSize  = 16
)

// Vault encrypts stored target credentials with AES-256-GCM under a key derived from a server secret.
// Records are formatted as iv(hex):authTag(hex):ciphertext(hex).
type Vault struct {
	aead cipher.AEAD
}

// NewVault derives the vault key from secret with scrypt. Derivation is deliberately slow; call once at startup.
func NewVault(secret []byte) (*Vault, error) {
	if len(secret) == 0 {
		return nil, ErrInvalidKey
	}
	key, err := scrypt.Key(secret, vaultSalt, scryptN, scryptR, scryptP, vaultKeyLen)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithTagSize(block, gcmTagSize)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	iv := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens a record produced by Encrypt. Any malformed or tampered record yields ("", ErrDecryption).
func (v *Vault) Decrypt(record string) (string, error) {
	parts := strings.Split(record, ":")
	if len(parts) != 3 {
		return "", ErrDecryption
	}
	iv, ok := decodeCanonicalHex(parts[0])
	if !ok || len(iv) != v.aead.NonceSize() {
		return "", ErrDecryption
	}
	tag, ok := decodeCanonicalHex(parts[1])
	if !ok || len(tag) != gcmTagSize {
		return "", ErrDecryption
	}
	ct, ok := decodeCanonicalHex(parts[2])
	if !ok || len(ct) == 0 {
		return "", ErrDecryption
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(pt), nil
}

// Reveal is Decrypt failing closed: it returns the empty string for any bad record.
func (v *Vault) Reveal(record string) string {
	pt, err := v.Decrypt(record)
	if err != nil {
		return ""
	}
	return pt
}

// decodeCanonicalHex accepts lowercase hex only, so every textual change to a record is a different record.
func decodeCanonicalHex(s string) ([]byte, bool) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, false
	}
	if hex.EncodeToString(b) != s {
		return nil, false
	}
	return b, true
}
