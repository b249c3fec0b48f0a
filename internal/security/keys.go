package security

import (
	"errors"
	"os"
	"strings"
)

// ErrInvalidKey is returned when a configured secret is empty or unreadable.
var ErrInvalidKey = errors.New("invalid key")

const filePrefix = "file:"

// LoadSecret returns the secret bytes for s. s is either an inline value or "file:<path>",
// in which case the file is read and surrounding whitespace trimmed.
func LoadSecret(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	if !strings.HasPrefix(s, filePrefix) {
		return []byte(s), nil
	}
	path := strings.TrimSpace(strings.TrimPrefix(s, filePrefix))
	if path == "" {
		return nil, ErrInvalidKey
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b = []byte(strings.TrimSpace(string(b)))
	if len(b) == 0 {
		return nil, ErrInvalidKey
	}
	return b, nil
}
