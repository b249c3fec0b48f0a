package client

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/session/domain"
)

// CacheVersion is the on-disk format version. A file with another version is discarded on open.
const CacheVersion = 1

// cacheFile is the persisted shape. Secrets are obfuscated with the sibling key file, never stored in the clear.
type cacheFile struct {
	Version    int            `json:"version"`
	Target     *domain.Target `json:"target,omitempty"`
	Password   string         `json:"password,omitempty"`
	PrivateKey string         `json:"privateKey,omitempty"`
	Passphrase string         `json:"passphrase,omitempty"`
	Remember   bool           `json:"remember,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
}

// Cache is the client's persisted connection context: last target, obfuscated secrets, and session id.
// It is file-backed (mode 0600). The obfuscation key lives in a sibling ".key" file, or under the
// WithKeyDir directory so that secrets become unreadable when that directory is wiped.
// Obfuscation hides secrets from casual inspection only; anyone able to read both files recovers them.
type Cache struct {
	path    string
	keyFile string

	mu   sync.Mutex
	key  []byte
	data cacheFile
}

// CacheOption configures OpenCache.
type CacheOption func(*Cache)

// WithKeyDir keeps the obfuscation key in dir instead of beside the cache. Pointing it at a
// per-login directory such as $XDG_RUNTIME_DIR limits cached secrets to the login session;
// after logout the target survives and the secrets are dropped. An empty dir is ignored.
func WithKeyDir(dir string) CacheOption {
	return func(c *Cache) {
		if dir == "" {
			return
		}
		abs, err := filepath.Abs(c.path)
		if err != nil {
			abs = c.path
		}
		sum := sha256.Sum256([]byte(abs))
		c.keyFile = filepath.Join(dir, filepath.Base(c.path)+"-"+hex.EncodeToString(sum[:4])+".key")
	}
}

// OpenCache loads the cache at path. A missing, unreadable, or mismatched-version file yields an empty cache.
func OpenCache(path string, opts ...CacheOption) (*Cache, error) {
	if path == "" {
		return nil, errors.New("client: cache path is required")
	}
	c := &Cache{path: path, keyFile: path + ".key", data: cacheFile{Version: CacheVersion}}
	for _, opt := range opts {
		opt(c)
	}
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(c.keyFile)} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("client: create cache dir: %w", err)
		}
	}
	key, err := os.ReadFile(c.keyPath())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("client: read cache key: %w", err)
	}
	if k, decErr := hex.DecodeString(strings.TrimSpace(string(key))); err == nil && decErr == nil && len(k) > 0 {
		c.key = k
	}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("client: read cache: %w", err)
	}
	var f cacheFile
	if err := json.Unmarshal(raw, &f); err != nil || f.Version != CacheVersion {
		log.WithField("path", path).Warn("client: discarding unreadable cache")
		return c, nil
	}
	if c.key == nil {
		// secrets without their key are unrecoverable
		f.Password, f.PrivateKey, f.Passphrase = "", "", ""
	}
	c.data = f
	return c, nil
}

func (c *Cache) keyPath() string { return c.keyFile }

// Target returns the cached target, if any.
func (c *Cache) Target() (domain.Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data.Target == nil {
		return domain.Target{}, false
	}
	return *c.data.Target, true
}

// SessionID returns the cached session id, or "".
func (c *Cache) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.SessionID
}

// Remember reports whether the cached connection asked the server to remember the target.
func (c *Cache) Remember() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Remember
}

// Credentials reveals the cached secrets. A secret that fails to reveal is dropped.
func (c *Cache) Credentials() domain.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.Credentials{
		Password:   c.reveal(c.data.Password),
		PrivateKey: c.reveal(c.data.PrivateKey),
		Passphrase: c.reveal(c.data.Passphrase),
	}
}

func (c *Cache) reveal(token string) string {
	if token == "" {
		return ""
	}
	s, err := security.Deobfuscate(token, c.key)
	if err != nil {
		log.WithError(err).Debug("client: cached secret unreadable")
		return ""
	}
	return s
}

// HasSecrets reports whether any secret is cached.
func (c *Cache) HasSecrets() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data.Password != "" || c.data.PrivateKey != ""
}

// SetConnection replaces the cached target, secrets, and session id, creating the key on first use.
func (c *Cache) SetConnection(target domain.Target, creds domain.Credentials, remember bool, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key == nil {
		key, err := security.NewCacheKey()
		if err != nil {
			return fmt.Errorf("client: cache key: %w", err)
		}
		if err := writeFileAtomic(c.keyPath(), []byte(hex.EncodeToString(key)+"\n")); err != nil {
			return fmt.Errorf("client: write cache key: %w", err)
		}
		c.key = key
	}
	t := target
	f := cacheFile{Version: CacheVersion, Target: &t, Remember: remember, SessionID: sessionID}
	for _, field := range []struct {
		dst   *string
		plain string
	}{
		{&f.Password, creds.Password},
		{&f.PrivateKey, creds.PrivateKey},
		{&f.Passphrase, creds.Passphrase},
	} {
		token, err := c.obfuscate(field.plain)
		if err != nil {
			return fmt.Errorf("client: obfuscate secret: %w", err)
		}
		*field.dst = token
	}
	c.data = f
	return c.saveLocked()
}

func (c *Cache) obfuscate(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	return security.Obfuscate(s, c.key)
}

// SetSessionID records the current session id.
func (c *Cache) SetSessionID(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.SessionID = id
	return c.saveLocked()
}

// ClearSecrets forgets every secret and the session id. The target is kept for re-entry.
func (c *Cache) ClearSecrets() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data.Password, c.data.PrivateKey, c.data.Passphrase = "", "", ""
	c.data.SessionID = ""
	return c.saveLocked()
}

// Clear removes the cache and its key. The next SetConnection starts a new key.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = cacheFile{Version: CacheVersion}
	c.key = nil
	var errs []error
	for _, p := range []string{c.path, c.keyPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) saveLocked() error {
	raw, err := json.MarshalIndent(c.data, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(c.path, raw); err != nil {
		return fmt.Errorf("client: write cache: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to a 0600 temp file beside path and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
