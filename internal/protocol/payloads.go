package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"remote-admin-gateway/internal/session/domain"
)

const (
	maxShellInput   = 64 << 10
	maxFileWrite    = 4 << 20
	maxSearchWaitMs = 60_000
)

// Credentials is the secret part of startSession. All fields are optional when a stored record exists.
type Credentials struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// StartSession asks for a fresh session against Target.
type StartSession struct {
	Target      domain.Target `json:"target"`
	Credentials Credentials   `json:"credentials"`
	// Remember controls whether the password is upserted into the stored connection record. Default true.
	Remember *bool `json:"remember,omitempty"`
}

func (p *StartSession) Validate() error { return p.Target.Validate() }

// ShouldRemember reports the effective Remember flag.
func (p *StartSession) ShouldRemember() bool { return p.Remember == nil || *p.Remember }

// ResumeSession asks to rebind an existing session.
type ResumeSession struct {
	SessionID string `json:"sessionId"`
}

func (p *ResumeSession) Validate() error {
	if strings.TrimSpace(p.SessionID) == "" {
		return errors.New("sessionId is required")
	}
	return nil
}

// Empty is the payload of events that carry none (endSession, session.status query).
type Empty struct{}

func (*Empty) Validate() error { return nil }

// ShellInput carries keystrokes for the interactive shell.
type ShellInput struct {
	Data string `json:"data"`
}

func (p *ShellInput) Validate() error {
	if len(p.Data) > maxShellInput {
		return fmt.Errorf("shell input exceeds %d bytes", maxShellInput)
	}
	return nil
}

// ShellResize changes the remote PTY size.
type ShellResize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (p *ShellResize) Validate() error {
	if p.Cols <= 0 || p.Rows <= 0 || p.Cols > 1000 || p.Rows > 1000 {
		return fmt.Errorf("terminal size %dx%d out of range", p.Cols, p.Rows)
	}
	return nil
}

// FilePath addresses one remote path (file.list, file.read).
type FilePath struct {
	Path string `json:"path"`
}

func (p *FilePath) Validate() error { return validatePath(p.Path) }

// FileWrite replaces a remote file's content.
type FileWrite struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	// Mode is an optional octal permission string such as "0644".
	Mode string `json:"mode,omitempty"`
}

func (p *FileWrite) Validate() error {
	if err := validatePath(p.Path); err != nil {
		return err
	}
	if len(p.Content) > maxFileWrite {
		return fmt.Errorf("content exceeds %d bytes", maxFileWrite)
	}
	if p.Mode != "" {
		if _, err := p.FileMode(); err != nil {
			return err
		}
	}
	return nil
}

// FileMode parses Mode; zero means unset.
func (p *FileWrite) FileMode() (uint32, error) {
	if p.Mode == "" {
		return 0, nil
	}
	m, err := strconv.ParseUint(p.Mode, 8, 32)
	if err != nil || m > 0o7777 {
		return 0, fmt.Errorf("mode %q is not an octal permission", p.Mode)
	}
	return uint32(m), nil
}

// PackageSearch queries the target's package index.
type PackageSearch struct {
	Query string `json:"query"`
	// TimeoutMs overrides the server's default bounded wait.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

func (p *PackageSearch) Validate() error {
	q := strings.TrimSpace(p.Query)
	if q == "" {
		return errors.New("query is required")
	}
	if len(q) > 128 {
		return errors.New("query too long")
	}
	if p.TimeoutMs < 0 || p.TimeoutMs > maxSearchWaitMs {
		return fmt.Errorf("timeoutMs must be between 0 and %d", maxSearchWaitMs)
	}
	return nil
}

// PackageInstall installs one package by name.
type PackageInstall struct {
	Name string `json:"name"`
}

func (p *PackageInstall) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	return nil
}

// ScriptRun runs a catalog script by name.
type ScriptRun struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

func (p *ScriptRun) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if len(p.Args) > 32 {
		return errors.New("too many args")
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return errors.New("path is required")
	}
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("path %q must be absolute", path)
	}
	if strings.ContainsRune(path, 0) {
		return errors.New("path contains NUL")
	}
	return nil
}

// Server payloads.

// SessionID announces a freshly created session.
type SessionID struct {
	SessionID string `json:"sessionId"`
}

// SessionResumed confirms a resume; the client skips setup.
type SessionResumed struct {
	SessionID string `json:"sessionId"`
}

// SessionExpired tells the client its remembered id is gone.
type SessionExpired struct {
	SessionID string `json:"sessionId,omitempty"`
}

// SessionStatus reports the state of the session bound to the channel.
type SessionStatus struct {
	State     string `json:"state"`
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Error is the payload of every *.error event.
type Error struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ShellOutput carries remote terminal output.
type ShellOutput struct {
	Data string `json:"data"`
}
