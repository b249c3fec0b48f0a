package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// State is a session's position in the lifecycle CONNECTING → ACTIVE ⇄ GRACE → EXPIRED, any → CLOSED.
type State string

const (
	StateConnecting State = "CONNECTING"
	StateActive     State = "ACTIVE"
	StateGrace      State = "GRACE"
	StateExpired    State = "EXPIRED"
	StateClosed     State = "CLOSED"
)

// Terminal reports whether no further transitions are honored from s.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateClosed
}

// Target is the remote endpoint a session is bound to.
type Target struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
}

// Address returns host:port, defaulting the port to 22.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	host := t.Host
	if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
		host = "[" + host + "]"
	}
	return host + ":" + strconv.Itoa(port)
}

// Validate checks the target fields that come from the client.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("target host is required")
	}
	if strings.ContainsAny(t.Host, " \t\r\n/@") {
		return fmt.Errorf("target host %q is invalid", t.Host)
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("target port %d out of range", t.Port)
	}
	if strings.TrimSpace(t.Username) == "" {
		return fmt.Errorf("target username is required")
	}
	return nil
}

func (t Target) String() string {
	return t.Username + "@" + t.Address()
}

// Credentials authenticate against a Target. Never logged or persisted in plaintext.
type Credentials struct {
	Password   string
	PrivateKey string
	Passphrase string
}

// Empty reports whether no secret is present.
func (c Credentials) Empty() bool {
	return c.Password == "" && c.PrivateKey == ""
}

// Session is a point-in-time view of a registry entry. The registry owns the live record.
type Session struct {
	ID             string
	OwnerID        string
	Target         Target
	State          State
	Bound          bool
	CreatedAt      time.Time
	LastActivityAt time.Time
	GraceDeadline  *time.Time // set only while in GRACE
}
