package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the owner identity is missing or invalid; no session state is touched.
	ErrAuth = errors.New("authentication required")
	// ErrExpired is returned for a resume against an unknown, foreign, or expired session id.
	ErrExpired = errors.New("session expired")
	// ErrAlreadyBound is returned when a transport tries to bind a session that already has one.
	ErrAlreadyBound = errors.New("session already bound to another channel")
	// ErrClosed is returned when the session was ended or its remote side went away.
	ErrClosed = errors.New("session closed")
	// ErrNotBound is returned when a transport uses a session it is not bound to.
	ErrNotBound = errors.New("no active session on this channel")
)

// DialError reports that the remote adapter failed to establish the target session.
type DialError struct {
	Target Target
	Err    error
	// AuthFailed is true when the target rejected the credentials; retrying with the same ones is useless.
	AuthFailed bool
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Target.String(), e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// Error codes are stable strings surfaced to clients.
const (
	CodeAuthRequired    = "auth_required"
	CodeDialFailed      = "dial_failed"
	CodeTargetAuth      = "auth_failed"
	CodeExpired         = "session_expired"
	CodeBusy            = "session_busy"
	CodeClosed          = "session_closed"
	CodeNotBound        = "no_session"
	CodeInternal        = "internal"
	CodeCredentialsGone = "credentials_unavailable"
)

// Describe maps err to a stable code, a short user-facing message, and whether retrying
// with the same credentials might succeed.
func Describe(err error) (code, message string, retryable bool) {
	var dialErr *DialError
	switch {
	case err == nil:
		return "", "", false
	case errors.Is(err, ErrAuth):
		return CodeAuthRequired, "authentication required", false
	case errors.As(err, &dialErr):
		if dialErr.AuthFailed {
			return CodeTargetAuth, "target rejected the credentials", false
		}
		return CodeDialFailed, "could not reach target", true
	case errors.Is(err, ErrExpired):
		return CodeExpired, "session expired; start a new session", false
	case errors.Is(err, ErrAlreadyBound):
		return CodeBusy, "session is attached to another channel", true
	case errors.Is(err, ErrClosed):
		return CodeClosed, "session closed", false
	case errors.Is(err, ErrNotBound):
		return CodeNotBound, "no active session", false
	default:
		return CodeInternal, "internal error", true
	}
}
