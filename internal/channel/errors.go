package channel

import (
	"context"
	"errors"
	"fmt"

	conndomain "remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/domain"
)

// Codes carried by scoped error events in addition to the session codes in domain.
const (
	CodeHandlerFailed   = "handler_failed"
	CodeInvalidPayload  = "invalid_payload"
	CodeForbidden       = "forbidden"
	CodeTimeout         = "timeout"
	CodeMalformedOutput = "malformed_output"
)

// HandlerError is a command failure reported on the route's error event. It never affects
// the transport or other in-flight commands.
type HandlerError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *HandlerError) Unwrap() error { return e.Err }

func forbidden(reasons []string) *HandlerError {
	msg := "denied by policy"
	if len(reasons) > 0 {
		msg = reasons[0]
	}
	return &HandlerError{Code: CodeForbidden, Message: msg}
}

// describe maps any handler error to the payload of a scoped error event.
func describe(err error) protocol.Error {
	var he *HandlerError
	var dialErr *domain.DialError
	var cmdErr *ops.CommandError
	switch {
	case errors.As(err, &he):
		return protocol.Error{Code: he.Code, Message: he.Message, Retryable: he.Retryable}
	case errors.Is(err, protocol.ErrInvalidPayload):
		return protocol.Error{Code: CodeInvalidPayload, Message: err.Error()}
	case errors.Is(err, ops.ErrMalformedOutput):
		return protocol.Error{Code: CodeMalformedOutput, Message: "could not parse command output", Retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.Error{Code: CodeTimeout, Message: "operation timed out", Retryable: true}
	case errors.Is(err, conndomain.ErrCredentialsUnavailable):
		return protocol.Error{Code: domain.CodeCredentialsGone, Message: "no stored credentials for this target"}
	case errors.Is(err, domain.ErrAuth), errors.As(err, &dialErr), errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrAlreadyBound), errors.Is(err, domain.ErrClosed), errors.Is(err, domain.ErrNotBound):
		code, msg, retryable := domain.Describe(err)
		return protocol.Error{Code: code, Message: msg, Retryable: retryable}
	case errors.As(err, &cmdErr):
		return protocol.Error{Code: CodeHandlerFailed, Message: cmdErr.Error()}
	case errors.Is(err, ops.ErrUnknownScript), errors.Is(err, ops.ErrInvalidPackageName), errors.Is(err, ops.ErrNoPackageManager):
		return protocol.Error{Code: CodeHandlerFailed, Message: err.Error()}
	default:
		return protocol.Error{Code: CodeHandlerFailed, Message: "command failed", Retryable: true}
	}
}
