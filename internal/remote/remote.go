// Package remote is the boundary to the remote shell transport: open(target, credentials) → duplex stream.
package remote

import (
	"context"
	"errors"
	"io"

	"remote-admin-gateway/internal/session/domain"
)

// ErrAuthFailed is wrapped by Dial errors when the target rejected the credentials.
var ErrAuthFailed = errors.New("remote authentication failed")

// Dialer opens an authenticated remote session.
type Dialer interface {
	Dial(ctx context.Context, target domain.Target, creds domain.Credentials) (Conn, error)
}

// Conn is one live remote session. It is owned by exactly one registry entry.
type Conn interface {
	// Stdin receives interactive shell input.
	Stdin() io.Writer
	// Stdout yields interactive shell output (stdout and stderr merged); it returns io.EOF when the shell ends.
	Stdout() io.Reader
	// Resize changes the PTY window.
	Resize(cols, rows int) error
	// Exec runs cmd in a separate channel of the same connection, streaming merged output to stdout.
	// The returned exit code is -1 when the command did not report one.
	Exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (int, error)
	// Done is closed when the remote session has ended for any reason.
	Done() <-chan struct{}
	Close() error
}
