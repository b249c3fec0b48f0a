// Package remotetest provides in-memory remote.Dialer and remote.Conn fakes.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/session/domain"
)

// ExecFunc answers Conn.Exec in tests.
type ExecFunc func(ctx context.Context, cmd string, stdin []byte, stdout io.Writer) (int, error)

// Dialer is a remote.Dialer whose behavior is set per test.
type Dialer struct {
	// DialFunc overrides the default of returning a fresh Conn.
	DialFunc func(ctx context.Context, target domain.Target, creds domain.Credentials) (remote.Conn, error)
	// Block, when non-nil, makes Dial wait until it is closed or ctx is done.
	Block chan struct{}
	// Exec is installed on every Conn created by the default dial.
	Exec ExecFunc

	mu    sync.Mutex
	conns []*Conn
	calls []domain.Credentials
}

func (d *Dialer) Dial(ctx context.Context, target domain.Target, creds domain.Credentials) (remote.Conn, error) {
	d.mu.Lock()
	d.calls = append(d.calls, creds)
	block := d.Block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.DialFunc != nil {
		return d.DialFunc(ctx, target, creds)
	}
	c := NewConn()
	c.ExecFunc = d.Exec
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

// Conns returns every Conn the default dial created, in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// Calls returns the credentials passed to each Dial.
func (d *Dialer) Calls() []domain.Credentials {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Credentials(nil), d.calls...)
}

// Conn is a remote.Conn backed by a pipe. Emit writes shell output; Input returns what the client typed.
type Conn struct {
	ExecFunc ExecFunc

	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	input   bytes.Buffer
	resizes [][2]int
	closed  bool
	done    chan struct{}
}

func NewConn() *Conn {
	r, w := io.Pipe()
	return &Conn{outR: r, outW: w, done: make(chan struct{})}
}

func (c *Conn) Stdin() io.Writer  { return stdinWriter{c} }
func (c *Conn) Stdout() io.Reader { return c.outR }

func (c *Conn) Resize(cols, rows int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.ErrClosedPipe
	}
	c.resizes = append(c.resizes, [2]int{cols, rows})
	return nil
}

func (c *Conn) Exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (int, error) {
	if c.ExecFunc == nil {
		return -1, errors.New("remotetest: exec not configured")
	}
	var in []byte
	if stdin != nil {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return -1, err
		}
		in = b
	}
	if stdout == nil {
		stdout = io.Discard
	}
	return c.ExecFunc(ctx, cmd, in, stdout)
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.outW.CloseWithError(io.EOF)
	close(c.done)
	return nil
}

// Emit writes shell output; it blocks until the reader consumes it.
func (c *Conn) Emit(s string) error {
	_, err := c.outW.Write([]byte(s))
	return err
}

// Hangup simulates the remote shell exiting.
func (c *Conn) Hangup() { _ = c.Close() }

// Input returns everything written to Stdin.
func (c *Conn) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input.String()
}

// Resizes returns the recorded (cols, rows) pairs.
func (c *Conn) Resizes() [][2]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]int(nil), c.resizes...)
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type stdinWriter struct{ c *Conn }

func (w stdinWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if w.c.closed {
		return 0, io.ErrClosedPipe
	}
	return w.c.input.Write(p)
}
