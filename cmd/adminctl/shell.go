package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"remote-admin-gateway/internal/client"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/domain"
)

// detachKey is Ctrl-].
const detachKey = 0x1d

type shell struct {
	in  io.Reader
	out io.Writer
	fd  int
	raw bool
}

func newShell() *shell {
	return &shell{in: os.Stdin, out: os.Stdout, fd: int(os.Stdin.Fd())}
}

// notice prints controller transitions; in raw mode lines need an explicit carriage return.
func (s *shell) notice(n client.Notice) {
	if n.Message == "" {
		return
	}
	eol := "\n"
	if s.raw {
		eol = "\r\n"
	}
	fmt.Fprintf(os.Stderr, "[%s] %s%s", n.State, n.Message, eol)
}

type recvResult struct {
	env protocol.Envelope
	err error
}

// run pumps the terminal to the bound session until the user detaches, stdin ends, or the session
// closes. A lost channel is recovered through the controller and the shell continues on the new one.
func (s *shell) run(ctx context.Context, ctrl *client.Controller) error {
	if term.IsTerminal(s.fd) {
		old, err := term.MakeRaw(s.fd)
		if err != nil {
			return fmt.Errorf("set terminal raw mode: %w", err)
		}
		s.raw = true
		defer func() {
			_ = term.Restore(s.fd, old)
			s.raw = false
		}()
	}

	input := make(chan []byte)
	go func() {
		defer close(input)
		buf := make([]byte, 4096)
		for {
			n, err := s.in.Read(buf)
			if n > 0 {
				b := make([]byte, n)
				copy(b, buf[:n])
				select {
				case input <- b:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	resize := watchResize(ctx)

	for {
		conn := ctrl.Conn()
		if conn == nil {
			return client.ErrConnClosed
		}
		done, err := s.pump(ctx, conn, input, resize)
		if done {
			// leaving the channel puts the session into its grace period
			_ = conn.Close()
			return err
		}
		log.WithError(err).Debug("adminctl: channel lost")
		ctrl.Lost()
		if _, err := ctrl.Recover(ctx); err != nil {
			return err
		}
	}
}

// pump serves one channel. It returns done=false when the channel dropped and is worth recovering.
func (s *shell) pump(ctx context.Context, conn client.Conn, input <-chan []byte, resize <-chan struct{}) (bool, error) {
	events := make(chan recvResult)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			env, err := conn.Recv(ctx)
			select {
			case events <- recvResult{env, err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	s.sendResize(conn)
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case b, ok := <-input:
			if !ok {
				return true, nil
			}
			detach := false
			if i := bytes.IndexByte(b, detachKey); i >= 0 {
				b, detach = b[:i], true
			}
			if len(b) > 0 {
				env, _ := protocol.New(protocol.TypeShellInput, "", protocol.ShellInput{Data: string(b)})
				if err := conn.Send(env); err != nil {
					log.WithError(err).Debug("adminctl: send input")
				}
			}
			if detach {
				s.notice(client.Notice{State: client.StateIdle, Message: "detached; adminctl attach resumes the session"})
				return true, nil
			}
		case <-resize:
			s.sendResize(conn)
		case r := <-events:
			if r.err != nil {
				return false, r.err
			}
			if done := s.handle(r.env); done {
				return true, nil
			}
		}
	}
}

// handle renders one server event and reports whether the session is over.
func (s *shell) handle(env protocol.Envelope) bool {
	switch env.Type {
	case protocol.TypeShellOutput:
		var p protocol.ShellOutput
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			_, _ = io.WriteString(s.out, p.Data)
		}
	case protocol.TypeSessionStatus:
		var p protocol.SessionStatus
		if err := json.Unmarshal(env.Payload, &p); err == nil && domain.State(p.State).Terminal() {
			msg := "session closed"
			if p.Reason != "" {
				msg += ": " + p.Reason
			}
			s.notice(client.Notice{State: client.StateIdle, SessionID: p.SessionID, Message: msg})
			return true
		}
	case protocol.TypeShellError, protocol.TypeSessionError:
		var p protocol.Error
		if err := json.Unmarshal(env.Payload, &p); err == nil {
			s.notice(client.Notice{State: client.StateIdle, Message: fmt.Sprintf("%s: %s", p.Code, p.Message)})
		}
	}
	return false
}

func (s *shell) sendResize(conn client.Conn) {
	if !term.IsTerminal(s.fd) {
		return
	}
	cols, rows, err := term.GetSize(s.fd)
	if err != nil {
		return
	}
	env, _ := protocol.New(protocol.TypeShellResize, "", protocol.ShellResize{Cols: cols, Rows: rows})
	_ = conn.Send(env)
}
