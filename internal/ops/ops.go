// Package ops implements the file, package, and script commands run on a session's target.
// Every operation is a single non-interactive command over the session's remote connection.
package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Executor runs one non-interactive command. remote.Conn satisfies it.
type Executor interface {
	Exec(ctx context.Context, cmd string, stdin io.Reader, stdout io.Writer) (int, error)
}

// ErrMalformedOutput is returned when a command's output cannot be parsed.
var ErrMalformedOutput = errors.New("ops: malformed command output")

// CommandError is a remote command that exited non-zero.
type CommandError struct {
	Op       string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s: exit status %d", e.Op, e.ExitCode)
	}
	return fmt.Sprintf("%s: exit status %d: %s", e.Op, e.ExitCode, e.Output)
}

// run executes cmd and buffers its combined output, capped at limit bytes (0 = unlimited).
func run(ctx context.Context, e Executor, op, cmd string, stdin []byte, limit int) ([]byte, int, error) {
	var out bytes.Buffer
	var w io.Writer = &out
	if limit > 0 {
		w = &cappedWriter{buf: &out, limit: limit}
	}
	var in io.Reader
	if stdin != nil {
		in = bytes.NewReader(stdin)
	}
	code, err := e.Exec(ctx, cmd, in, w)
	log.WithFields(log.Fields{"op": op, "exit": code}).Debug("ops: command finished")
	if err != nil {
		return nil, code, fmt.Errorf("%s: %w", op, err)
	}
	return out.Bytes(), code, nil
}

// cappedWriter keeps the first limit bytes and discards the rest without failing the writer.
type cappedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func shellEscape(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func joinArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellEscape(a)
	}
	return strings.Join(quoted, " ")
}

func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
