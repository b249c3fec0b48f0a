package registry

import "unicode/utf8"

// DefaultBacklogSize bounds the shell output retained while a session has no transport.
const DefaultBacklogSize = 64 << 10

// backlog keeps the newest max bytes written to it.
type backlog struct {
	max int
	buf []byte
}

func newBacklog(max int) *backlog {
	if max <= 0 {
		max = DefaultBacklogSize
	}
	return &backlog{max: max}
}

func (b *backlog) Write(p []byte) {
	if len(p) >= b.max {
		b.buf = append(b.buf[:0], p[len(p)-b.max:]...)
		b.trimHead()
		return
	}
	if over := len(b.buf) + len(p) - b.max; over > 0 {
		kept := make([]byte, 0, b.max)
		kept = append(kept, b.buf[over:]...)
		b.buf = kept
	}
	b.buf = append(b.buf, p...)
	b.trimHead()
}

// trimHead drops continuation bytes left over from cutting a rune in half.
func (b *backlog) trimHead() {
	i := 0
	for i < len(b.buf) && i < utf8.UTFMax && !utf8.RuneStart(b.buf[i]) {
		i++
	}
	b.buf = b.buf[i:]
}

func (b *backlog) Len() int { return len(b.buf) }

// Drain returns the retained output and empties the backlog.
func (b *backlog) Drain() string {
	s := string(b.buf)
	b.buf = nil
	return s
}

// completeUTF8 returns the length of the prefix of p that does not end in a truncated rune.
func completeUTF8(p []byte) int {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if utf8.FullRune(p[i:]) {
				return len(p)
			}
			return i
		}
	}
	return len(p)
}
