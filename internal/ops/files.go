package ops

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxReadSize is the largest file content returned by ReadFile.
const MaxReadSize = 1 << 20

// listFormat is a find -printf record: type, size, mode, mtime, name; NUL-terminated.
const listFormat = `%y\t%s\t%m\t%T@\t%P\0`

// FileEntry is one directory entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Type    string    `json:"type"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// FileContent is the result of ReadFile. Encoding is "utf-8" or "base64".
type FileContent struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding"`
	Size      int    `json:"size"`
	Truncated bool   `json:"truncated"`
}

// WriteResult is the result of WriteFile.
type WriteResult struct {
	Path  string `json:"path"`
	Bytes int    `json:"bytes"`
}

// ListDir lists the direct children of dir, directories first then by name.
func ListDir(ctx context.Context, e Executor, dir string) ([]FileEntry, error) {
	if err := checkPath(dir); err != nil {
		return nil, err
	}
	cmd := fmt.Sprintf("cd -- %s 2>&1 && find . -mindepth 1 -maxdepth 1 -printf '%s' 2>/dev/null",
		shellEscape(dir), listFormat)
	out, code, err := run(ctx, e, "file.list", cmd, nil, 0)
	if err != nil {
		return nil, err
	}
	entries, perr := parseListing(dir, out)
	if code != 0 && len(entries) == 0 {
		return nil, &CommandError{Op: "file.list", ExitCode: code, Output: tail(out)}
	}
	if perr != nil {
		return nil, perr
	}
	return entries, nil
}

func parseListing(dir string, out []byte) ([]FileEntry, error) {
	var entries []FileEntry
	for _, rec := range bytes.Split(out, []byte{0}) {
		if len(bytes.TrimSpace(rec)) == 0 {
			continue
		}
		fields := strings.SplitN(string(rec), "\t", 5)
		if len(fields) != 5 {
			return entries, fmt.Errorf("%w: listing record %q", ErrMalformedOutput, rec)
		}
		size, _ := strconv.ParseInt(fields[1], 10, 64)
		var mtime time.Time
		if f, err := strconv.ParseFloat(fields[3], 64); err == nil {
			sec := int64(f)
			mtime = time.Unix(sec, int64((f-float64(sec))*1e9)).UTC()
		}
		entries = append(entries, FileEntry{
			Name:    fields[4],
			Path:    path.Join(dir, fields[4]),
			Type:    entryType(fields[0]),
			Size:    size,
			Mode:    "0" + fields[2],
			ModTime: mtime,
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		di, dj := entries[i].Type == "dir", entries[j].Type == "dir"
		if di != dj {
			return di
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func entryType(code string) string {
	switch code {
	case "f":
		return "file"
	case "d":
		return "dir"
	case "l":
		return "link"
	default:
		return "other"
	}
}

// ReadFile returns up to MaxReadSize bytes of p. Non-UTF-8 content is base64 encoded.
func ReadFile(ctx context.Context, e Executor, p string) (FileContent, error) {
	if err := checkPath(p); err != nil {
		return FileContent{}, err
	}
	cmd := fmt.Sprintf("head -c %d -- %s", MaxReadSize+1, shellEscape(p))
	out, code, err := run(ctx, e, "file.read", cmd, nil, MaxReadSize+1)
	if err != nil {
		return FileContent{}, err
	}
	if code != 0 {
		return FileContent{}, &CommandError{Op: "file.read", ExitCode: code, Output: tail(out)}
	}
	fc := FileContent{Path: p, Encoding: "utf-8"}
	if len(out) > MaxReadSize {
		out = out[:MaxReadSize]
		fc.Truncated = true
	}
	fc.Size = len(out)
	n := len(out)
	if fc.Truncated {
		n = trimRune(out)
	}
	if utf8.Valid(out[:n]) {
		fc.Content = string(out[:n])
	} else {
		fc.Encoding = "base64"
		fc.Content = base64.StdEncoding.EncodeToString(out)
	}
	return fc, nil
}

// trimRune returns the length of b without a trailing incomplete rune.
func trimRune(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if !utf8.FullRune(b[i:]) {
				return i
			}
			break
		}
	}
	return len(b)
}

// WriteFile replaces p with content through a temp file in the same directory. mode 0 keeps the
// existing file's permissions, or 0644 for a new file.
func WriteFile(ctx context.Context, e Executor, p string, content []byte, mode uint32) (WriteResult, error) {
	if err := checkPath(p); err != nil {
		return WriteResult{}, err
	}
	target := shellEscape(p)
	chmod := fmt.Sprintf(`chmod %04o "$tmp"`, mode)
	if mode == 0 {
		chmod = fmt.Sprintf(`{ chmod --reference=%s "$tmp" 2>/dev/null || chmod 0644 "$tmp"; }`, target)
	}
	cmd := fmt.Sprintf(`tmp=$(mktemp %s.XXXXXX) && cat > "$tmp" && %s && mv -f "$tmp" %s || { rc=$?; rm -f "$tmp"; exit $rc; }`,
		target, chmod, target)
	out, code, err := run(ctx, e, "file.write", cmd, content, 4096)
	if err != nil {
		return WriteResult{}, err
	}
	if code != 0 {
		return WriteResult{}, &CommandError{Op: "file.write", ExitCode: code, Output: tail(out)}
	}
	return WriteResult{Path: p, Bytes: len(content)}, nil
}

func checkPath(p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("ops: path %q must be absolute", p)
	}
	if strings.ContainsRune(p, 0) {
		return errors.New("ops: path contains NUL")
	}
	return nil
}
