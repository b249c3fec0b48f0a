package ops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Manager is a supported package manager.
type Manager string

const (
	ManagerApt Manager = "apt"
	ManagerDnf Manager = "dnf"
)

// ErrNoPackageManager is returned when the target has neither apt nor dnf.
var ErrNoPackageManager = errors.New("ops: no supported package manager on target")

// ErrInvalidPackageName rejects names that could be read as options or shell syntax.
var ErrInvalidPackageName = errors.New("ops: invalid package name")

var packageName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9+._:-]{0,127}$`)

const detectCmd = `if command -v apt-cache >/dev/null 2>&1; then echo apt; elif command -v dnf >/dev/null 2>&1; then echo dnf; else echo none; fi`

// Package is one search hit.
type Package struct {
	Name    string `json:"name"`
	Arch    string `json:"arch,omitempty"`
	Summary string `json:"summary"`
}

// InstallResult reports a finished install.
type InstallResult struct {
	Name     string `json:"name"`
	Manager  string `json:"manager"`
	ExitCode int    `json:"exitCode"`
}

// DetectManager reports which package manager the target uses.
func DetectManager(ctx context.Context, e Executor) (Manager, error) {
	out, _, err := run(ctx, e, "package.detect", detectCmd, nil, 256)
	if err != nil {
		return "", err
	}
	switch m := Manager(strings.TrimSpace(string(out))); m {
	case ManagerApt, ManagerDnf:
		return m, nil
	default:
		return "", ErrNoPackageManager
	}
}

// SearchPackages queries the target's package index by name.
func SearchPackages(ctx context.Context, e Executor, m Manager, query string) ([]Package, error) {
	query = strings.TrimSpace(query)
	var cmd string
	switch m {
	case ManagerApt:
		cmd = "apt-cache search --names-only -- " + shellEscape(query)
	case ManagerDnf:
		cmd = "dnf -q search -- " + shellEscape(query)
	default:
		return nil, ErrNoPackageManager
	}
	out, code, err := run(ctx, e, "package.search", cmd, nil, 1<<20)
	if err != nil {
		return nil, err
	}
	// dnf exits 1 when nothing matched.
	if code != 0 && !(m == ManagerDnf && code == 1 && strings.TrimSpace(string(out)) == "") {
		return nil, &CommandError{Op: "package.search", ExitCode: code, Output: tail(out)}
	}
	return ParseSearch(m, string(out))
}

// ParseSearch parses `name - summary` (apt) or `name.arch : summary` (dnf) lines. Headers and
// blank lines are skipped. Non-empty output with no parsable line is ErrMalformedOutput.
func ParseSearch(m Manager, output string) ([]Package, error) {
	pkgs := []Package{}
	text := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		var p Package
		var ok bool
		switch m {
		case ManagerApt:
			p, ok = parseAptLine(line)
		case ManagerDnf:
			if isDnfHeader(line) {
				continue
			}
			p, ok = parseDnfLine(line)
		default:
			return nil, ErrNoPackageManager
		}
		text = true
		if ok {
			pkgs = append(pkgs, p)
		}
	}
	if len(pkgs) == 0 && text {
		return nil, fmt.Errorf("%w: no package lines in search output", ErrMalformedOutput)
	}
	return pkgs, nil
}

func parseAptLine(line string) (Package, bool) {
	name, summary, ok := strings.Cut(line, " - ")
	name = strings.TrimSpace(name)
	if !ok || !packageName.MatchString(name) {
		return Package{}, false
	}
	return Package{Name: name, Summary: strings.TrimSpace(summary)}, true
}

func parseDnfLine(line string) (Package, bool) {
	left, summary, ok := strings.Cut(line, " : ")
	left = strings.TrimSpace(left)
	if !ok || left == "" || strings.ContainsAny(left, " \t") {
		return Package{}, false
	}
	p := Package{Name: left, Summary: strings.TrimSpace(summary)}
	if i := strings.LastIndex(left, "."); i > 0 {
		p.Name, p.Arch = left[:i], left[i+1:]
	}
	if !packageName.MatchString(p.Name) {
		return Package{}, false
	}
	return p, true
}

func isDnfHeader(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "=") || strings.HasPrefix(t, "Last metadata expiration") ||
		strings.HasPrefix(t, "Matched fields:")
}

// ValidatePackageName checks name before it reaches a command line.
func ValidatePackageName(name string) error {
	if !packageName.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidPackageName, name)
	}
	return nil
}

// InstallPackage installs name non-interactively with sudo -n, streaming output to out.
// A non-zero exit is reported as a CommandError.
func InstallPackage(ctx context.Context, e Executor, m Manager, name string, out io.Writer) (InstallResult, error) {
	if err := ValidatePackageName(name); err != nil {
		return InstallResult{}, err
	}
	var cmd string
	switch m {
	case ManagerApt:
		cmd = "sudo -n env DEBIAN_FRONTEND=noninteractive apt-get install -y -- " + shellEscape(name)
	case ManagerDnf:
		cmd = "sudo -n dnf install -y -- " + shellEscape(name)
	default:
		return InstallResult{}, ErrNoPackageManager
	}
	tailBuf := &cappedWriter{buf: new(bytes.Buffer), limit: 8 << 10}
	w := io.Writer(tailBuf)
	if out != nil {
		w = io.MultiWriter(out, tailBuf)
	}
	code, err := e.Exec(ctx, cmd, nil, w)
	if err != nil {
		return InstallResult{}, fmt.Errorf("package.install: %w", err)
	}
	res := InstallResult{Name: name, Manager: string(m), ExitCode: code}
	if code != 0 {
		return res, &CommandError{Op: "package.install", ExitCode: code, Output: tail(tailBuf.buf.Bytes())}
	}
	return res, nil
}
