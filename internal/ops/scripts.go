package ops

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrUnknownScript is returned for a name not in the catalog.
var ErrUnknownScript = errors.New("ops: unknown script")

// Script is one catalog entry.
type Script struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	body        []byte
}

// Catalog is the set of scripts a client may run by name.
type Catalog struct {
	scripts map[string]Script
}

// LoadCatalog reads every *.sh file in dir. The script name is the file name without the
// extension; its description is the first comment line after the shebang. An empty dir yields
// an empty catalog.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{scripts: make(map[string]Script)}
	if dir == "" {
		return c, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.sh"))
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		body, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("ops: read script %s: %w", p, err)
		}
		name := strings.TrimSuffix(filepath.Base(p), ".sh")
		c.scripts[name] = Script{Name: name, Description: describe(body), body: body}
	}
	return c, nil
}

// NewCatalog builds a catalog from name → script text.
func NewCatalog(scripts map[string]string) *Catalog {
	c := &Catalog{scripts: make(map[string]Script, len(scripts))}
	for name, text := range scripts {
		c.scripts[name] = Script{Name: name, Description: describe([]byte(text)), body: []byte(text)}
	}
	return c
}

func describe(body []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "#!") || line == "#" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			return strings.TrimSpace(strings.TrimPrefix(line, "#"))
		}
		if line != "" {
			break
		}
	}
	return ""
}

// Get returns the named script.
func (c *Catalog) Get(name string) (Script, bool) {
	s, ok := c.scripts[name]
	return s, ok
}

// List returns the catalog sorted by name.
func (c *Catalog) List() []Script {
	out := make([]Script, 0, len(c.scripts))
	for _, s := range c.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of scripts.
func (c *Catalog) Len() int { return len(c.scripts) }

// RunScript runs the named script with `bash -s --`, its text on stdin and args quoted, streaming
// output to out. It returns the exit code; a non-zero exit is not an error.
func (c *Catalog) RunScript(ctx context.Context, e Executor, name string, args []string, out io.Writer) (int, error) {
	s, ok := c.Get(name)
	if !ok {
		return -1, fmt.Errorf("%w: %q", ErrUnknownScript, name)
	}
	cmd := "bash -s --"
	if len(args) > 0 {
		cmd += " " + joinArgs(args)
	}
	code, err := e.Exec(ctx, cmd, bytes.NewReader(s.body), out)
	if err != nil {
		return code, fmt.Errorf("script.run: %w", err)
	}
	return code, nil
}
