package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/protocol"
)

func handleShellInput(_ context.Context, _ *Channel, req *request) error {
	p := req.payload.(*protocol.ShellInput)
	if p.Data == "" {
		return nil
	}
	_, err := req.conn.Stdin().Write([]byte(p.Data))
	return err
}

func handleShellResize(_ context.Context, _ *Channel, req *request) error {
	p := req.payload.(*protocol.ShellResize)
	return req.conn.Resize(p.Cols, p.Rows)
}

func handleFileList(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.FilePath)
	entries, err := ops.ListDir(ctx, req.conn, p.Path)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []ops.FileEntry{}
	}
	c.reply(protocol.TypeFileListResult, req.env.ID, fileListResult{Path: p.Path, Entries: entries})
	return nil
}

func handleFileRead(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.FilePath)
	fc, err := ops.ReadFile(ctx, req.conn, p.Path)
	if err != nil {
		return err
	}
	c.reply(protocol.TypeFileReadResult, req.env.ID, fc)
	return nil
}

func handleFileWrite(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.FileWrite)
	if err := c.authorize(ctx, engine.Input{Action: engine.ActionFileWrite, Path: p.Path}); err != nil {
		return err
	}
	mode, _ := p.FileMode()
	res, err := ops.WriteFile(ctx, req.conn, p.Path, []byte(p.Content), mode)
	c.auditCommand(ctx, req.env.Type, req.sessionID, metadata(map[string]any{"path": p.Path, "bytes": len(p.Content)}, err))
	if err != nil {
		return err
	}
	c.reply(protocol.TypeFileWriteResult, req.env.ID, res)
	return nil
}

// manager returns the package manager of the session's target, detecting it once per session.
func (c *Channel) manager(ctx context.Context, req *request) (ops.Manager, error) {
	c.mu.Lock()
	m, ok := c.managers[req.sessionID]
	c.mu.Unlock()
	if ok {
		return m, nil
	}
	m, err := ops.DetectManager(ctx, req.conn)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.managers[req.sessionID] = m
	c.mu.Unlock()
	return m, nil
}

type searchOutcome struct {
	manager ops.Manager
	pkgs    []ops.Package
	err     error
}

// handlePackageSearch waits up to the bound for results. Exactly one of results or timeout is sent;
// results that arrive after the timeout are written to the shell log instead. The remote command
// keeps running after a timeout.
func handlePackageSearch(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.PackageSearch)
	wait := c.mux.deps.SearchTimeout
	if p.TimeoutMs > 0 {
		wait = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	query := strings.TrimSpace(p.Query)

	done := make(chan searchOutcome, 1)
	go func() {
		m, err := c.manager(ctx, req)
		if err != nil {
			done <- searchOutcome{err: err}
			return
		}
		pkgs, err := ops.SearchPackages(ctx, req.conn, m, query)
		done <- searchOutcome{manager: m, pkgs: pkgs, err: err}
	}()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			return out.err
		}
		c.reply(protocol.TypePackageSearchResults, req.env.ID, packageSearchResults{Query: query, Manager: string(out.manager), Packages: out.pkgs})
		return nil
	case <-timer.C:
		c.reply(protocol.TypePackageSearchTimeout, req.env.ID, packageSearchTimeout{Query: query, TimeoutMs: wait.Milliseconds()})
		if c.mux.deps.Metrics != nil {
			c.mux.deps.Metrics.HandlerError(ctx, req.env.Type, CodeTimeout)
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.lateSearch(query, <-done)
		}()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) lateSearch(query string, out searchOutcome) {
	if out.err != nil {
		log.WithField("query", query).WithError(out.err).Debug("channel: late package search failed")
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\r\n[package search] late results for %q:\r\n", query)
	if len(out.pkgs) == 0 {
		b.WriteString("  (no matches)\r\n")
	}
	for _, pkg := range out.pkgs {
		fmt.Fprintf(&b, "  %s - %s\r\n", pkg.Name, pkg.Summary)
	}
	c.reply(protocol.TypeShellOutput, "", protocol.ShellOutput{Data: b.String()})
}

func handlePackageInstall(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.PackageInstall)
	name := strings.TrimSpace(p.Name)
	if err := c.authorize(ctx, engine.Input{Action: engine.ActionPackageInstall, Package: name}); err != nil {
		return err
	}
	m, err := c.manager(ctx, req)
	if err != nil {
		return err
	}
	out := c.stream(protocol.TypeShellOutput, "", func(s string) any { return protocol.ShellOutput{Data: s} })
	res, err := ops.InstallPackage(ctx, req.conn, m, name, out)
	out.Flush()
	c.auditCommand(ctx, req.env.Type, req.sessionID, metadata(map[string]any{"name": name, "manager": string(m), "exitCode": res.ExitCode}, err))
	if err != nil {
		return err
	}
	c.reply(protocol.TypePackageInstallResult, req.env.ID, res)
	return nil
}

func handleScriptRun(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.ScriptRun)
	if err := c.authorize(ctx, engine.Input{Action: engine.ActionScriptRun, Script: p.Name, Args: p.Args}); err != nil {
		return err
	}
	out := c.stream(protocol.TypeScriptOutput, req.env.ID, func(s string) any { return scriptOutput{Name: p.Name, Data: s} })
	code, err := c.mux.deps.Scripts.RunScript(ctx, req.conn, p.Name, p.Args, out)
	out.Flush()
	c.auditCommand(ctx, req.env.Type, req.sessionID, metadata(map[string]any{"name": p.Name, "args": p.Args, "exitCode": code}, err))
	if err != nil {
		return err
	}
	c.reply(protocol.TypeScriptResult, req.env.ID, scriptResult{Name: p.Name, ExitCode: code})
	return nil
}

// stream returns a writer that forwards command output as events, never splitting a UTF-8 sequence.
func (c *Channel) stream(eventType, id string, wrap func(string) any) *eventWriter {
	return &eventWriter{c: c, eventType: eventType, id: id, wrap: wrap}
}

type eventWriter struct {
	c         *Channel
	eventType string
	id        string
	wrap      func(string) any

	mu      sync.Mutex
	pending []byte
}

func (w *eventWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	data := append(w.pending, p...)
	cut := len(data)
	for i := len(data) - 1; i >= 0 && i >= len(data)-utf8.UTFMax; i-- {
		if utf8.RuneStart(data[i]) {
			if !utf8.FullRune(data[i:]) {
				cut = i
			}
			break
		}
	}
	if cut > 0 {
		w.c.reply(w.eventType, w.id, w.wrap(string(data[:cut])))
	}
	w.pending = append([]byte(nil), data[cut:]...)
	return len(p), nil
}

// Flush sends any bytes held back at a rune boundary.
func (w *eventWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) > 0 {
		w.c.reply(w.eventType, w.id, w.wrap(string(w.pending)))
		w.pending = nil
	}
}

func metadata(fields map[string]any, err error) string {
	if err != nil {
		fields["error"] = err.Error()
	}
	b, _ := json.Marshal(fields)
	return string(b)
}
