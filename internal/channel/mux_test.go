package channel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"remote-admin-gateway/internal/audit"
	auditrepo "remote-admin-gateway/internal/audit/repository"
	"remote-admin-gateway/internal/clock"
	connrepo "remote-admin-gateway/internal/connection/repository"
	connservice "remote-admin-gateway/internal/connection/service"
	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/remote/remotetest"
	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/session/domain"
	"remote-admin-gateway/internal/session/registry"
)

const owner = "user-1"

// fakeTransport records every envelope sent to it.
type fakeTransport struct {
	id string

	// onSend, when set, sees each envelope as it is sent.
	onSend func(protocol.Envelope)

	mu     sync.Mutex
	events []protocol.Envelope
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{id: uuid.NewString(), done: make(chan struct{})}
}

func (f *fakeTransport) ID() string { return f.id }

func (f *fakeTransport) Emit(eventType string, payload any) error {
	env, err := protocol.New(eventType, "", payload)
	if err != nil {
		return err
	}
	return f.Send(env)
}

func (f *fakeTransport) Send(env protocol.Envelope) error {
	if f.onSend != nil {
		f.onSend(env)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events = append(f.events, env)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeTransport) Done() <-chan struct{} { return f.done }

func (f *fakeTransport) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// waitFor returns the nth (1-based) envelope of eventType, failing after two seconds.
func (f *fakeTransport) waitFor(t *testing.T, eventType string, n int) protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		seen := 0
		for _, e := range f.events {
			if e.Type == eventType {
				seen++
				if seen == n {
					f.mu.Unlock()
					return e
				}
			}
		}
		f.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	t.Fatalf("timed out waiting for %s #%d; got %s", eventType, n, describeEvents(f.events))
	return protocol.Envelope{}
}

func describeEvents(events []protocol.Envelope) string {
	parts := make([]string, len(events))
	for i, e := range events {
		parts[i] = e.Type + string(e.Payload)
	}
	return strings.Join(parts, ", ")
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

type recordedErrors struct {
	mu    sync.Mutex
	codes []string
}

func (r *recordedErrors) HandlerError(_ context.Context, eventType, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codes = append(r.codes, eventType+":"+code)
}

func (r *recordedErrors) has(s string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.codes {
		if c == s {
			return true
		}
	}
	return false
}

type fixture struct {
	dialer  *remotetest.Dialer
	reg     *registry.Registry
	conns   *connservice.ConnectionService
	audits  *auditrepo.MemoryRepository
	metrics *recordedErrors
	mux     *Mux
}

func newFixture(t *testing.T, exec remotetest.ExecFunc, mutate func(*Deps)) *fixture {
	t.Helper()
	vault, err := security.NewTestVault()
	if err != nil {
		t.Fatalf("NewTestVault: %v", err)
	}
	policy, err := engine.NewOPAAuthorizer(context.Background(), engine.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewOPAAuthorizer: %v", err)
	}
	f := &fixture{
		dialer:  &remotetest.Dialer{Exec: exec},
		audits:  auditrepo.NewMemoryRepository(),
		metrics: &recordedErrors{},
	}
	f.reg = registry.New(f.dialer, registry.Config{GracePeriod: time.Minute})
	f.conns = connservice.NewConnectionService(connrepo.NewMemoryRepository(), vault)
	deps := Deps{
		Registry:    f.reg,
		Connections: f.conns,
		Policy:      policy,
		Audit:       audit.NewLogger(f.audits, nil),
		Scripts:     ops.NewCatalog(map[string]string{"uptime": "# Show uptime\nuptime\n"}),
		Metrics:     f.metrics,
	}
	if mutate != nil {
		mutate(&deps)
	}
	f.mux = NewMux(deps)
	t.Cleanup(func() { _ = f.reg.Shutdown(context.Background()) })
	return f
}

func send(t *testing.T, ch *Channel, eventType, id string, payload any) {
	t.Helper()
	env, err := protocol.New(eventType, id, payload)
	if err != nil {
		t.Fatal(err)
	}
	ch.Dispatch(env)
}

var target = domain.Target{Host: "db1.internal", Port: 22, Username: "root"}

func start(t *testing.T, f *fixture, tr *fakeTransport) (*Channel, string) {
	t.Helper()
	ch := f.mux.Open(context.Background(), owner, tr)
	send(t, ch, protocol.TypeStartSession, "s1", protocol.StartSession{
		Target:      target,
		Credentials: protocol.Credentials{Password: "hunter2"},
	})
	id := decode[protocol.SessionID](t, tr.waitFor(t, protocol.TypeSessionID, 1)).SessionID
	ch.Wait()
	return ch, id
}

func TestStartSession_EmitsIDThenActiveAndRemembers(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	_, id := start(t, f, tr)

	status := decode[protocol.SessionStatus](t, tr.waitFor(t, protocol.TypeSessionStatus, 1))
	if status.State != "ACTIVE" || status.SessionID != id {
		t.Errorf("status = %+v", status)
	}
	if tr.events[0].Type != protocol.TypeSessionID {
		t.Errorf("first event = %s, want session.id", tr.events[0].Type)
	}
	recs, err := f.conns.List(context.Background(), owner)
	if err != nil || len(recs) != 1 {
		t.Fatalf("stored records = %v, %v", recs, err)
	}
	if calls := f.dialer.Calls(); len(calls) != 1 || calls[0].Password != "hunter2" {
		t.Errorf("dial credentials = %+v", calls)
	}
}

func TestStartSession_ReusesStoredPassword(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch, _ := start(t, f, tr)
	send(t, ch, protocol.TypeEndSession, "", nil)

	send(t, ch, protocol.TypeStartSession, "s2", protocol.StartSession{Target: target})
	tr.waitFor(t, protocol.TypeSessionID, 2)
	ch.Wait()
	calls := f.dialer.Calls()
	if len(calls) != 2 || calls[1].Password != "hunter2" {
		t.Fatalf("second dial should use the stored password, got %+v", calls)
	}
}

func TestStartSession_RememberFalse(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)
	no := false
	send(t, ch, protocol.TypeStartSession, "", protocol.StartSession{
		Target: target, Credentials: protocol.Credentials{Password: "pw"}, Remember: &no,
	})
	tr.waitFor(t, protocol.TypeSessionID, 1)
	ch.Wait()
	if recs, _ := f.conns.List(context.Background(), owner); len(recs) != 0 {
		t.Errorf("remember:false should not store the target, got %v", recs)
	}
}

func TestStartSession_Errors(t *testing.T) {
	testCases := []struct {
		name     string
		payload  any
		dialErr  error
		wantCode string
	}{
		{"no credentials and nothing stored", protocol.StartSession{Target: target}, nil, domain.CodeCredentialsGone},
		{"invalid target", protocol.StartSession{Target: domain.Target{Host: "", Username: "root"}}, nil, CodeInvalidPayload},
		{"unknown field", map[string]any{"target": target, "bogus": 1}, nil, CodeInvalidPayload},
		{"policy denies low port", protocol.StartSession{Target: domain.Target{Host: "h", Port: 21, Username: "u"}, Credentials: protocol.Credentials{Password: "x"}}, nil, CodeForbidden},
		{"dial refused", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}}, errors.New("connection refused"), domain.CodeDialFailed},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			if tc.dialErr != nil {
				f.dialer.DialFunc = func(context.Context, domain.Target, domain.Credentials) (remote.Conn, error) {
					return nil, tc.dialErr
				}
			}
			tr := newFakeTransport()
			ch := f.mux.Open(context.Background(), owner, tr)
			send(t, ch, protocol.TypeStartSession, "req-9", tc.payload)
			env := tr.waitFor(t, protocol.TypeSessionError, 1)
			ch.Wait()
			if env.ID != "req-9" {
				t.Errorf("error should echo the request id, got %q", env.ID)
			}
			if got := decode[protocol.Error](t, env); got.Code != tc.wantCode {
				t.Errorf("code = %q, want %q (%s)", got.Code, tc.wantCode, got.Message)
			}
			if tr.count(protocol.TypeSessionID) != 0 {
				t.Error("no session id may be emitted on failure")
			}
			if f.reg.Len() != 0 {
				t.Errorf("registry holds %d entries after a failed start", f.reg.Len())
			}
			if !f.metrics.has(protocol.TypeStartSession + ":" + tc.wantCode) {
				t.Errorf("metrics missing %s, got %v", tc.wantCode, f.metrics.codes)
			}
		})
	}
}

func TestDispatch_UnknownTypeAndNoSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)

	ch.Dispatch(protocol.Envelope{Type: "reboot"})
	if got := decode[protocol.Error](t, tr.waitFor(t, protocol.TypeSessionError, 1)); got.Code != CodeInvalidPayload {
		t.Errorf("unknown type code = %q", got.Code)
	}

	send(t, ch, protocol.TypeFileList, "", protocol.FilePath{Path: "/etc"})
	if got := decode[protocol.Error](t, tr.waitFor(t, protocol.TypeFileError, 1)); got.Code != domain.CodeNotBound {
		t.Errorf("file.list without session code = %q", got.Code)
	}

	send(t, ch, protocol.TypeSessionStatus, "q", nil)
	if got := decode[protocol.SessionStatus](t, tr.waitFor(t, protocol.TypeSessionStatus, 1)); got.State != StateNone {
		t.Errorf("status without session = %+v", got)
	}
}

func TestShellInputAndResize(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch, _ := start(t, f, tr)

	send(t, ch, protocol.TypeShellInput, "", protocol.ShellInput{Data: "ls -la\n"})
	send(t, ch, protocol.TypeShellResize, "", protocol.ShellResize{Cols: 200, Rows: 50})
	conn := f.dialer.Conns()[0]
	if conn.Input() != "ls -la\n" {
		t.Errorf("remote input = %q", conn.Input())
	}
	if r := conn.Resizes(); len(r) != 1 || r[0] != [2]int{200, 50} {
		t.Errorf("resizes = %v", r)
	}

	if err := conn.Emit("total 0\r\n"); err != nil {
		t.Fatal(err)
	}
	if got := decode[protocol.ShellOutput](t, tr.waitFor(t, protocol.TypeShellOutput, 1)); got.Data != "total 0\r\n" {
		t.Errorf("shell output = %q", got.Data)
	}
}

func TestEndSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch, id := start(t, f, tr)

	send(t, ch, protocol.TypeEndSession, "", nil)
	closed := decode[protocol.SessionStatus](t, tr.waitFor(t, protocol.TypeSessionStatus, 2))
	if closed.State != "CLOSED" || closed.SessionID != id {
		t.Errorf("status = %+v", closed)
	}
	if f.reg.Len() != 0 || !f.dialer.Conns()[0].Closed() {
		t.Error("endSession should close the remote connection and drop the entry")
	}
	send(t, ch, protocol.TypeEndSession, "", nil)
	if got := decode[protocol.Error](t, tr.waitFor(t, protocol.TypeSessionError, 1)); got.Code != domain.CodeNotBound {
		t.Errorf("second endSession code = %q", got.Code)
	}
}

func TestResumeAcrossChannels(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr1 := newFakeTransport()
	ch1, id := start(t, f, tr1)
	ch1.Close()
	if s, _ := f.reg.Get(id); s.State != domain.StateGrace {
		t.Fatalf("state after channel loss = %s, want GRACE", s.State)
	}
	if err := f.dialer.Conns()[0].Emit("while you were away\n"); err != nil {
		t.Fatal(err)
	}

	tr2 := newFakeTransport()
	ch2 := f.mux.Open(context.Background(), owner, tr2)
	send(t, ch2, protocol.TypeResumeSession, "r1", protocol.ResumeSession{SessionID: id})
	if got := decode[protocol.SessionResumed](t, tr2.waitFor(t, protocol.TypeSessionResumed, 1)); got.SessionID != id {
		t.Errorf("resumed = %+v", got)
	}
	if got := decode[protocol.ShellOutput](t, tr2.waitFor(t, protocol.TypeShellOutput, 1)); got.Data != "while you were away\n" {
		t.Errorf("backlog replay = %q", got.Data)
	}
	send(t, ch2, protocol.TypeShellInput, "", protocol.ShellInput{Data: "whoami\n"})
	if in := f.dialer.Conns()[0].Input(); in != "whoami\n" {
		t.Errorf("input after resume = %q", in)
	}

	tr3 := newFakeTransport()
	ch3 := f.mux.Open(context.Background(), owner, tr3)
	send(t, ch3, protocol.TypeResumeSession, "", protocol.ResumeSession{SessionID: id})
	if got := decode[protocol.Error](t, tr3.waitFor(t, protocol.TypeSessionError, 1)); got.Code != domain.CodeBusy {
		t.Errorf("second resume code = %q", got.Code)
	}

	trOther := newFakeTransport()
	other := f.mux.Open(context.Background(), "user-2", trOther)
	send(t, other, protocol.TypeResumeSession, "", protocol.ResumeSession{SessionID: id})
	if got := decode[protocol.SessionExpired](t, trOther.waitFor(t, protocol.TypeSessionExpired, 1)); got.SessionID != id {
		t.Errorf("foreign resume = %+v", got)
	}
}

func TestResumeUnknownIsExpired(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)
	send(t, ch, protocol.TypeResumeSession, "r", protocol.ResumeSession{SessionID: "does-not-exist"})
	env := tr.waitFor(t, protocol.TypeSessionExpired, 1)
	if env.ID != "r" {
		t.Errorf("id = %q", env.ID)
	}
	if tr.count(protocol.TypeSessionError) != 0 {
		t.Error("an expired resume is not an error event")
	}
}

func TestChannelHoldsOneSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch, _ := start(t, f, tr)
	send(t, ch, protocol.TypeStartSession, "", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	if got := decode[protocol.Error](t, tr.waitFor(t, protocol.TypeSessionError, 1)); got.Code != domain.CodeBusy {
		t.Errorf("code = %q", got.Code)
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry Len = %d", f.reg.Len())
	}
}

func TestCloseWhileDialingAbandonsSession(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.dialer.Block = make(chan struct{})
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)
	send(t, ch, protocol.TypeStartSession, "", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	deadline := time.Now().Add(2 * time.Second)
	for f.reg.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	ch.Close()
	ch.Wait()
	if f.reg.Len() != 0 {
		t.Errorf("registry Len = %d after channel closed mid-dial", f.reg.Len())
	}
	if tr.count(protocol.TypeSessionID) != 0 {
		t.Error("session id must not be emitted for an abandoned dial")
	}
}

// waitReserved polls until the channel holds the id of a session still dialing.
func waitReserved(t *testing.T, ch *Channel) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if id := ch.boundID(); id != "" {
			return id
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("startSession never reserved a session id")
	return ""
}

func TestEndSessionWhileDialingCancelsStart(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.dialer.Block = make(chan struct{})
	defer close(f.dialer.Block)
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)
	send(t, ch, protocol.TypeStartSession, "s1", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	id := waitReserved(t, ch)
	if s, ok := f.reg.Get(id); !ok || s.State != domain.StateConnecting {
		t.Fatalf("reserved session = %+v, %v; want CONNECTING", s, ok)
	}

	send(t, ch, protocol.TypeEndSession, "e1", nil)
	closed := decode[protocol.SessionStatus](t, tr.waitFor(t, protocol.TypeSessionStatus, 1))
	if closed.State != "CLOSED" || closed.SessionID != id {
		t.Errorf("status = %+v, want CLOSED for %s", closed, id)
	}
	startErr := tr.waitFor(t, protocol.TypeSessionError, 1)
	if startErr.ID != "s1" || decode[protocol.Error](t, startErr).Code != domain.CodeClosed {
		t.Errorf("start reply = %s %s, want session_closed for s1", startErr.ID, startErr.Payload)
	}
	ch.Wait()

	if n := tr.count(protocol.TypeSessionError); n != 1 {
		t.Errorf("session.error count = %d; endSession itself must succeed (%s)", n, describeEvents(tr.events))
	}
	if tr.count(protocol.TypeSessionID) != 0 {
		t.Error("session id must not be emitted after endSession")
	}
	if f.reg.Len() != 0 {
		t.Errorf("registry Len = %d after endSession mid-dial", f.reg.Len())
	}
	if ch.boundID() != "" {
		t.Errorf("channel still bound to %q", ch.boundID())
	}

	f.dialer.Block = nil
	send(t, ch, protocol.TypeStartSession, "s2", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	tr.waitFor(t, protocol.TypeSessionID, 1)
	ch.Wait()
}

func TestSessionIDIsRoutableWhenEmitted(t *testing.T) {
	f := newFixture(t, nil, nil)
	tr := newFakeTransport()
	ch := f.mux.Open(context.Background(), owner, tr)
	boundAtEmit := make(chan string, 1)
	tr.onSend = func(env protocol.Envelope) {
		if env.Type == protocol.TypeSessionID {
			boundAtEmit <- ch.boundID()
		}
	}
	send(t, ch, protocol.TypeStartSession, "", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	id := decode[protocol.SessionID](t, tr.waitFor(t, protocol.TypeSessionID, 1)).SessionID
	if got := <-boundAtEmit; got != id {
		t.Errorf("channel bound to %q when session.id %q was emitted", got, id)
	}

	send(t, ch, protocol.TypeShellInput, "", protocol.ShellInput{Data: "id\n"})
	ch.Wait()
	if tr.count(protocol.TypeShellError) != 0 {
		t.Errorf("shell.input right after session.id failed: %s", describeEvents(tr.events))
	}
	if in := f.dialer.Conns()[0].Input(); in != "id\n" {
		t.Errorf("input = %q", in)
	}
}

func TestExpiredTokenCannotStartOrResume(t *testing.T) {
	fake := clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	f := newFixture(t, nil, func(d *Deps) { d.Clock = fake })

	tr := newFakeTransport()
	ch := f.mux.OpenUntil(context.Background(), owner, fake.Now().Add(time.Minute), tr)
	send(t, ch, protocol.TypeStartSession, "s1", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	id := decode[protocol.SessionID](t, tr.waitFor(t, protocol.TypeSessionID, 1)).SessionID
	ch.Wait()
	ch.Close()
	if s, _ := f.reg.Get(id); s.State != domain.StateGrace {
		t.Fatalf("state = %s, want GRACE", s.State)
	}

	fake.Advance(2 * time.Minute)
	tr2 := newFakeTransport()
	ch2 := f.mux.OpenUntil(context.Background(), owner, fake.Now().Add(-time.Second), tr2)

	send(t, ch2, protocol.TypeStartSession, "s2", protocol.StartSession{Target: target, Credentials: protocol.Credentials{Password: "x"}})
	got := tr2.waitFor(t, protocol.TypeSessionError, 1)
	if got.ID != "s2" || decode[protocol.Error](t, got).Code != domain.CodeAuthRequired {
		t.Errorf("start with expired token = %s %s", got.ID, got.Payload)
	}
	send(t, ch2, protocol.TypeResumeSession, "r1", protocol.ResumeSession{SessionID: id})
	got = tr2.waitFor(t, protocol.TypeSessionError, 2)
	if got.ID != "r1" || decode[protocol.Error](t, got).Code != domain.CodeAuthRequired {
		t.Errorf("resume with expired token = %s %s", got.ID, got.Payload)
	}
	ch2.Wait()

	if calls := f.dialer.Calls(); len(calls) != 1 {
		t.Errorf("dials = %d; an expired token must not reach the registry", len(calls))
	}
	if s, _ := f.reg.Get(id); s.State != domain.StateGrace || s.Bound {
		t.Errorf("session after rejected resume = %+v, want unbound GRACE", s)
	}
	if f.reg.Len() != 1 {
		t.Errorf("registry Len = %d", f.reg.Len())
	}
}
