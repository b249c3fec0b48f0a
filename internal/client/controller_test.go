package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remote-admin-gateway/internal/channel"
	"remote-admin-gateway/internal/clock"
	connrepo "remote-admin-gateway/internal/connection/repository"
	connservice "remote-admin-gateway/internal/connection/service"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/remote/remotetest"
	"remote-admin-gateway/internal/security"
	"remote-admin-gateway/internal/server/middleware"
	"remote-admin-gateway/internal/session/domain"
	"remote-admin-gateway/internal/session/registry"
)

// gateway is an in-process gateway with a fake remote host and a fake clock.
type gateway struct {
	clock  *clock.Fake
	remote *remotetest.Dialer
	reg    *registry.Registry
	url    string
	token  string
}

func newGateway(t *testing.T) *gateway {
	t.Helper()
	tokens, err := security.NewTestTokenProvider()
	if err != nil {
		t.Fatal(err)
	}
	vault, err := security.NewTestVault()
	if err != nil {
		t.Fatal(err)
	}
	g := &gateway{
		clock:  clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
		remote: &remotetest.Dialer{},
	}
	g.reg = registry.New(g.remote, registry.Config{GracePeriod: 5 * time.Minute, Clock: g.clock})
	mux := channel.NewMux(channel.Deps{
		Registry:    g.reg,
		Connections: connservice.NewConnectionService(connrepo.NewMemoryRepository(), vault),
		Policy:      engine.AllowAll{},
	})
	srv := httptest.NewServer(channel.NewHandler(mux, middleware.NewAuthenticator(tokens, ""), channel.HandlerConfig{}))
	t.Cleanup(func() {
		srv.Close()
		_ = g.reg.Shutdown(context.Background())
	})
	g.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	g.token, _, _, err = tokens.IssueAccess("alice")
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func (g *gateway) dialer() *WSDialer {
	return &WSDialer{URL: g.url, Token: g.token}
}

func (g *gateway) waitState(t *testing.T, id string, want domain.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, ok := g.reg.Get(id)
		if ok && s.State == want {
			return
		}
		if !ok && want.Terminal() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := g.reg.Get(id)
	t.Fatalf("session %s state = %s, want %s", id, s.State, want)
}

type notices struct {
	mu  sync.Mutex
	all []Notice
}

func (n *notices) record(x Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.all = append(n.all, x)
}

func (n *notices) states() []State {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]State, len(n.all))
	for i, x := range n.all {
		out[i] = x.State
	}
	return out
}

func newController(t *testing.T, d Dialer) (*Controller, *Cache, *notices, *[]time.Duration) {
	t.Helper()
	cache, err := OpenCache(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatal(err)
	}
	n := &notices{}
	var slept []time.Duration
	ctrl := NewController(d, cache, Config{
		Notify: n.record,
		Sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
		ReplyTimeout: 2 * time.Second,
	})
	return ctrl, cache, n, &slept
}

// drop simulates an unexpected channel loss and waits for the gateway to notice.
func drop(t *testing.T, g *gateway, ctrl *Controller, id string) {
	t.Helper()
	_ = ctrl.Conn().Close()
	ctrl.Lost()
	g.waitState(t, id, domain.StateGrace)
}

func TestConnect_CachesSession(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, _, _ := newController(t, g.dialer())

	id, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "hunter2"}, true)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if ctrl.State() != StateFresh || ctrl.SessionID() != id {
		t.Errorf("state = %s, id = %q", ctrl.State(), ctrl.SessionID())
	}
	if cache.SessionID() != id || cache.Credentials().Password != "hunter2" {
		t.Error("connect should cache the session id and secret")
	}
}

func TestRecover_WithinGraceResumes(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, n, slept := newController(t, g.dialer())
	id, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "hunter2"}, true)
	if err != nil {
		t.Fatal(err)
	}
	drop(t, g, ctrl, id)
	g.clock.Advance(4*time.Minute + 59*time.Second)

	state, err := ctrl.Recover(context.Background())
	if err != nil || state != StateResumed {
		t.Fatalf("Recover = %s, %v", state, err)
	}
	if ctrl.SessionID() != id || cache.SessionID() != id {
		t.Errorf("session id changed: ctrl %q cache %q want %q", ctrl.SessionID(), cache.SessionID(), id)
	}
	if calls := len(g.remote.Calls()); calls != 1 {
		t.Errorf("remote dialed %d times; a resume must not re-authenticate", calls)
	}
	if len(*slept) != 1 || (*slept)[0] != DefaultResumeDelay {
		t.Errorf("resume delays = %v", *slept)
	}
	g.waitState(t, id, domain.StateActive)
	if got := n.states(); got[len(got)-2] != StateResuming || got[len(got)-1] != StateResumed {
		t.Errorf("transitions = %v", got)
	}
}

func TestRecover_AfterExpiryOpensFresh(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, n, _ := newController(t, g.dialer())
	old, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "hunter2"}, true)
	if err != nil {
		t.Fatal(err)
	}
	drop(t, g, ctrl, old)
	g.clock.Advance(6 * time.Minute)
	g.waitState(t, old, domain.StateExpired)

	state, err := ctrl.Recover(context.Background())
	if err != nil || state != StateFresh {
		t.Fatalf("Recover = %s, %v", state, err)
	}
	id := ctrl.SessionID()
	if id == "" || id == old || cache.SessionID() != id {
		t.Errorf("fresh id = %q (old %q, cached %q)", id, old, cache.SessionID())
	}
	calls := g.remote.Calls()
	if len(calls) != 2 || calls[1].Password != "hunter2" {
		t.Errorf("fresh open should reuse the cached secret: %+v", calls)
	}
	n.mu.Lock()
	last := n.all[len(n.all)-1]
	n.mu.Unlock()
	if !strings.Contains(last.Message, "expired") {
		t.Errorf("user was not told the session expired: %+v", last)
	}
}

func TestRecover_AuthFailureClearsSecrets(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, _, _ := newController(t, g.dialer())
	old, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "hunter2"}, true)
	if err != nil {
		t.Fatal(err)
	}
	drop(t, g, ctrl, old)
	g.clock.Advance(6 * time.Minute)
	g.waitState(t, old, domain.StateExpired)
	g.remote.DialFunc = func(context.Context, domain.Target, domain.Credentials) (remote.Conn, error) {
		return nil, remote.ErrAuthFailed
	}

	state, err := ctrl.Recover(context.Background())
	if state != StateFailed {
		t.Fatalf("state = %s", state)
	}
	var se *ServerError
	if !errors.As(err, &se) || se.Code != domain.CodeTargetAuth {
		t.Errorf("err = %v", err)
	}
	if cache.HasSecrets() || cache.SessionID() != "" {
		t.Error("an auth failure must clear every cached secret")
	}
	if _, ok := cache.Target(); !ok {
		t.Error("target should be kept for manual re-entry")
	}

	if _, err := ctrl.Recover(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("second Recover = %v, want ErrNoCredentials", err)
	}
	if n := len(g.remote.Calls()); n != 2 {
		t.Errorf("remote dialed %d times; failed credentials must not be retried", n)
	}
}

func TestRecover_TransportFailureClearsSecrets(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, _, _ := newController(t, g.dialer())
	id, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "pw"}, true)
	if err != nil {
		t.Fatal(err)
	}
	drop(t, g, ctrl, id)

	bad := &WSDialer{URL: g.url, Token: "not-a-token"}
	ctrl.dialer = bad
	state, err := ctrl.Recover(context.Background())
	if state != StateFailed || !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Recover = %s, %v", state, err)
	}
	if cache.HasSecrets() {
		t.Error("secrets survived a failed resume")
	}
}

func TestRecover_NoSessionIDOpensFresh(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, _, slept := newController(t, g.dialer())
	if err := cache.SetConnection(testTarget, domain.Credentials{Password: "pw"}, false, ""); err != nil {
		t.Fatal(err)
	}
	state, err := ctrl.Recover(context.Background())
	if err != nil || state != StateFresh {
		t.Fatalf("Recover = %s, %v", state, err)
	}
	if len(*slept) != 0 {
		t.Errorf("a fresh open should not wait: %v", *slept)
	}
	if cache.SessionID() == "" {
		t.Error("new session id not cached")
	}
}

func TestRecover_NothingCached(t *testing.T) {
	ctrl, _, _, _ := newController(t, &WSDialer{URL: "ws://127.0.0.1:1"})
	if _, err := ctrl.Recover(context.Background()); !errors.Is(err, ErrNothingToRecover) {
		t.Errorf("err = %v", err)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("state = %s", ctrl.State())
	}
}

func TestDisconnect_EndsSessionAndClearsCache(t *testing.T) {
	g := newGateway(t)
	ctrl, cache, _, _ := newController(t, g.dialer())
	id, err := ctrl.Connect(context.Background(), testTarget, domain.Credentials{Password: "pw"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	g.waitState(t, id, domain.StateClosed)
	if _, ok := cache.Target(); ok || cache.HasSecrets() {
		t.Error("disconnect should clear the whole cache")
	}
	if ctrl.State() != StateIdle || ctrl.Conn() != nil {
		t.Errorf("state = %s", ctrl.State())
	}
}

func TestOneShot(t *testing.T) {
	p := OneShot{Delay: time.Second}
	if d, ok := p.Next(0); !ok || d != time.Second {
		t.Errorf("Next(0) = %v, %v", d, ok)
	}
	if _, ok := p.Next(1); ok {
		t.Error("OneShot allows a second attempt")
	}
}

func TestCall_RoutesRepliesByID(t *testing.T) {
	g := newGateway(t)
	ctrl, _, _, _ := newController(t, g.dialer())
	ctx := context.Background()

	if _, err := ctrl.Call(ctx, protocol.TypeSessionStatus, nil, nil); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("Call without connection = %v, want ErrConnClosed", err)
	}

	id, err := ctrl.Connect(ctx, testTarget, domain.Credentials{Password: "hunter2"}, true)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	reply, err := ctrl.Call(ctx, protocol.TypeSessionStatus, nil, nil)
	if err != nil {
		t.Fatalf("Call session.status: %v", err)
	}
	var st protocol.SessionStatus
	if err := json.Unmarshal(reply.Payload, &st); err != nil {
		t.Fatal(err)
	}
	if st.SessionID != id || st.State != string(domain.StateActive) {
		t.Errorf("status = %+v, want ACTIVE %s", st, id)
	}

	// the fake host has no exec handler, so the listing fails on its error event
	_, err = ctrl.Call(ctx, protocol.TypeFileList, protocol.FilePath{Path: "/etc"}, nil)
	var ce *CommandError
	if !errors.As(err, &ce) || ce.Type != protocol.TypeFileError {
		t.Fatalf("Call file.list = %v, want file.error CommandError", err)
	}

	if _, err := ctrl.Call(ctx, protocol.TypeShellInput, protocol.ShellInput{Data: "ls"}, nil); err == nil {
		t.Error("Call with a fire-and-forget event should fail")
	}
}
