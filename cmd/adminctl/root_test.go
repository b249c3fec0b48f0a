package main

import (
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"remote-admin-gateway/internal/session/domain"
)

func TestParseTarget(t *testing.T) {
	testCases := []struct {
		in      string
		want    domain.Target
		wantErr bool
	}{
		{"root@db1.internal", domain.Target{Username: "root", Host: "db1.internal"}, false},
		{"deploy@10.0.0.5:2222", domain.Target{Username: "deploy", Host: "10.0.0.5", Port: 2222}, false},
		{"admin@[::1]:22", domain.Target{Username: "admin", Host: "::1", Port: 22}, false},
		{"db1.internal", domain.Target{}, true},
		{"@db1", domain.Target{}, true},
		{"root@db1:99999", domain.Target{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseTarget(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseTarget(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTarget(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("parseTarget(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSURL(t *testing.T) {
	testCases := []struct {
		gateway string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://gw.example.com/admin/", "wss://gw.example.com/admin/ws", false},
		{"ftp://gw.example.com", "", true},
	}
	for _, tc := range testCases {
		e := &env{v: viper.New()}
		e.v.Set("gateway", tc.gateway)
		got, err := e.wsURL()
		if (err != nil) != tc.wantErr {
			t.Fatalf("wsURL(%q) error = %v, wantErr %v", tc.gateway, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("wsURL(%q) = %q, want %q", tc.gateway, got, tc.want)
		}
	}
}

func TestRootCmd_RegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"connect", "attach", "disconnect", "status", "ls", "cat", "put", "pkg", "run", "connections", "sessions", "audit"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestKeyDir(t *testing.T) {
	e := &env{v: viper.New()}
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := e.keyDir(); got != filepath.Join("/run/user/1000", "adminctl") {
		t.Errorf("keyDir with runtime dir = %q", got)
	}
	e.v.Set("key-dir", "/tmp/keys")
	if got := e.keyDir(); got != "/tmp/keys" {
		t.Errorf("keyDir with flag = %q", got)
	}
	e.v.Set("key-dir", "")
	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := e.keyDir(); got != "" {
		t.Errorf("keyDir without runtime dir = %q", got)
	}
}
