package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"remote-admin-gateway/internal/session/domain"
)

func newDefault(t *testing.T) *OPAAuthorizer {
	t.Helper()
	a, err := NewOPAAuthorizer(context.Background(), DefaultPolicy)
	if err != nil {
		t.Fatalf("NewOPAAuthorizer: %v", err)
	}
	return a
}

func TestOPAAuthorizer_HealthCheck(t *testing.T) {
	if err := newDefault(t).HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
}

func TestOPAAuthorizer_DefaultPolicy(t *testing.T) {
	a := newDefault(t)
	testCases := []struct {
		name      string
		in        Input
		allowed   bool
		reasonHas string
	}{
		{"start on 22", Input{Action: ActionStartSession, Target: domain.Target{Host: "h", Port: 22, Username: "root"}}, true, ""},
		{"start on default port", Input{Action: ActionStartSession, Target: domain.Target{Host: "h", Username: "root"}}, true, ""},
		{"start on low port", Input{Action: ActionStartSession, Target: domain.Target{Host: "h", Port: 21, Username: "root"}}, false, "port 21"},
		{"write under etc", Input{Action: ActionFileWrite, Path: "/etc/nginx/nginx.conf"}, true, ""},
		{"write under proc", Input{Action: ActionFileWrite, Path: "/proc/sys/kernel/panic"}, false, "/proc/"},
		{"write shadow", Input{Action: ActionFileWrite, Path: "/etc/shadow"}, false, "managed outside"},
		{"install plain name", Input{Action: ActionPackageInstall, Package: "nginx"}, true, ""},
		{"install versioned name", Input{Action: ActionPackageInstall, Package: "libssl3.0-dev"}, true, ""},
		{"install option injection", Input{Action: ActionPackageInstall, Package: "--allow-unauthenticated"}, false, "not allowed"},
		{"install shell meta", Input{Action: ActionPackageInstall, Package: "vim;rm"}, false, "not allowed"},
		{"script by name", Input{Action: ActionScriptRun, Script: "disk-usage", Args: []string{"/var"}}, true, ""},
		{"script with path", Input{Action: ActionScriptRun, Script: "../etc/passwd"}, false, "path"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			tc.in.OwnerID = "user-1"
			d, err := a.Authorize(context.Background(), tc.in)
			if err != nil {
				t.Fatalf("Authorize: %v", err)
			}
			if d.Allowed != tc.allowed {
				t.Fatalf("Allowed = %v, want %v (reasons %v)", d.Allowed, tc.allowed, d.Reasons)
			}
			if tc.reasonHas != "" && !strings.Contains(strings.Join(d.Reasons, "; "), tc.reasonHas) {
				t.Errorf("reasons %v should mention %q", d.Reasons, tc.reasonHas)
			}
			if tc.allowed && len(d.Reasons) != 0 {
				t.Errorf("allowed decision carries reasons %v", d.Reasons)
			}
		})
	}
}

func TestNewOPAAuthorizer_InvalidModule(t *testing.T) {
	if _, err := NewOPAAuthorizer(context.Background(), "package gateway.commands\n\nallow if {"); err == nil {
		t.Fatal("NewOPAAuthorizer should reject a module that does not compile")
	}
}

func TestOPAAuthorizer_WrongPackageDenies(t *testing.T) {
	a, err := NewOPAAuthorizer(context.Background(), "package other\n\nallow := true\n")
	if err != nil {
		t.Fatalf("NewOPAAuthorizer: %v", err)
	}
	d, err := a.Authorize(context.Background(), Input{Action: ActionScriptRun, Script: "x"})
	if err == nil && d.Allowed {
		t.Fatal("a module outside gateway.commands must not allow anything")
	}
}

func TestLoadOPAAuthorizer_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "commands.rego")
	module := `package gateway.commands

default allow := false

allow if {
	input.owner_id == "admin"
}

deny contains "only admin may act" if {
	input.owner_id != "admin"
}
`
	if err := os.WriteFile(path, []byte(module), 0o600); err != nil {
		t.Fatal(err)
	}
	a, err := LoadOPAAuthorizer(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadOPAAuthorizer: %v", err)
	}
	d, err := a.Authorize(context.Background(), Input{OwnerID: "admin", Action: ActionFileWrite, Path: "/proc/x"})
	if err != nil || !d.Allowed {
		t.Fatalf("admin: decision %+v, err %v", d, err)
	}
	d, err = a.Authorize(context.Background(), Input{OwnerID: "bob", Action: ActionScriptRun, Script: "x"})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if d.Allowed || len(d.Reasons) != 1 || d.Reasons[0] != "only admin may act" {
		t.Errorf("bob: decision %+v", d)
	}
}

func TestLoadOPAAuthorizer_MissingFile(t *testing.T) {
	if _, err := LoadOPAAuthorizer(context.Background(), filepath.Join(t.TempDir(), "nope.rego")); err == nil {
		t.Fatal("LoadOPAAuthorizer should fail for a missing file")
	}
	a, err := LoadOPAAuthorizer(context.Background(), "")
	if err != nil {
		t.Fatalf("LoadOPAAuthorizer default: %v", err)
	}
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}

func TestAuthorize_CanceledContext(t *testing.T) {
	a := newDefault(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d, err := a.Authorize(ctx, Input{Action: ActionScriptRun, Script: "x"})
	if err == nil {
		return
	}
	if d.Allowed {
		t.Error("failed evaluation must not allow")
	}
	if errors.Is(err, ErrNoResult) {
		t.Errorf("unexpected ErrNoResult: %v", err)
	}
}
