package audit

import (
	"testing"

	"remote-admin-gateway/internal/audit/domain"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/registry"
)

func TestForCommand(t *testing.T) {
	testCases := []struct {
		eventType string
		want      ActionResource
		audited   bool
	}{
		{protocol.TypeFileWrite, ActionResource{domain.ActionFileWritten, "file"}, true},
		{protocol.TypePackageInstall, ActionResource{domain.ActionPackageInstalled, "package"}, true},
		{protocol.TypeScriptRun, ActionResource{domain.ActionScriptRun, "script"}, true},
		{protocol.TypeFileRead, ActionResource{}, false},
		{protocol.TypeShellInput, ActionResource{}, false},
		{protocol.TypePackageSearch, ActionResource{}, false},
	}
	for _, tc := range testCases {
		t.Run(tc.eventType, func(t *testing.T) {
			got, ok := ForCommand(tc.eventType)
			if ok != tc.audited || got != tc.want {
				t.Errorf("ForCommand = %+v, %v; want %+v, %v", got, ok, tc.want, tc.audited)
			}
		})
	}
}

func TestRegistryEventKindsAreAuditActions(t *testing.T) {
	pairs := map[registry.EventKind]string{
		registry.EventStarted:        domain.ActionSessionStarted,
		registry.EventDialFailed:     domain.ActionSessionDialFailed,
		registry.EventResumed:        domain.ActionSessionResumed,
		registry.EventResumeRejected: domain.ActionSessionResumeRejected,
		registry.EventGrace:          domain.ActionSessionGrace,
		registry.EventExpired:        domain.ActionSessionExpired,
		registry.EventEnded:          domain.ActionSessionEnded,
		registry.EventRemoteClosed:   domain.ActionSessionRemoteClosed,
	}
	for kind, action := range pairs {
		if string(kind) != action {
			t.Errorf("event kind %q != audit action %q", kind, action)
		}
	}
}
