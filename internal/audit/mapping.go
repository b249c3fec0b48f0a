package audit

import (
	"remote-admin-gateway/internal/audit/domain"
	"remote-admin-gateway/internal/protocol"
)

// ActionResource holds the audited action and resource for a channel command.
type ActionResource struct {
	Action   string
	Resource string
}

// ForCommand returns the audit action for a state-changing channel command.
// Read-only commands (file.list, file.read, package.search, shell.input) are not audited.
func ForCommand(eventType string) (ActionResource, bool) {
	switch eventType {
	case protocol.TypeFileWrite:
		return ActionResource{Action: domain.ActionFileWritten, Resource: "file"}, true
	case protocol.TypePackageInstall:
		return ActionResource{Action: domain.ActionPackageInstalled, Resource: "package"}, true
	case protocol.TypeScriptRun:
		return ActionResource{Action: domain.ActionScriptRun, Resource: "script"}, true
	}
	return ActionResource{}, false
}
