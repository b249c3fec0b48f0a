package engine

import (
	"context"

	"remote-admin-gateway/internal/session/domain"
)

// Actions judged by the command policy.
const (
	ActionStartSession   = "session.start"
	ActionFileWrite      = "file.write"
	ActionPackageInstall = "package.install"
	ActionScriptRun      = "script.run"
)

// Input describes one privileged command. Only the fields relevant to Action are set.
type Input struct {
	OwnerID string
	Action  string
	Target  domain.Target
	Path    string
	Package string
	Script  string
	Args    []string
}

// Decision is the outcome of a policy evaluation. Reasons lists the deny messages, if any.
type Decision struct {
	Allowed bool
	Reasons []string
}

// Authorizer decides whether an owner may run a privileged command.
type Authorizer interface {
	Authorize(ctx context.Context, in Input) (Decision, error)
}

// AllowAll is an Authorizer that permits everything. Used by tests and when no policy is wired.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Input) (Decision, error) {
	return Decision{Allowed: true}, nil
}
