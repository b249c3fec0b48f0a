package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/open-policy-agent/opa/v1/rego"
	log "github.com/sirupsen/logrus"
)

const policyQuery = "allow = data.gateway.commands.allow; deny = data.gateway.commands.deny"

// DefaultPolicy is the built-in command policy. A module loaded from POLICY_FILE replaces it and must
// declare package gateway.commands with an allow boolean and a deny set of messages.
const DefaultPolicy = `package gateway.commands

default allow := false

allow if {
	count(deny) == 0
}

protected_prefixes := ["/boot/", "/dev/", "/proc/", "/sys/"]

deny contains msg if {
	input.action == "session.start"
	input.target.port > 0
	input.target.port < 22
	msg := sprintf("port %d is not an admin port", [input.target.port])
}

deny contains msg if {
	input.action == "file.write"
	some prefix in protected_prefixes
	startswith(input.path, prefix)
	msg := sprintf("writes under %s are not allowed", [prefix])
}

deny contains msg if {
	input.action == "file.write"
	input.path in {"/etc/shadow", "/etc/sudoers"}
	msg := sprintf("%s is managed outside the gateway", [input.path])
}

deny contains msg if {
	input.action == "package.install"
	not regex.match("^[a-z0-9][a-z0-9+._-]{0,127}$", input.package)
	msg := sprintf("package name \"%s\" is not allowed", [input.package])
}

deny contains msg if {
	input.action == "script.run"
	contains(input.script, "/")
	msg := "script names may not contain a path"
}
`

// ErrNoResult is returned when the policy query yields no bindings (e.g. a module in the wrong package).
var ErrNoResult = errors.New("policy: query returned no result")

// OPAAuthorizer evaluates commands against a prepared Rego query.
type OPAAuthorizer struct {
	query rego.PreparedEvalQuery
}

// NewOPAAuthorizer compiles module and prepares the command query.
func NewOPAAuthorizer(ctx context.Context, module string) (*OPAAuthorizer, error) {
	q, err := rego.New(
		rego.Query(policyQuery),
		rego.Module("commands.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: compile: %w", err)
	}
	return &OPAAuthorizer{query: q}, nil
}

// LoadOPAAuthorizer reads the Rego module at path, or uses DefaultPolicy when path is empty.
func LoadOPAAuthorizer(ctx context.Context, path string) (*OPAAuthorizer, error) {
	module := DefaultPolicy
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("policy: read %s: %w", path, err)
		}
		module = string(b)
		log.WithField("path", path).Info("policy: loaded command policy from file")
	}
	return NewOPAAuthorizer(ctx, module)
}

// Authorize evaluates in. Evaluation failures deny.
func (a *OPAAuthorizer) Authorize(ctx context.Context, in Input) (Decision, error) {
	rs, err := a.query.Eval(ctx, rego.EvalInput(buildInput(in)))
	if err != nil {
		return Decision{}, fmt.Errorf("policy: eval: %w", err)
	}
	if len(rs) == 0 {
		return Decision{}, ErrNoResult
	}
	allowed, _ := rs[0].Bindings["allow"].(bool)
	var reasons []string
	if set, ok := rs[0].Bindings["deny"].([]interface{}); ok {
		for _, v := range set {
			if s, ok := v.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	sort.Strings(reasons)
	return Decision{Allowed: allowed && len(reasons) == 0, Reasons: reasons}, nil
}

// HealthCheck verifies the prepared query evaluates. Used by the gRPC health service.
func (a *OPAAuthorizer) HealthCheck(ctx context.Context) error {
	_, err := a.Authorize(ctx, Input{Action: ActionScriptRun, Script: "healthcheck"})
	return err
}

func buildInput(in Input) map[string]interface{} {
	args := make([]interface{}, 0, len(in.Args))
	for _, a := range in.Args {
		args = append(args, a)
	}
	return map[string]interface{}{
		"owner_id": in.OwnerID,
		"action":   in.Action,
		"target": map[string]interface{}{
			"host":     in.Target.Host,
			"port":     in.Target.Port,
			"username": in.Target.Username,
		},
		"path":    in.Path,
		"package": in.Package,
		"script":  in.Script,
		"args":    args,
	}
}
