// Package channel multiplexes session, shell, file, package, and script commands over one
// persistent client channel and binds that channel to a registry session.
package channel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/audit"
	"remote-admin-gateway/internal/clock"
	conndomain "remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/ops"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/session/domain"
	"remote-admin-gateway/internal/session/registry"
)

// DefaultSearchTimeout bounds package.search when the request sets no timeout.
const DefaultSearchTimeout = 10 * time.Second

// ConnectionStore remembers targets and their encrypted passwords. *service.ConnectionService satisfies it.
type ConnectionStore interface {
	RecordAttempt(ctx context.Context, ownerID string, target domain.Target, password string) (*conndomain.Record, error)
	StoredPassword(ctx context.Context, ownerID string, target domain.Target) (string, error)
}

// ErrorRecorder counts scoped error events. *otel.Instruments satisfies it.
type ErrorRecorder interface {
	HandlerError(ctx context.Context, eventType, code string)
}

// Deps are the collaborators the handlers use. Registry is required.
type Deps struct {
	Registry      *registry.Registry
	Connections   ConnectionStore
	Policy        engine.Authorizer
	Audit         audit.AuditLogger
	Scripts       *ops.Catalog
	Metrics       ErrorRecorder
	SearchTimeout time.Duration
	// Clock checks auth expiry; defaults to the wall clock.
	Clock clock.Clock
}

// request is one decoded command. sessionID and conn are set for routes that need a session.
type request struct {
	env       protocol.Envelope
	payload   protocol.Validator
	sessionID string
	conn      remote.Conn
}

type route struct {
	// payload returns a fresh value to decode into.
	payload      func() protocol.Validator
	handle       func(ctx context.Context, c *Channel, req *request) error
	errorEvent   string
	needsSession bool
	async        bool
}

// Mux holds the dispatch table shared by every channel.
type Mux struct {
	deps   Deps
	routes map[string]route
}

// NewMux returns a Mux over deps.
func NewMux(deps Deps) *Mux {
	if deps.Policy == nil {
		deps.Policy = engine.AllowAll{}
	}
	if deps.Scripts == nil {
		deps.Scripts = ops.NewCatalog(nil)
	}
	if deps.SearchTimeout <= 0 {
		deps.SearchTimeout = DefaultSearchTimeout
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	m := &Mux{deps: deps}
	m.routes = map[string]route{
		protocol.TypeStartSession: {
			payload: func() protocol.Validator { return &protocol.StartSession{} },
			handle:  handleStartSession, errorEvent: protocol.TypeSessionError, async: true,
		},
		protocol.TypeResumeSession: {
			payload: func() protocol.Validator { return &protocol.ResumeSession{} },
			handle:  handleResumeSession, errorEvent: protocol.TypeSessionError,
		},
		protocol.TypeEndSession: {
			payload: func() protocol.Validator { return &protocol.Empty{} },
			handle:  handleEndSession, errorEvent: protocol.TypeSessionError,
		},
		protocol.TypeSessionStatus: {
			payload: func() protocol.Validator { return &protocol.Empty{} },
			handle:  handleSessionStatus, errorEvent: protocol.TypeSessionError,
		},
		protocol.TypeShellInput: {
			payload: func() protocol.Validator { return &protocol.ShellInput{} },
			handle:  handleShellInput, errorEvent: protocol.TypeShellError, needsSession: true,
		},
		protocol.TypeShellResize: {
			payload: func() protocol.Validator { return &protocol.ShellResize{} },
			handle:  handleShellResize, errorEvent: protocol.TypeShellError, needsSession: true,
		},
		protocol.TypeFileList: {
			payload: func() protocol.Validator { return &protocol.FilePath{} },
			handle:  handleFileList, errorEvent: protocol.TypeFileError, needsSession: true, async: true,
		},
		protocol.TypeFileRead: {
			payload: func() protocol.Validator { return &protocol.FilePath{} },
			handle:  handleFileRead, errorEvent: protocol.TypeFileError, needsSession: true, async: true,
		},
		protocol.TypeFileWrite: {
			payload: func() protocol.Validator { return &protocol.FileWrite{} },
			handle:  handleFileWrite, errorEvent: protocol.TypeFileError, needsSession: true, async: true,
		},
		protocol.TypePackageSearch: {
			payload: func() protocol.Validator { return &protocol.PackageSearch{} },
			handle:  handlePackageSearch, errorEvent: protocol.TypePackageSearchError, needsSession: true, async: true,
		},
		protocol.TypePackageInstall: {
			payload: func() protocol.Validator { return &protocol.PackageInstall{} },
			handle:  handlePackageInstall, errorEvent: protocol.TypePackageInstallError, needsSession: true, async: true,
		},
		protocol.TypeScriptRun: {
			payload: func() protocol.Validator { return &protocol.ScriptRun{} },
			handle:  handleScriptRun, errorEvent: protocol.TypeScriptError, needsSession: true, async: true,
		},
	}
	return m
}

// Channel is one authenticated client channel and the session bound to it, if any.
type Channel struct {
	mux   *Mux
	t     Transport
	owner string
	// authExpiry is when the owner's token lapses. Zero means it never does.
	authExpiry time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	sessionID string
	starting  bool
	closed    bool
	managers  map[string]ops.Manager
}

// Open starts serving a channel for owner over t. The caller reads envelopes and passes them to Dispatch,
// then calls Close when the transport is gone.
func (m *Mux) Open(ctx context.Context, owner string, t Transport) *Channel {
	return m.OpenUntil(ctx, owner, time.Time{}, t)
}

// OpenUntil is Open for an owner whose token expires at expiresAt. Once it passes,
// the channel can no longer start or resume sessions; a bound session keeps running.
func (m *Mux) OpenUntil(ctx context.Context, owner string, expiresAt time.Time, t Transport) *Channel {
	ctx, cancel := context.WithCancel(ctx)
	return &Channel{
		mux: m, t: t, owner: owner, authExpiry: expiresAt,
		ctx: ctx, cancel: cancel, managers: make(map[string]ops.Manager),
	}
}

// Dispatch routes one envelope. Shell input and session control run inline to keep their order;
// everything slow runs on its own goroutine.
func (c *Channel) Dispatch(env protocol.Envelope) {
	rt, ok := c.mux.routes[env.Type]
	if !ok {
		c.fail(protocol.TypeSessionError, env, &HandlerError{Code: CodeInvalidPayload, Message: fmt.Sprintf("unknown event type %q", env.Type)})
		return
	}
	if !rt.async {
		c.run(rt, env)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		c.run(rt, env)
	}()
}

func (c *Channel) run(rt route, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"type": env.Type, "panic": r, "stack": string(debug.Stack())}).Error("channel: handler panicked")
			c.fail(rt.errorEvent, env, &HandlerError{Code: CodeHandlerFailed, Message: "internal error"})
		}
	}()
	req := &request{env: env, payload: rt.payload()}
	if err := protocol.Decode(env.Payload, req.payload); err != nil {
		c.fail(rt.errorEvent, env, err)
		return
	}
	if rt.needsSession {
		id, conn, err := c.conn()
		if err != nil {
			c.fail(rt.errorEvent, env, err)
			return
		}
		req.sessionID, req.conn = id, conn
	}
	if err := rt.handle(c.ctx, c, req); err != nil {
		c.fail(rt.errorEvent, env, err)
	}
}

// fail reports err on the route's error event.
func (c *Channel) fail(errorEvent string, env protocol.Envelope, err error) {
	payload := describe(err)
	log.WithFields(log.Fields{
		"type": env.Type, "owner": c.owner, "session_id": c.boundID(), "code": payload.Code,
	}).WithError(err).Info("channel: command failed")
	if c.mux.deps.Metrics != nil {
		c.mux.deps.Metrics.HandlerError(c.ctx, env.Type, payload.Code)
	}
	c.reply(errorEvent, env.ID, payload)
}

// reply sends an event correlated with the request id.
func (c *Channel) reply(eventType, id string, payload any) {
	env, err := protocol.New(eventType, id, payload)
	if err != nil {
		log.WithField("type", eventType).WithError(err).Error("channel: encode reply")
		return
	}
	if err := c.t.Send(env); err != nil {
		log.WithFields(log.Fields{"type": eventType, "transport": c.t.ID()}).WithError(err).Debug("channel: send failed")
	}
}

// Close releases the channel: in-flight commands are canceled and the bound session enters its grace period.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	id := c.sessionID
	c.mu.Unlock()

	c.cancel()
	if id != "" {
		c.mux.deps.Registry.Detach(id, c.t)
	}
}

// Wait blocks until every asynchronous command has returned.
func (c *Channel) Wait() { c.wg.Wait() }

func (c *Channel) boundID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// conn returns the remote connection of the bound session.
func (c *Channel) conn() (string, remote.Conn, error) {
	id := c.boundID()
	if id == "" {
		return "", nil, domain.ErrNotBound
	}
	conn, err := c.mux.deps.Registry.Conn(id, c.t)
	if err != nil {
		return id, nil, err
	}
	return id, conn, nil
}

// checkAuth re-verifies the owner before any registry mutation.
func (c *Channel) checkAuth() error {
	if c.owner == "" {
		return domain.ErrAuth
	}
	if !c.authExpiry.IsZero() && !c.mux.deps.Clock.Now().Before(c.authExpiry) {
		return domain.ErrAuth
	}
	return nil
}

// authorize runs the command policy; a deny or an evaluation failure is a forbidden HandlerError.
func (c *Channel) authorize(ctx context.Context, in engine.Input) error {
	in.OwnerID = c.owner
	d, err := c.mux.deps.Policy.Authorize(ctx, in)
	if err != nil {
		log.WithField("action", in.Action).WithError(err).Error("channel: policy evaluation failed")
		return &HandlerError{Code: CodeForbidden, Message: "policy evaluation failed", Err: err}
	}
	if !d.Allowed {
		return forbidden(d.Reasons)
	}
	return nil
}

// auditCommand records a state-changing command. Read-only commands are skipped.
func (c *Channel) auditCommand(ctx context.Context, eventType, sessionID string, metadata string) {
	if c.mux.deps.Audit == nil {
		return
	}
	ar, ok := audit.ForCommand(eventType)
	if !ok {
		return
	}
	c.mux.deps.Audit.LogEvent(ctx, c.owner, sessionID, ar.Action, ar.Resource, metadata)
}
