// Package client is the gateway's reconnecting client: a persisted connection cache and a controller
// that resumes a lost session once before falling back to a fresh one.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/domain"
)

// State is the controller's position in Idle → Resuming → Resumed | Fresh | Failed.
type State string

const (
	StateIdle     State = "idle"
	StateResuming State = "resuming"
	StateResumed  State = "resumed"
	StateFresh    State = "fresh"
	StateFailed   State = "failed"
)

var (
	// ErrNothingToRecover is returned by Recover when the cache has no target.
	ErrNothingToRecover = errors.New("client: no cached connection to recover")
	// ErrNoCredentials is returned when a fresh open is needed but no secret is cached.
	ErrNoCredentials = errors.New("client: no cached credentials; enter them again")
	// ErrUnauthorized is returned when the gateway rejects the auth token.
	ErrUnauthorized = errors.New("client: gateway rejected the auth token")
)

// ServerError is a session.error received while opening or resuming.
type ServerError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("gateway: %s: %s", e.Code, e.Message)
}

// ResumePolicy decides when resume attempts happen. Next returns the delay before attempt n (0-based)
// and false once no further attempt should be made.
type ResumePolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// OneShot makes exactly one resume attempt after Delay.
type OneShot struct {
	Delay time.Duration
}

func (p OneShot) Next(attempt int) (time.Duration, bool) {
	return p.Delay, attempt == 0
}

// DefaultResumeDelay is the pause before the single resume attempt.
const DefaultResumeDelay = time.Second

// Notice reports a transition the user should see.
type Notice struct {
	State     State
	SessionID string
	Message   string
}

// Config configures a Controller.
type Config struct {
	// Policy defaults to OneShot{Delay: DefaultResumeDelay}.
	Policy ResumePolicy
	// Notify, when set, receives every state change.
	Notify func(Notice)
	// ReplyTimeout bounds the wait for the gateway's answer to a start or resume. Defaults to 30s.
	ReplyTimeout time.Duration
	// Sleep defaults to a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Controller owns one channel connection and the cache behind it.
type Controller struct {
	dialer Dialer
	cache  *Cache
	cfg    Config

	mu        sync.Mutex
	state     State
	conn      Conn
	sessionID string
}

// NewController returns an idle controller.
func NewController(dialer Dialer, cache *Cache, cfg Config) *Controller {
	if cfg.Policy == nil {
		cfg.Policy = OneShot{Delay: DefaultResumeDelay}
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 30 * time.Second
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Controller{dialer: dialer, cache: cache, cfg: cfg, state: StateIdle}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conn returns the live connection, or nil.
func (c *Controller) Conn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// SessionID returns the session bound to the live connection, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) transition(s State, sessionID, msg string) {
	c.mu.Lock()
	c.state = s
	c.sessionID = sessionID
	c.mu.Unlock()
	log.WithFields(log.Fields{"state": s, "session_id": sessionID}).Debug("client: state changed")
	if c.cfg.Notify != nil {
		c.cfg.Notify(Notice{State: s, SessionID: sessionID, Message: msg})
	}
}

func (c *Controller) adopt(conn Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil && old != conn {
		_ = old.Close()
	}
}

// Connect opens a fresh session and caches target, obfuscated secrets, and the new session id.
func (c *Controller) Connect(ctx context.Context, target domain.Target, creds domain.Credentials, remember bool) (string, error) {
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		c.transition(StateFailed, "", err.Error())
		return "", err
	}
	id, err := c.start(ctx, conn, target, creds, remember)
	if err != nil {
		_ = conn.Close()
		c.transition(StateFailed, "", err.Error())
		return "", err
	}
	if err := c.cache.SetConnection(target, creds, remember, id); err != nil {
		log.WithError(err).Warn("client: could not persist connection cache")
	}
	c.adopt(conn)
	c.transition(StateFresh, id, "connected")
	return id, nil
}

// Recover restores the cached connection after a channel loss. It makes the resume attempts the policy
// allows with the cached session id. An expired session is replaced by a fresh one from the cached target
// and secrets. Any other failure clears every cached secret so a bad credential is never retried in a loop.
func (c *Controller) Recover(ctx context.Context) (State, error) {
	target, ok := c.cache.Target()
	if !ok {
		return c.State(), ErrNothingToRecover
	}
	sid := c.cache.SessionID()
	if sid == "" {
		return c.fresh(ctx, nil, target, "")
	}

	c.transition(StateResuming, sid, "")
	var lastErr error
	for attempt := 0; ; attempt++ {
		delay, more := c.cfg.Policy.Next(attempt)
		if !more {
			break
		}
		if err := c.cfg.Sleep(ctx, delay); err != nil {
			return c.fail(err)
		}
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrUnauthorized) {
				break
			}
			continue
		}
		outcome, err := c.resume(ctx, conn, sid)
		switch {
		case err != nil:
			_ = conn.Close()
			lastErr = err
			var se *ServerError
			if errors.As(err, &se) && !se.Retryable {
				return c.fail(err)
			}
			continue
		case outcome == protocol.TypeSessionResumed:
			c.adopt(conn)
			c.transition(StateResumed, sid, "session resumed")
			return StateResumed, nil
		default:
			if err := c.cache.SetSessionID(""); err != nil {
				log.WithError(err).Warn("client: could not persist connection cache")
			}
			return c.fresh(ctx, conn, target, "previous session expired; opened a new one")
		}
	}
	if lastErr == nil {
		lastErr = errors.New("client: resume not attempted")
	}
	return c.fail(lastErr)
}

// fresh opens a new session with the cached target and secrets, on conn when given.
func (c *Controller) fresh(ctx context.Context, conn Conn, target domain.Target, msg string) (State, error) {
	if !c.cache.HasSecrets() {
		if conn != nil {
			_ = conn.Close()
		}
		return c.fail(ErrNoCredentials)
	}
	if conn == nil {
		var err error
		if conn, err = c.dialer.Dial(ctx); err != nil {
			return c.fail(err)
		}
	}
	id, err := c.start(ctx, conn, target, c.cache.Credentials(), c.cache.Remember())
	if err != nil {
		_ = conn.Close()
		return c.fail(err)
	}
	if err := c.cache.SetSessionID(id); err != nil {
		log.WithError(err).Warn("client: could not persist connection cache")
	}
	c.adopt(conn)
	if msg == "" {
		msg = "opened a new session"
	}
	c.transition(StateFresh, id, msg)
	return StateFresh, nil
}

func (c *Controller) fail(cause error) (State, error) {
	if err := c.cache.ClearSecrets(); err != nil {
		log.WithError(err).Warn("client: could not clear cached secrets")
	}
	c.adopt(nil)
	c.transition(StateFailed, "", cause.Error())
	return StateFailed, cause
}

// Lost records that the live connection dropped without the user asking. The cache is kept for Recover.
func (c *Controller) Lost() {
	c.adopt(nil)
	c.transition(StateIdle, "", "connection lost")
}

// Disconnect ends the session on the gateway and clears the whole cache.
func (c *Controller) Disconnect(ctx context.Context) error {
	conn := c.Conn()
	var sendErr error
	if conn != nil {
		env, _ := protocol.New(protocol.TypeEndSession, "", nil)
		sendErr = conn.Send(env)
	}
	c.adopt(nil)
	err := c.cache.Clear()
	c.transition(StateIdle, "", "disconnected")
	return errors.Join(sendErr, err)
}

func (c *Controller) start(ctx context.Context, conn Conn, target domain.Target, creds domain.Credentials, remember bool) (string, error) {
	env, err := protocol.New(protocol.TypeStartSession, "start", protocol.StartSession{
		Target: target,
		Credentials: protocol.Credentials{
			Password:   creds.Password,
			PrivateKey: creds.PrivateKey,
			Passphrase: creds.Passphrase,
		},
		Remember: &remember,
	})
	if err != nil {
		return "", err
	}
	if err := conn.Send(env); err != nil {
		return "", err
	}
	reply, err := c.await(ctx, conn, protocol.TypeSessionID)
	if err != nil {
		return "", err
	}
	var p protocol.SessionID
	if err := json.Unmarshal(reply.Payload, &p); err != nil || p.SessionID == "" {
		return "", fmt.Errorf("client: malformed session.id: %s", reply.Payload)
	}
	return p.SessionID, nil
}

// resume returns the event type that answered the resume: session.resumed or session.expired.
func (c *Controller) resume(ctx context.Context, conn Conn, sid string) (string, error) {
	env, err := protocol.New(protocol.TypeResumeSession, "resume", protocol.ResumeSession{SessionID: sid})
	if err != nil {
		return "", err
	}
	if err := conn.Send(env); err != nil {
		return "", err
	}
	reply, err := c.await(ctx, conn, protocol.TypeSessionResumed, protocol.TypeSessionExpired)
	if err != nil {
		return "", err
	}
	return reply.Type, nil
}

// await reads events until one of want or a session.error arrives. Other events are dropped.
func (c *Controller) await(ctx context.Context, conn Conn, want ...string) (protocol.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ReplyTimeout)
	defer cancel()
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if env.Type == protocol.TypeSessionError {
			var e protocol.Error
			_ = json.Unmarshal(env.Payload, &e)
			return protocol.Envelope{}, &ServerError{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
		}
		for _, w := range want {
			if env.Type == w {
				return env, nil
			}
		}
	}
}
