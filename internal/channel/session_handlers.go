package channel

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	conndomain "remote-admin-gateway/internal/connection/domain"
	"remote-admin-gateway/internal/policy/engine"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/domain"
	"remote-admin-gateway/internal/session/registry"
)

// StateNone is reported by session.status when the channel has no session.
const StateNone = "NONE"

var errChannelBusy = &HandlerError{Code: domain.CodeBusy, Message: "channel already has a session"}

// claim reserves the channel for a new binding. It fails if a live session is bound or one is being started.
func (c *Channel) claim() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.starting {
		return errChannelBusy
	}
	if c.sessionID != "" {
		if s, ok := c.mux.deps.Registry.Get(c.sessionID); ok && !s.State.Terminal() {
			return errChannelBusy
		}
		delete(c.managers, c.sessionID)
		c.sessionID = ""
	}
	c.starting = true
	return nil
}

// reserve records the id of a session still dialing, so endSession and Close can reach it
// and commands route as soon as session.id is emitted.
func (c *Channel) reserve(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.sessionID = id
	}
}

// bind records id as the channel's session. If the channel closed meanwhile, the session is detached at once.
func (c *Channel) bind(id string) {
	c.mu.Lock()
	c.starting = false
	if c.closed {
		c.mu.Unlock()
		c.mux.deps.Registry.Detach(id, c.t)
		return
	}
	c.sessionID = id
	c.mu.Unlock()
}

// started ends the claim of a successful start. The id was bound by reserve unless endSession
// cleared it meanwhile. If the channel closed meanwhile, the session is detached.
func (c *Channel) started(id string) {
	c.mu.Lock()
	c.starting = false
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.mux.deps.Registry.Detach(id, c.t)
	}
}

// release ends a claim that bound nothing. id, if reserved, is dropped from the channel.
func (c *Channel) release(id string) {
	c.mu.Lock()
	c.starting = false
	if id != "" && c.sessionID == id {
		c.sessionID = ""
	}
	c.mu.Unlock()
}

func handleStartSession(ctx context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.StartSession)
	if err := c.checkAuth(); err != nil {
		return err
	}
	if err := c.claim(); err != nil {
		return err
	}
	if err := c.authorize(ctx, engine.Input{Action: engine.ActionStartSession, Target: p.Target}); err != nil {
		c.release("")
		return err
	}
	creds := domain.Credentials{
		Password:   p.Credentials.Password,
		PrivateKey: p.Credentials.PrivateKey,
		Passphrase: p.Credentials.Passphrase,
	}
	store := c.mux.deps.Connections
	if creds.Empty() {
		if store == nil {
			c.release("")
			return conndomain.ErrCredentialsUnavailable
		}
		pw, err := store.StoredPassword(ctx, c.owner, p.Target)
		if err != nil {
			c.release("")
			return err
		}
		creds.Password = pw
	}

	var reserved string
	snap, err := c.mux.deps.Registry.Start(ctx, c.owner, p.Target, creds, c.t, registry.OnReserve(func(id string) {
		reserved = id
		c.reserve(id)
	}))
	if err != nil {
		c.release(reserved)
		var dialErr *domain.DialError
		if errors.As(err, &dialErr) && !dialErr.AuthFailed {
			c.remember(ctx, p, "")
		}
		return err
	}
	c.started(snap.ID)
	c.remember(ctx, p, p.Credentials.Password)
	return nil
}

// remember upserts the stored connection record unless the client opted out.
// Failures are logged; the session is unaffected.
func (c *Channel) remember(ctx context.Context, p *protocol.StartSession, password string) {
	store := c.mux.deps.Connections
	if store == nil || !p.ShouldRemember() {
		return
	}
	if _, err := store.RecordAttempt(ctx, c.owner, p.Target, password); err != nil {
		log.WithFields(log.Fields{"owner": c.owner, "target": p.Target.String()}).WithError(err).Warn("channel: could not record connection")
	}
}

func handleResumeSession(_ context.Context, c *Channel, req *request) error {
	p := req.payload.(*protocol.ResumeSession)
	if err := c.checkAuth(); err != nil {
		return err
	}
	if err := c.claim(); err != nil {
		return err
	}
	snap, err := c.mux.deps.Registry.Resume(c.owner, p.SessionID, c.t)
	if errors.Is(err, domain.ErrExpired) {
		c.release("")
		c.reply(protocol.TypeSessionExpired, req.env.ID, protocol.SessionExpired{SessionID: p.SessionID})
		return nil
	}
	if err != nil {
		c.release("")
		return err
	}
	c.bind(snap.ID)
	return nil
}

// handleEndSession closes the channel's session from any state. A session still dialing is
// abandoned and its startSession fails with session_closed.
func handleEndSession(_ context.Context, c *Channel, req *request) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	delete(c.managers, id)
	c.mu.Unlock()
	if id == "" {
		return domain.ErrNotBound
	}
	if err := c.mux.deps.Registry.End(c.owner, id); err != nil && !errors.Is(err, domain.ErrExpired) {
		return err
	}
	return nil
}

func handleSessionStatus(_ context.Context, c *Channel, req *request) error {
	status := protocol.SessionStatus{State: StateNone}
	if id := c.boundID(); id != "" {
		if s, ok := c.mux.deps.Registry.Get(id); ok {
			status = protocol.SessionStatus{State: string(s.State), SessionID: s.ID}
		}
	}
	c.reply(protocol.TypeSessionStatus, req.env.ID, status)
	return nil
}
