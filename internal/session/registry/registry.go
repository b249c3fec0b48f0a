// Package registry is the server-side session registry: it owns every remote connection,
// keeps sessions alive for a grace period after their channel drops, and arbitrates resumes.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/clock"
	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/remote"
	"remote-admin-gateway/internal/session/domain"
)

// DefaultGracePeriod is how long a detached session waits for a resume.
const DefaultGracePeriod = 5 * time.Minute

const readChunk = 4096

// Transport is the registry's view of a client channel.
// Emit must not block; it may be called while an entry lock is held.
type Transport interface {
	ID() string
	Emit(eventType string, payload any) error
}

// Config tunes a Registry. Zero values select the defaults.
type Config struct {
	GracePeriod time.Duration
	BacklogSize int
	Clock       clock.Clock
}

// Registry maps session ids to live sessions.
type Registry struct {
	dialer      remote.Dialer
	clock       clock.Clock
	grace       time.Duration
	backlogSize int

	mu      sync.RWMutex
	entries map[string]*entry

	obsMu     sync.RWMutex
	observers []Observer
}

type entry struct {
	mu sync.Mutex

	id        string
	owner     string
	target    domain.Target
	createdAt time.Time

	state        domain.State
	transport    Transport
	conn         remote.Conn
	cancelDial   context.CancelFunc
	timer        clock.Timer
	graceGen     uint64
	deadline     time.Time
	lastActivity time.Time
	backlog      *backlog
}

// New returns a Registry that opens sessions with dialer.
func New(dialer remote.Dialer, cfg Config) *Registry {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Registry{
		dialer:      dialer,
		clock:       cfg.Clock,
		grace:       cfg.GracePeriod,
		backlogSize: cfg.BacklogSize,
		entries:     make(map[string]*entry),
	}
}

// AddObserver registers o for every subsequent lifecycle event.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

func (r *Registry) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = r.clock.Now()
	}
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, o := range obs {
		o.Observe(ev)
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Registry) remove(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.id] == e {
		delete(r.entries, e.id)
	}
}

// StartOption customizes one Start call.
type StartOption func(*startOptions)

type startOptions struct {
	reserved func(id string)
}

// OnReserve calls fn with the new session id once the CONNECTING entry exists, before the dial begins
// and before session.id is emitted.
func OnReserve(fn func(id string)) StartOption {
	return func(o *startOptions) { o.reserved = fn }
}

// Start dials target and binds the new session to t. The session id is emitted to t only after the dial succeeds.
func (r *Registry) Start(ctx context.Context, ownerID string, target domain.Target, creds domain.Credentials, t Transport, opts ...StartOption) (domain.Session, error) {
	if ownerID == "" {
		return domain.Session{}, domain.ErrAuth
	}
	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	now := r.clock.Now()
	e := &entry{
		id:           uuid.NewString(),
		owner:        ownerID,
		target:       target,
		createdAt:    now,
		lastActivity: now,
		state:        domain.StateConnecting,
		transport:    t,
		cancelDial:   cancel,
		backlog:      newBacklog(r.backlogSize),
	}
	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()
	if o.reserved != nil {
		o.reserved(e.id)
	}

	logger := log.WithFields(log.Fields{"session_id": e.id, "owner": ownerID, "target": target.String()})
	logger.Debug("registry: dialing")

	conn, err := r.dialer.Dial(dialCtx, target, creds)

	e.mu.Lock()
	if e.state != domain.StateConnecting {
		e.mu.Unlock()
		r.remove(e)
		if conn != nil {
			_ = conn.Close()
		}
		logger.Info("registry: session ended while dialing")
		return domain.Session{}, domain.ErrClosed
	}
	if err != nil {
		e.state = domain.StateClosed
		e.transport = nil
		e.mu.Unlock()
		r.remove(e)
		dialErr := &domain.DialError{Target: target, Err: err, AuthFailed: errors.Is(err, remote.ErrAuthFailed)}
		logger.WithError(err).Warn("registry: dial failed")
		r.publish(Event{Kind: EventDialFailed, SessionID: e.id, OwnerID: ownerID, Target: target, Err: dialErr})
		return domain.Session{}, dialErr
	}
	e.conn = conn
	e.cancelDial = nil
	e.state = domain.StateActive
	e.lastActivity = r.clock.Now()
	emit(t, protocol.TypeSessionID, protocol.SessionID{SessionID: e.id})
	emit(t, protocol.TypeSessionStatus, protocol.SessionStatus{State: string(domain.StateActive), SessionID: e.id})
	snap := e.snapshotLocked()
	e.mu.Unlock()

	go r.pump(e, conn)
	logger.Info("registry: session started")
	r.publish(Event{Kind: EventStarted, SessionID: e.id, OwnerID: ownerID, Target: target})
	return snap, nil
}

// Resume rebinds a session in GRACE to t. Unknown, foreign, and expired ids all yield ErrExpired.
func (r *Registry) Resume(ownerID, sessionID string, t Transport) (domain.Session, error) {
	if ownerID == "" {
		return domain.Session{}, domain.ErrAuth
	}
	e := r.lookup(sessionID)
	if e == nil || e.owner != ownerID {
		r.publish(Event{Kind: EventResumeRejected, SessionID: sessionID, OwnerID: ownerID, Err: domain.ErrExpired})
		return domain.Session{}, domain.ErrExpired
	}

	e.mu.Lock()
	switch e.state {
	case domain.StateActive, domain.StateConnecting:
		e.mu.Unlock()
		r.publish(Event{Kind: EventResumeRejected, SessionID: sessionID, OwnerID: ownerID, Target: e.target, Err: domain.ErrAlreadyBound})
		return domain.Session{}, domain.ErrAlreadyBound
	case domain.StateGrace:
	default:
		e.mu.Unlock()
		r.publish(Event{Kind: EventResumeRejected, SessionID: sessionID, OwnerID: ownerID, Target: e.target, Err: domain.ErrExpired})
		return domain.Session{}, domain.ErrExpired
	}

	now := r.clock.Now()
	if !now.Before(e.deadline) {
		conn := r.expireLocked(e)
		e.mu.Unlock()
		r.finishExpiry(e, conn)
		return domain.Session{}, domain.ErrExpired
	}

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.graceGen++
	e.deadline = time.Time{}
	e.transport = t
	e.state = domain.StateActive
	e.lastActivity = now
	emit(t, protocol.TypeSessionResumed, protocol.SessionResumed{SessionID: e.id})
	emit(t, protocol.TypeSessionStatus, protocol.SessionStatus{State: string(domain.StateActive), SessionID: e.id})
	if e.backlog.Len() > 0 {
		emit(t, protocol.TypeShellOutput, protocol.ShellOutput{Data: e.backlog.Drain()})
	}
	snap := e.snapshotLocked()
	e.mu.Unlock()

	log.WithFields(log.Fields{"session_id": e.id, "owner": ownerID}).Info("registry: session resumed")
	r.publish(Event{Kind: EventResumed, SessionID: e.id, OwnerID: ownerID, Target: e.target})
	return snap, nil
}

// Detach reports that t is gone. Only the bound transport can detach a session.
// An ACTIVE session enters GRACE; a session still dialing is abandoned.
func (r *Registry) Detach(sessionID string, t Transport) {
	e := r.lookup(sessionID)
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.transport != t {
		e.mu.Unlock()
		return
	}
	switch e.state {
	case domain.StateConnecting:
		e.state = domain.StateClosed
		e.transport = nil
		if e.cancelDial != nil {
			e.cancelDial()
		}
		e.mu.Unlock()
		r.remove(e)
		log.WithField("session_id", e.id).Info("registry: channel lost while dialing, session abandoned")
		r.publish(Event{Kind: EventEnded, SessionID: e.id, OwnerID: e.owner, Target: e.target})
	case domain.StateActive:
		now := r.clock.Now()
		e.state = domain.StateGrace
		e.transport = nil
		e.deadline = now.Add(r.grace)
		e.graceGen++
		gen := e.graceGen
		e.timer = r.clock.AfterFunc(r.grace, func() { r.expire(e, gen) })
		e.mu.Unlock()
		log.WithFields(log.Fields{"session_id": e.id, "deadline": e.deadline.Format(time.RFC3339)}).Info("registry: channel lost, session in grace")
		r.publish(Event{Kind: EventGrace, SessionID: e.id, OwnerID: e.owner, Target: e.target, At: now})
	default:
		e.mu.Unlock()
	}
}

// expire is the grace timer callback. It only acts on the grace period that scheduled it.
func (r *Registry) expire(e *entry, gen uint64) {
	e.mu.Lock()
	if e.state != domain.StateGrace || e.graceGen != gen {
		e.mu.Unlock()
		return
	}
	conn := r.expireLocked(e)
	e.mu.Unlock()
	r.finishExpiry(e, conn)
}

func (r *Registry) expireLocked(e *entry) remote.Conn {
	e.state = domain.StateExpired
	e.timer = nil
	e.graceGen++
	conn := e.conn
	e.conn = nil
	e.backlog.Drain()
	return conn
}

func (r *Registry) finishExpiry(e *entry, conn remote.Conn) {
	r.remove(e)
	if conn != nil {
		_ = conn.Close()
	}
	log.WithField("session_id", e.id).Info("registry: session expired")
	r.publish(Event{Kind: EventExpired, SessionID: e.id, OwnerID: e.owner, Target: e.target})
}

// End closes the session from any state. The id is unusable afterwards.
func (r *Registry) End(ownerID, sessionID string) error {
	if ownerID == "" {
		return domain.ErrAuth
	}
	e := r.lookup(sessionID)
	if e == nil || e.owner != ownerID {
		return domain.ErrExpired
	}
	e.mu.Lock()
	if e.state.Terminal() {
		e.mu.Unlock()
		return domain.ErrExpired
	}
	conn := r.closeLocked(e, "ended by client")
	e.mu.Unlock()

	r.remove(e)
	if conn != nil {
		_ = conn.Close()
	}
	log.WithFields(log.Fields{"session_id": e.id, "owner": ownerID}).Info("registry: session ended")
	r.publish(Event{Kind: EventEnded, SessionID: e.id, OwnerID: e.owner, Target: e.target})
	return nil
}

// closeLocked moves e to CLOSED, tells the bound transport, and hands back the connection to close outside the lock.
func (r *Registry) closeLocked(e *entry, reason string) remote.Conn {
	if e.cancelDial != nil {
		e.cancelDial()
		e.cancelDial = nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.graceGen++
	e.state = domain.StateClosed
	if e.transport != nil {
		emit(e.transport, protocol.TypeSessionStatus, protocol.SessionStatus{State: string(domain.StateClosed), SessionID: e.id, Reason: reason})
		e.transport = nil
	}
	conn := e.conn
	e.conn = nil
	return conn
}

// Conn returns the remote connection of an ACTIVE session to its bound transport.
func (r *Registry) Conn(sessionID string, t Transport) (remote.Conn, error) {
	e := r.lookup(sessionID)
	if e == nil {
		return nil, domain.ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != domain.StateActive || e.transport != t || e.conn == nil {
		return nil, domain.ErrNotBound
	}
	e.lastActivity = r.clock.Now()
	return e.conn, nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(sessionID string) (domain.Session, bool) {
	e := r.lookup(sessionID)
	if e == nil {
		return domain.Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), true
}

// List returns the owner's sessions, oldest first.
func (r *Registry) List(ownerID string) []domain.Session {
	r.mu.RLock()
	var mine []*entry
	for _, e := range r.entries {
		if e.owner == ownerID {
			mine = append(mine, e)
		}
	}
	r.mu.RUnlock()

	out := make([]domain.Session, 0, len(mine))
	for _, e := range mine {
		e.mu.Lock()
		out = append(out, e.snapshotLocked())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown closes every session. It returns ctx.Err() if ctx ends first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		all = append(all, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.mu.Lock()
		if e.state.Terminal() {
			e.mu.Unlock()
			continue
		}
		conn := r.closeLocked(e, "server shutting down")
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		r.publish(Event{Kind: EventEnded, SessionID: e.id, OwnerID: e.owner, Target: e.target})
	}
	log.WithField("sessions", len(all)).Info("registry: shut down")
	return nil
}

// pump forwards remote output to the bound transport, or into the backlog while in GRACE.
func (r *Registry) pump(e *entry, conn remote.Conn) {
	buf := make([]byte, readChunk)
	var pending []byte
	out := conn.Stdout()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			data := append(pending, buf[:n]...)
			cut := completeUTF8(data)
			if cut > 0 {
				r.deliver(e, data[:cut])
			}
			pending = append([]byte(nil), data[cut:]...)
		}
		if err != nil {
			if len(pending) > 0 {
				r.deliver(e, pending)
			}
			r.remoteClosed(e, conn, err)
			return
		}
	}
}

func (r *Registry) deliver(e *entry, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case domain.StateActive:
		if e.transport != nil {
			emit(e.transport, protocol.TypeShellOutput, protocol.ShellOutput{Data: string(data)})
		}
	case domain.StateGrace:
		e.backlog.Write(data)
	}
}

func (r *Registry) remoteClosed(e *entry, conn remote.Conn, cause error) {
	e.mu.Lock()
	if e.state.Terminal() || e.conn != conn {
		e.mu.Unlock()
		return
	}
	closing := r.closeLocked(e, "remote session ended")
	e.mu.Unlock()

	r.remove(e)
	if closing != nil {
		_ = closing.Close()
	}
	log.WithField("session_id", e.id).WithError(cause).Info("registry: remote session ended")
	r.publish(Event{Kind: EventRemoteClosed, SessionID: e.id, OwnerID: e.owner, Target: e.target})
}

func (e *entry) snapshotLocked() domain.Session {
	s := domain.Session{
		ID:             e.id,
		OwnerID:        e.owner,
		Target:         e.target,
		State:          e.state,
		Bound:          e.transport != nil,
		CreatedAt:      e.createdAt,
		LastActivityAt: e.lastActivity,
	}
	if e.state == domain.StateGrace {
		d := e.deadline
		s.GraceDeadline = &d
	}
	return s
}

func emit(t Transport, eventType string, payload any) {
	if err := t.Emit(eventType, payload); err != nil {
		log.WithFields(log.Fields{"transport": t.ID(), "type": eventType}).WithError(err).Debug("registry: emit failed")
	}
}
