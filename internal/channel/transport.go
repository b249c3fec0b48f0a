package channel

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"remote-admin-gateway/internal/protocol"
	"remote-admin-gateway/internal/session/registry"
)

// ErrSlowConsumer is returned by Emit when the send queue is full; the transport is closed.
var ErrSlowConsumer = errors.New("channel: send queue full")

// Transport is one client channel as the multiplexer sees it.
type Transport interface {
	registry.Transport
	// Send queues env without blocking. Sending on a closed transport is a no-op.
	Send(env protocol.Envelope) error
	Close() error
	Done() <-chan struct{}
}

// TransportConfig tunes the WebSocket transport. Zero values select the defaults.
type TransportConfig struct {
	SendQueue      int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
}

func (c TransportConfig) withDefaults() TransportConfig {
	if c.SendQueue <= 0 {
		c.SendQueue = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 8 << 20
	}
	return c
}

// wsTransport is a Transport over a gorilla WebSocket: one reader (readLoop) and one writer
// goroutine draining a bounded queue.
type wsTransport struct {
	id   string
	conn *websocket.Conn
	cfg  TransportConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, cfg TransportConfig) *wsTransport {
	cfg = cfg.withDefaults()
	t := &wsTransport{
		id:   uuid.NewString(),
		conn: conn,
		cfg:  cfg,
		send: make(chan []byte, cfg.SendQueue),
		done: make(chan struct{}),
	}
	go t.writePump()
	return t
}

func (t *wsTransport) ID() string { return t.id }

func (t *wsTransport) Done() <-chan struct{} { return t.done }

func (t *wsTransport) Emit(eventType string, payload any) error {
	env, err := protocol.New(eventType, "", payload)
	if err != nil {
		return err
	}
	return t.Send(env)
}

func (t *wsTransport) Send(env protocol.Envelope) error {
	select {
	case <-t.done:
		return nil
	default:
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case t.send <- b:
		return nil
	case <-t.done:
		return nil
	default:
		log.WithField("transport", t.id).Warn("channel: send queue full, closing slow consumer")
		_ = t.Close()
		return ErrSlowConsumer
	}
}

// Close stops the writer, which flushes queued frames, sends a close frame, and closes the socket.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

func (t *wsTransport) writePump() {
	ticker := time.NewTicker(t.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = t.conn.Close()
	}()
	for {
		select {
		case b := <-t.send:
			if err := t.write(b); err != nil {
				log.WithField("transport", t.id).WithError(err).Debug("channel: write failed")
				_ = t.Close()
				return
			}
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.cfg.WriteWait)); err != nil {
				_ = t.Close()
				return
			}
		case <-t.done:
			t.flush()
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(t.cfg.WriteWait))
			return
		}
	}
}

func (t *wsTransport) flush() {
	for {
		select {
		case b := <-t.send:
			if t.write(b) != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *wsTransport) write(b []byte) error {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, b)
}

// readLoop decodes envelopes and hands them to dispatch until the socket fails or the transport closes.
func (t *wsTransport) readLoop(dispatch func(protocol.Envelope)) {
	defer t.Close()
	t.conn.SetReadLimit(t.cfg.MaxMessageSize)
	extend := func() { _ = t.conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait)) }
	extend()
	t.conn.SetPongHandler(func(string) error { extend(); return nil })
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.WithField("transport", t.id).WithError(err).Info("channel: read failed")
			}
			return
		}
		extend()
		if mt != websocket.TextMessage {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			_ = t.Emit(protocol.TypeSessionError, protocol.Error{Code: CodeInvalidPayload, Message: "malformed envelope"})
			continue
		}
		dispatch(env)
	}
}
