package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"remote-admin-gateway/internal/protocol"
)

// ErrConnClosed is returned by Recv and Send after the connection is gone.
var ErrConnClosed = errors.New("client: connection closed")

// Conn is one channel connection to the gateway.
type Conn interface {
	Send(env protocol.Envelope) error
	// Recv blocks for the next server event.
	Recv(ctx context.Context) (protocol.Envelope, error)
	Close() error
}

// Dialer opens channel connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WSDialer dials the gateway's /ws endpoint with a bearer token.
type WSDialer struct {
	URL   string
	Token string
	// Header is sent on every dial in addition to Authorization.
	Header http.Header
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
}

// Dial opens a channel. A 401 from the gateway is reported as ErrUnauthorized.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	h := http.Header{}
	for k, v := range d.Header {
		h[k] = v
	}
	if d.Token != "" {
		h.Set("Authorization", "Bearer "+d.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("client: dial %s: %w", d.URL, err)
	}
	c := &wsConn{ws: ws, in: make(chan protocol.Envelope, 64), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

type wsConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex
	in      chan protocol.Envelope
	done    chan struct{}
	once    sync.Once
	err     error
}

func (c *wsConn) readLoop() {
	defer close(c.in)
	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			c.err = err
			return
		}
		select {
		case c.in <- env:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(env protocol.Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return nil
}

func (c *wsConn) Recv(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env, ok := <-c.in:
		if !ok {
			if c.err != nil {
				return protocol.Envelope{}, fmt.Errorf("%w: %v", ErrConnClosed, c.err)
			}
			return protocol.Envelope{}, ErrConnClosed
		}
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
