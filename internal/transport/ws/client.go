// Package ws implements transport.Transport over websocket. The token
// is passed as a query parameter and the server must answer with an
// "authenticated" frame before the connection is considered open.
package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

const eventBuffer = 64

// Transport dials websocket connections.
type Transport struct{}

// New creates a websocket transport.
func New() *Transport {
	return &Transport{}
}

// Dial opens the connection and waits for the authenticated frame.
func (t *Transport) Dial(ctx context.Context, rawURL, token string) (transport.Conn, error) {
	wsURL, err := socketURL(rawURL, token)
	if err != nil {
		return nil, err
	}

	sock, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	var env transport.Envelope
	if err := wsjson.Read(ctx, sock, &env); err != nil {
		_ = sock.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	if env.Type != "authenticated" {
		_ = sock.Close(websocket.StatusPolicyViolation, "auth failed")
		return nil, fmt.Errorf("expected authenticated frame, got %q", env.Type)
	}

	c := &conn{
		sock:    sock,
		events:  make(chan transport.Envelope, eventBuffer),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// socketURL converts the configured http(s) base URL into the ws(s)
// endpoint with the token attached.
func socketURL(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type conn struct {
	sock *websocket.Conn

	events chan transport.Envelope

	mu      sync.Mutex
	pending map[string]chan error

	closeOnce sync.Once
	done      chan struct{}
	readErr   error
}

// readLoop pumps incoming frames: acks resolve their pending emit,
// everything else is handed to Receive.
func (c *conn) readLoop() {
	ctx := context.Background()
	for {
		var env transport.Envelope
		if err := wsjson.Read(ctx, c.sock, &env); err != nil {
			c.shutdown(err)
			return
		}
		if env.Type == "ack" {
			c.resolveAck(env.ID, nil)
			continue
		}
		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *conn) resolveAck(id string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.readErr = err
		close(c.done)
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			ch <- transport.ErrClosed
		}
		c.mu.Unlock()
	})
}

func (c *conn) Receive(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-c.events:
		return env, nil
	case <-c.done:
		if c.readErr != nil {
			return transport.Envelope{}, c.readErr
		}
		return transport.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

func (c *conn) Emit(ctx context.Context, event string, payload any) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	env := transport.Envelope{Type: event, ID: uuid.New().String(), Payload: raw}

	ackCh := make(chan error, 1)
	c.mu.Lock()
	c.pending[env.ID] = ackCh
	c.mu.Unlock()

	if err := wsjson.Write(ctx, c.sock, env); err != nil {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return fmt.Errorf("write frame: %w", err)
	}

	select {
	case err := <-ackCh:
		return err
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
		return ctx.Err()
	}
}

func (c *conn) Close() error {
	c.shutdown(transport.ErrClosed)
	return c.sock.Close(websocket.StatusNormalClosure, "client disconnect")
}
