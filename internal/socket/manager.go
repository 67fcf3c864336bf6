// Package socket owns the single live transport connection: the
// authenticated connect, the bounded reconnect loop, the listener
// registry and the emit-with-ack path. Every state transition is
// reflected in the shared connection tracker.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/connstate"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

// ErrNotConnected is returned by Emit while no connection is live. The
// caller decides whether to queue (messages) or give up (ephemeral
// events like typing).
var ErrNotConnected = errors.New("socket: not connected")

// Options configures the manager. Zero values fall back to the
// defaults below.
type Options struct {
	URL            string
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
	ReconnectDelay time.Duration
	MaxAttempts    int
}

const (
	defaultConnectTimeout = 15 * time.Second
	defaultAckTimeout     = 5 * time.Second
	defaultReconnectDelay = 3 * time.Second
	defaultMaxAttempts    = 5
)

func (o *Options) withDefaults() Options {
	out := *o
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = defaultConnectTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = defaultAckTimeout
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = defaultReconnectDelay
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = defaultMaxAttempts
	}
	return out
}

// Handler receives the payload of an application event.
type Handler func(payload json.RawMessage)

// Manager owns one live connection and its reconnect policy.
type Manager struct {
	opts    Options
	tr      transport.Transport
	kvs     kv.Store
	tracker *connstate.Tracker
	bus     *bus.Bus
	logger  *zap.Logger

	mu          sync.Mutex
	conn        transport.Conn
	recvCancel  context.CancelFunc
	gen         int
	handlers    map[string]map[int]Handler
	nextHandler int
	failures    int
	retry       *time.Timer
	stopMonitor func()
}

// NewManager creates a manager. Nothing is dialed until Connect.
func NewManager(opts Options, tr transport.Transport, kvs kv.Store, tracker *connstate.Tracker, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		opts:     opts.withDefaults(),
		tr:       tr,
		kvs:      kvs,
		tracker:  tracker,
		bus:      b,
		logger:   logger,
		handlers: make(map[string]map[int]Handler),
	}
}

// Connected reports whether a connection is live.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Connect reads the stored auth token and dials. It returns false
// without scheduling a reconnect when no token is stored, true
// immediately when already connected, and false after scheduling a
// reconnect when the dial fails or times out.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return true
	}
	// A connectivity-restored connect after exhaustion gets a fresh
	// attempt budget.
	if m.tracker.Phase() == connstate.Unreachable {
		m.failures = 0
	}
	m.mu.Unlock()

	token, found, err := m.kvs.GetItem(ctx, kv.KeyAuthToken)
	if err != nil {
		m.logger.Error("read auth token", zap.Error(err))
		return false
	}
	if !found || token == "" {
		m.logger.Warn("connect without stored auth token")
		return false
	}

	_ = m.tracker.SetPhase(connstate.Connecting)

	dctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	conn, err := m.tr.Dial(dctx, m.opts.URL, token)
	if err != nil {
		m.logger.Warn("connect failed", zap.Error(err))
		m.scheduleReconnect()
		return false
	}

	m.mu.Lock()
	if m.conn != nil {
		// Lost the race with a concurrent Connect; keep the winner.
		m.mu.Unlock()
		_ = conn.Close()
		return true
	}
	m.conn = conn
	m.failures = 0
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	m.gen++
	gen := m.gen
	rctx, rcancel := context.WithCancel(context.Background())
	m.recvCancel = rcancel
	m.mu.Unlock()

	_ = m.tracker.SetPhase(connstate.Connected)
	m.bus.Publish(bus.Event{Kind: "conn.connected"})
	m.logger.Info("socket connected", zap.String("url", m.opts.URL))

	go m.receiveLoop(rctx, gen, conn)
	return true
}

// receiveLoop pumps incoming envelopes into the handler registry.
// Handlers run synchronously so event order is preserved.
func (m *Manager) receiveLoop(ctx context.Context, gen int, c transport.Conn) {
	for {
		env, err := c.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.connectionLost(gen, err)
			return
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env transport.Envelope) {
	m.mu.Lock()
	var hs []Handler
	for _, h := range m.handlers[env.Type] {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		h(env.Payload)
	}
}

func (m *Manager) connectionLost(gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	m.recvCancel = nil
	m.mu.Unlock()

	_ = c.Close()
	m.logger.Warn("socket connection lost", zap.Error(cause))
	_ = m.tracker.SetPhase(connstate.Reconnecting)
	m.bus.Publish(bus.Event{Kind: "conn.disconnected"})
	m.scheduleReconnect()
}

// scheduleReconnect arms at most one pending retry timer. After
// MaxAttempts consecutive failures the connection is marked
// unreachable and no further attempt is scheduled.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.retry != nil || m.conn != nil {
		m.mu.Unlock()
		return
	}
	m.failures++
	if m.failures >= m.opts.MaxAttempts {
		m.mu.Unlock()
		_ = m.tracker.SetPhase(connstate.Unreachable)
		m.bus.Publish(bus.Event{Kind: "conn.reconnect_failed"})
		m.logger.Warn("reconnect attempts exhausted", zap.Int("failures", m.opts.MaxAttempts))
		return
	}
	attempt := m.failures
	m.retry = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.mu.Lock()
		m.retry = nil
		m.mu.Unlock()
		m.bus.Publish(bus.Event{Kind: "conn.reconnect_attempt", Payload: attempt})
		m.Connect(context.Background())
	})
	m.mu.Unlock()

	_ = m.tracker.SetPhase(connstate.Reconnecting)
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Duration("delay", m.opts.ReconnectDelay))
}

// On registers a handler for an application event and returns its
// unregister function. Handlers survive reconnects: the registry lives
// here, not on the connection.
func (m *Manager) On(event string, h Handler) func() {
	m.mu.Lock()
	id := m.nextHandler
	m.nextHandler++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if hs := m.handlers[event]; hs != nil {
			delete(hs, id)
			if len(hs) == 0 {
				delete(m.handlers, event)
			}
		}
		m.mu.Unlock()
	}
}

// Emit sends an event immediately when connected, waiting up to the
// ack timeout for the remote confirmation. While disconnected it
// triggers a reconnect and returns ErrNotConnected; it never queues.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()

	if c == nil {
		m.logger.Warn("emit while disconnected", zap.String("event", event))
		m.triggerReconnect()
		return ErrNotConnected
	}

	actx, cancel := context.WithTimeout(ctx, m.opts.AckTimeout)
	defer cancel()
	if err := c.Emit(actx, event, payload); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (m *Manager) triggerReconnect() {
	m.mu.Lock()
	busy := m.retry != nil || m.conn != nil
	m.mu.Unlock()
	if !busy {
		go m.Connect(context.Background())
	}
}

// AttachMonitor hands the manager the connectivity subscription's stop
// function so Disconnect can tear it down.
func (m *Manager) AttachMonitor(stop func()) {
	m.mu.Lock()
	m.stopMonitor = stop
	m.mu.Unlock()
}

// Disconnect is a full reset: it stops the connectivity subscription,
// cancels the pending reconnect timer, removes all listeners, closes
// the connection and clears the failure counter. Safe to call twice.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	stop := m.stopMonitor
	m.stopMonitor = nil
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.recvCancel != nil {
		m.recvCancel()
		m.recvCancel = nil
	}
	c := m.conn
	m.conn = nil
	m.handlers = make(map[string]map[int]Handler)
	m.failures = 0
	m.gen++
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if c != nil {
		_ = c.Close()
	}
	_ = m.tracker.SetPhase(connstate.Offline)
	m.bus.Publish(bus.Event{Kind: "conn.closed"})
}
