// Package netmon watches network reachability and nudges the socket
// manager back online when the network returns.
package netmon

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/connstate"
)

// Change is a reachability report.
type Change struct {
	IsConnected         bool
	IsInternetReachable bool
}

// Source produces reachability changes. Watch is subscribed exactly
// once for the monitor's lifetime.
type Source interface {
	Watch(ctx context.Context) <-chan Change
}

// Connector is the slice of the socket manager the monitor drives.
type Connector interface {
	Connected() bool
	Connect(ctx context.Context) bool
}

// Monitor forwards reachability changes into the connection tracker
// and triggers a reconnect when the network comes back.
type Monitor struct {
	src     Source
	tracker *connstate.Tracker
	conn    Connector
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// New creates a monitor.
func New(src Source, tracker *connstate.Tracker, conn Connector, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{src: src, tracker: tracker, conn: conn, bus: b, logger: logger}
}

// Start subscribes to the source and processes changes until Stop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch := m.src.Watch(ctx)
	go func() {
		for {
			select {
			case change, ok := <-ch:
				if !ok {
					return
				}
				m.apply(ctx, change)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the subscription. Safe to call twice.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Monitor) apply(ctx context.Context, change Change) {
	reachable := change.IsConnected && change.IsInternetReachable
	m.tracker.SetReachability(reachable)
	m.bus.Publish(bus.Event{Kind: "conn.reachability", Payload: change})
	m.logger.Debug("reachability changed",
		zap.Bool("connected", change.IsConnected),
		zap.Bool("reachable", change.IsInternetReachable))

	if reachable && !m.conn.Connected() {
		m.logger.Info("network restored, reconnecting")
		go m.conn.Connect(ctx)
	}
}

// Probe is a Source that dials a fixed address on an interval and
// reports edges only.
type Probe struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
}

// NewProbe creates a probe for addr (host:port).
func NewProbe(addr string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Probe{Addr: addr, Interval: interval, Timeout: 3 * time.Second}
}

// Watch starts probing. The first probe runs immediately; afterwards a
// change is emitted only when reachability flips.
func (p *Probe) Watch(ctx context.Context) <-chan Change {
	ch := make(chan Change, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.Interval)
		defer ticker.Stop()

		last := -1 // -1 unknown, 0 down, 1 up
		probe := func() {
			up := p.dial(ctx)
			state := 0
			if up {
				state = 1
			}
			if state == last {
				return
			}
			last = state
			select {
			case ch <- Change{IsConnected: up, IsInternetReachable: up}:
			case <-ctx.Done():
			}
		}

		probe()
		for {
			select {
			case <-ticker.C:
				probe()
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (p *Probe) dial(ctx context.Context) bool {
	dctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
