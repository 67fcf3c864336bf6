package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/connstate"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/kv/memory"
	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

// fakeConn is a scriptable transport connection.
type fakeConn struct {
	mu      sync.Mutex
	events  chan transport.Envelope
	emits   []string
	emitErr error
	done    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan transport.Envelope, 16),
		done:   make(chan struct{}),
	}
}

func (c *fakeConn) Receive(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-c.events:
		return env, nil
	case <-c.done:
		return transport.Envelope{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

func (c *fakeConn) Emit(_ context.Context, event string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emits = append(c.emits, event)
	return c.emitErr
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.done) })
}

// fakeTransport fails the first failDials dials, then succeeds.
type fakeTransport struct {
	mu        sync.Mutex
	dials     int
	failDials int
	conns     []*fakeConn
}

func (t *fakeTransport) Dial(_ context.Context, _, _ string) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.dials <= t.failDials {
		return nil, errors.New("connect_error")
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func testManager(t *testing.T, tr transport.Transport, token string) (*Manager, *connstate.Tracker) {
	t.Helper()
	kvs := memory.New()
	if token != "" {
		if err := kvs.SetItem(context.Background(), kv.KeyAuthToken, token); err != nil {
			t.Fatal(err)
		}
	}
	tracker := connstate.NewTracker(nil)
	m := NewManager(Options{
		URL:            "https://chat.test",
		ConnectTimeout: time.Second,
		AckTimeout:     100 * time.Millisecond,
		ReconnectDelay: 10 * time.Millisecond,
		MaxAttempts:    5,
	}, tr, kvs, tracker, bus.New(), zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, tracker
}

func TestConnectWithoutTokenFailsFast(t *testing.T) {
	tr := &fakeTransport{}
	m, tracker := testManager(t, tr, "")

	if m.Connect(context.Background()) {
		t.Error("Connect() = true, want false without token")
	}
	if tr.dialCount() != 0 {
		t.Errorf("dials = %d, want 0 (fail fast before dialing)", tr.dialCount())
	}
	if tracker.Phase() != connstate.Offline {
		t.Errorf("phase = %s, want OFFLINE (no reconnect scheduled)", tracker.Phase())
	}
}

func TestConnectSuccess(t *testing.T) {
	tr := &fakeTransport{}
	m, tracker := testManager(t, tr, "tok")

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() = false, want true")
	}
	if tracker.Phase() != connstate.Connected {
		t.Errorf("phase = %s, want CONNECTED", tracker.Phase())
	}
	f := tracker.Flags()
	if !f.IsConnected || !f.IsInternetReachable {
		t.Errorf("flags = %+v, want both true", f)
	}

	// A second Connect is an idempotent no-op.
	if !m.Connect(context.Background()) {
		t.Error("second Connect() = false, want true")
	}
	if tr.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", tr.dialCount())
	}
}

// TestReconnectBound verifies that after the maximum number of
// consecutive dial failures no further attempt is scheduled and the
// connection is marked unreachable.
func TestReconnectBound(t *testing.T) {
	tr := &fakeTransport{failDials: 100}
	m, tracker := testManager(t, tr, "tok")

	if m.Connect(context.Background()) {
		t.Fatal("Connect() = true, want false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tracker.Phase() == connstate.Unreachable {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if tracker.Phase() != connstate.Unreachable {
		t.Fatalf("phase = %s, want UNREACHABLE", tracker.Phase())
	}

	dials := tr.dialCount()
	if dials != 5 {
		t.Errorf("dials = %d, want 5 (initial + 4 retries)", dials)
	}

	// No further attempts after exhaustion.
	time.Sleep(100 * time.Millisecond)
	if tr.dialCount() != dials {
		t.Errorf("dials grew to %d after exhaustion", tr.dialCount())
	}

	f := tracker.Flags()
	if f.IsConnected || f.IsInternetReachable {
		t.Errorf("flags = %+v, want both false", f)
	}
}

func TestReconnectRecovers(t *testing.T) {
	tr := &fakeTransport{failDials: 2}
	m, tracker := testManager(t, tr, "tok")

	m.Connect(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Connected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Connected() {
		t.Fatal("manager never reconnected after transient failures")
	}
	if tracker.Phase() != connstate.Connected {
		t.Errorf("phase = %s, want CONNECTED", tracker.Phase())
	}
	if tr.dialCount() != 3 {
		t.Errorf("dials = %d, want 3", tr.dialCount())
	}
}

func TestConnectionLostSchedulesReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := testManager(t, tr, "tok")

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	tr.lastConn().drop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.dialCount() >= 2 && m.Connected() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !m.Connected() {
		t.Error("manager did not reconnect after losing the connection")
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m, tracker := testManager(t, tr, "tok")

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}

	m.Disconnect()
	m.Disconnect()

	f := tracker.Flags()
	if f.IsConnected || f.IsInternetReachable {
		t.Errorf("flags = %+v, want both false after disconnect", f)
	}
	if tracker.Phase() != connstate.Offline {
		t.Errorf("phase = %s, want OFFLINE", tracker.Phase())
	}
}

func TestDisconnectCancelsPendingRetry(t *testing.T) {
	tr := &fakeTransport{failDials: 100}
	m, _ := testManager(t, tr, "tok")

	m.Connect(context.Background())
	dials := tr.dialCount()
	m.Disconnect()

	time.Sleep(100 * time.Millisecond)
	if tr.dialCount() > dials+1 {
		t.Errorf("retries continued after Disconnect: %d dials", tr.dialCount())
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{failDials: 100}
	m, _ := testManager(t, tr, "tok")

	err := m.Emit(context.Background(), transport.EventTyping, map[string]string{"conversationId": "c1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() error = %v, want ErrNotConnected", err)
	}

	// The failed emit must have triggered a reconnect attempt.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if tr.dialCount() > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("Emit while disconnected did not trigger a reconnect")
}

func TestEmitWhenConnected(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := testManager(t, tr, "tok")

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	if err := m.Emit(context.Background(), transport.EventNewMessage, map[string]string{"content": "hi"}); err != nil {
		t.Errorf("Emit() error = %v", err)
	}
	c := tr.lastConn()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.emits) != 1 || c.emits[0] != transport.EventNewMessage {
		t.Errorf("emits = %v, want [new_message]", c.emits)
	}
}

func TestOnDispatchAndUnsubscribe(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := testManager(t, tr, "tok")

	var mu sync.Mutex
	var got []string
	unsub := m.On(transport.EventNewMessage, func(p json.RawMessage) {
		mu.Lock()
		got = append(got, string(p))
		mu.Unlock()
	})

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	tr.lastConn().events <- transport.Envelope{
		Type:    transport.EventNewMessage,
		Payload: []byte(`{"id":"m1"}`),
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if len(got) != 1 || got[0] != `{"id":"m1"}` {
		t.Fatalf("handler got %v, want one payload", got)
	}
	mu.Unlock()

	unsub()
	tr.lastConn().events <- transport.Envelope{Type: transport.EventNewMessage}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Errorf("handler called after unsubscribe: %d calls", len(got))
	}
}

// TestHandlersSurviveReconnect verifies the listener registry is
// re-attached to a new connection after a drop.
func TestHandlersSurviveReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := testManager(t, tr, "tok")

	var mu sync.Mutex
	calls := 0
	m.On(transport.EventMessageStatus, func(json.RawMessage) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if !m.Connect(context.Background()) {
		t.Fatal("Connect() failed")
	}
	first := tr.lastConn()
	first.drop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Connected() && tr.lastConn() != first {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	second := tr.lastConn()
	if second == first {
		t.Fatal("no new connection after drop")
	}

	second.events <- transport.Envelope{Type: transport.EventMessageStatus, Payload: []byte(`{}`)}
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("handler not invoked on the reconnected connection")
}
