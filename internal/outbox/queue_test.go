package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/kv/memory"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
)

// fakeEmitter scripts connection state and per-message emit failures.
type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	failOn    map[string]bool
	emitted   []string
}

func (e *fakeEmitter) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEmitter) Connect(_ context.Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEmitter) Emit(_ context.Context, _ string, payload any) error {
	p := payload.(map[string]any)
	id := p["clientId"].(string)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failOn[id] {
		return errors.New("emit failed")
	}
	e.emitted = append(e.emitted, id)
	return nil
}

func (e *fakeEmitter) sent() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.emitted))
	copy(out, e.emitted)
	return out
}

func testQueue(t *testing.T, em *fakeEmitter) (*Queue, kv.Store) {
	t.Helper()
	kvs := memory.New()
	return New(kvs, em, bus.New(), zap.NewNop()), kvs
}

func qm(id string) model.QueuedMessage {
	return model.QueuedMessage{ClientID: id, ConversationID: "c1", Content: "msg " + id}
}

func TestSendOfflineQueues(t *testing.T) {
	em := &fakeEmitter{}
	q, kvs := testQueue(t, em)
	ctx := context.Background()

	queued, err := q.Send(ctx, qm("m1"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !queued {
		t.Error("Send() while offline should queue")
	}
	if len(em.sent()) != 0 {
		t.Error("nothing should be emitted while offline")
	}

	// Persisted under the pending-queue key.
	raw, found, err := kvs.GetItem(ctx, kv.KeyPendingQueue)
	if err != nil || !found {
		t.Fatalf("queue not persisted: found=%v err=%v", found, err)
	}
	var items []model.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ClientID != "m1" {
		t.Errorf("persisted items = %+v, want [m1]", items)
	}
	if items[0].QueuedAtMs == 0 {
		t.Error("QueuedAtMs not stamped")
	}
}

func TestSendOnlineEmits(t *testing.T) {
	em := &fakeEmitter{connected: true}
	q, _ := testQueue(t, em)

	queued, err := q.Send(context.Background(), qm("m1"))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if queued {
		t.Error("Send() while online should not queue")
	}
	if got := em.sent(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("emitted = %v, want [m1]", got)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestProcessPreservesOrder(t *testing.T) {
	em := &fakeEmitter{}
	q, _ := testQueue(t, em)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := q.Send(ctx, qm(fmt.Sprintf("m%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	em.mu.Lock()
	em.connected = true
	em.mu.Unlock()
	q.Process(ctx)

	want := []string{"m1", "m2", "m3", "m4"}
	got := em.sent()
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0 after drain", q.Len())
	}
}

func TestProcessStopsAtFirstFailure(t *testing.T) {
	em := &fakeEmitter{failOn: map[string]bool{"m2": true}}
	q, kvs := testQueue(t, em)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := q.Send(ctx, qm(id)); err != nil {
			t.Fatal(err)
		}
	}

	em.mu.Lock()
	em.connected = true
	em.mu.Unlock()
	q.Process(ctx)

	if got := em.sent(); len(got) != 1 || got[0] != "m1" {
		t.Errorf("emitted = %v, want only m1", got)
	}

	// m2 stays at the head, m3 behind it.
	pending := q.Pending()
	if len(pending) != 2 || pending[0].ClientID != "m2" || pending[1].ClientID != "m3" {
		t.Errorf("pending = %+v, want [m2 m3]", pending)
	}

	// The remainder is persisted.
	raw, found, err := kvs.GetItem(ctx, kv.KeyPendingQueue)
	if err != nil || !found {
		t.Fatalf("remainder not persisted: found=%v err=%v", found, err)
	}
	var items []model.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].ClientID != "m2" {
		t.Errorf("persisted = %+v, want m2 at head", items)
	}
}

func TestProcessAbortsWhenConnectFails(t *testing.T) {
	em := &fakeEmitter{}
	q, _ := testQueue(t, em)
	ctx := context.Background()

	if _, err := q.Send(ctx, qm("m1")); err != nil {
		t.Fatal(err)
	}
	q.Process(ctx)

	if len(em.sent()) != 0 {
		t.Error("nothing should be sent when connect fails")
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

func TestLoadRestoresAcrossRestart(t *testing.T) {
	em := &fakeEmitter{}
	kvs := memory.New()
	ctx := context.Background()

	q1 := New(kvs, em, bus.New(), zap.NewNop())
	if _, err := q1.Send(ctx, qm("m1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q1.Send(ctx, qm("m2")); err != nil {
		t.Fatal(err)
	}

	// New queue over the same store, as after a restart.
	q2 := New(kvs, em, bus.New(), zap.NewNop())
	if err := q2.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	pending := q2.Pending()
	if len(pending) != 2 || pending[0].ClientID != "m1" || pending[1].ClientID != "m2" {
		t.Errorf("restored = %+v, want [m1 m2]", pending)
	}
}

func TestLoadDiscardsCorruptQueue(t *testing.T) {
	em := &fakeEmitter{}
	kvs := memory.New()
	ctx := context.Background()
	if err := kvs.SetItem(ctx, kv.KeyPendingQueue, "{not json"); err != nil {
		t.Fatal(err)
	}

	q := New(kvs, em, bus.New(), zap.NewNop())
	if err := q.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0 after corrupt load", q.Len())
	}
	if _, found, _ := kvs.GetItem(ctx, kv.KeyPendingQueue); found {
		t.Error("corrupt value should be removed")
	}
}

func TestDrainEmptiesPersistedKey(t *testing.T) {
	em := &fakeEmitter{}
	q, kvs := testQueue(t, em)
	ctx := context.Background()

	if _, err := q.Send(ctx, qm("m1")); err != nil {
		t.Fatal(err)
	}
	em.mu.Lock()
	em.connected = true
	em.mu.Unlock()
	q.Process(ctx)

	if _, found, _ := kvs.GetItem(ctx, kv.KeyPendingQueue); found {
		t.Error("pending key should be removed after a full drain")
	}
}
