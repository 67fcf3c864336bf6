// Package outbox holds messages composed while offline and replays
// them in order once the connection is back. The queue is persisted as
// a single JSON array in the key-value store so a daemon restart keeps
// unsent messages.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kristikumria/komuniteti-chatd/internal/bus"
	"github.com/kristikumria/komuniteti-chatd/internal/kv"
	"github.com/kristikumria/komuniteti-chatd/internal/model"
	"github.com/kristikumria/komuniteti-chatd/internal/transport"
)

// Emitter is the slice of the socket manager the queue needs.
type Emitter interface {
	Connected() bool
	Connect(ctx context.Context) bool
	Emit(ctx context.Context, event string, payload any) error
}

// Queue is the persistent offline outbox.
type Queue struct {
	mu     sync.Mutex
	kvs    kv.Store
	em     Emitter
	bus    *bus.Bus
	logger *zap.Logger

	items      []model.QueuedMessage
	processing bool
}

// New creates an empty queue. Call Load to restore persisted items.
func New(kvs kv.Store, em Emitter, b *bus.Bus, logger *zap.Logger) *Queue {
	return &Queue{kvs: kvs, em: em, bus: b, logger: logger}
}

// Load restores the queue from storage. A missing key means an empty
// queue; a corrupt value is discarded with a warning rather than
// wedging startup.
func (q *Queue) Load(ctx context.Context) error {
	raw, found, err := q.kvs.GetItem(ctx, kv.KeyPendingQueue)
	if err != nil {
		return fmt.Errorf("load pending queue: %w", err)
	}
	if !found || raw == "" {
		return nil
	}

	var items []model.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		q.logger.Warn("discarding corrupt pending queue", zap.Error(err))
		return q.kvs.RemoveItem(ctx, kv.KeyPendingQueue)
	}

	q.mu.Lock()
	q.items = items
	q.mu.Unlock()
	if len(items) > 0 {
		q.logger.Info("restored pending messages", zap.Int("count", len(items)))
	}
	return nil
}

// Pending returns a copy of the queued messages in send order.
func (q *Queue) Pending() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.QueuedMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends a message and persists the queue.
func (q *Queue) Enqueue(ctx context.Context, msg model.QueuedMessage) error {
	if msg.QueuedAtMs == 0 {
		msg.QueuedAtMs = time.Now().UnixMilli()
	}

	q.mu.Lock()
	q.items = append(q.items, msg)
	err := q.persistLocked(ctx)
	n := len(q.items)
	q.mu.Unlock()
	if err != nil {
		return err
	}

	q.bus.Publish(bus.Event{Kind: "outbox.queued", Payload: msg})
	q.logger.Info("message queued for later delivery",
		zap.String("clientId", msg.ClientID),
		zap.Int("pending", n))
	return nil
}

// Send delivers a message immediately when connected, or queues it
// when offline. The returned queued flag tells the caller which path
// was taken; a queued message is not an error.
func (q *Queue) Send(ctx context.Context, msg model.QueuedMessage) (queued bool, err error) {
	if !q.em.Connected() {
		if err := q.Enqueue(ctx, msg); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := q.em.Emit(ctx, transport.EventNewMessage, sendPayload(msg)); err != nil {
		return false, err
	}
	return false, nil
}

// Process drains the queue in FIFO order. If disconnected it tries a
// single connect first and gives up if that fails. Delivery stops at
// the first failure so the failed message stays at the head and order
// is preserved.
func (q *Queue) Process(ctx context.Context) {
	q.mu.Lock()
	if q.processing || len(q.items) == 0 {
		q.mu.Unlock()
		return
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if !q.em.Connected() && !q.em.Connect(ctx) {
		q.logger.Warn("cannot process outbox, connect failed")
		return
	}

	sent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			break
		}
		head := q.items[0]
		q.mu.Unlock()

		if err := q.em.Emit(ctx, transport.EventNewMessage, sendPayload(head)); err != nil {
			q.logger.Warn("outbox delivery stopped",
				zap.String("clientId", head.ClientID),
				zap.Error(err))
			break
		}

		q.mu.Lock()
		// Head may have changed only by our own pop; Enqueue appends.
		q.items = q.items[1:]
		q.mu.Unlock()
		sent++
		q.bus.Publish(bus.Event{Kind: "outbox.sent", Payload: head})
	}

	q.mu.Lock()
	if err := q.persistLocked(ctx); err != nil {
		q.logger.Error("persist pending queue", zap.Error(err))
	}
	remaining := len(q.items)
	q.mu.Unlock()

	if sent > 0 {
		q.logger.Info("outbox processed",
			zap.Int("sent", sent),
			zap.Int("remaining", remaining))
		q.bus.Publish(bus.Event{Kind: "outbox.drained", Payload: remaining})
	}
}

// Clear drops all queued messages and the persisted key.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	return q.kvs.RemoveItem(ctx, kv.KeyPendingQueue)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if len(q.items) == 0 {
		return q.kvs.RemoveItem(ctx, kv.KeyPendingQueue)
	}
	raw, err := json.Marshal(q.items)
	if err != nil {
		return fmt.Errorf("encode pending queue: %w", err)
	}
	return q.kvs.SetItem(ctx, kv.KeyPendingQueue, string(raw))
}

func sendPayload(msg model.QueuedMessage) map[string]any {
	p := map[string]any{
		"clientId":       msg.ClientID,
		"conversationId": msg.ConversationID,
		"content":        msg.Content,
	}
	if msg.ReplyToID != "" {
		p["replyTo"] = msg.ReplyToID
	}
	return p
}
