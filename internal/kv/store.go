// Package kv defines the local key-value persistence contract used by
// the chat core. The core stores exactly two keys: the auth token and
// the serialized pending-message queue.
package kv

import "context"

// Store is a small durable key-value store. GetItem reports found=false
// for a missing key rather than an error.
type Store interface {
	GetItem(ctx context.Context, key string) (value string, found bool, err error)
	SetItem(ctx context.Context, key, value string) error
	RemoveItem(ctx context.Context, key string) error
	Close() error
}

// Keys owned by the chat core.
const (
	KeyAuthToken    = "auth_token"
	KeyPendingQueue = "chat_pending_queue"
)
