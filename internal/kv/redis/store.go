// Package redis provides a kv.Store backed by Redis, for deployments
// where the device store is shared across kiosk installs.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed key-value store. Keys are namespaced
// "chatd:<session>:" so several sessions can share one instance.
type Store struct {
	cli     *redis.Client
	session string
}

// New connects to Redis at url and verifies the connection.
func New(ctx context.Context, url, session string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{cli: cli, session: session}, nil
}

func (s *Store) key(k string) string {
	return "chatd:" + s.session + ":" + k
}

func (s *Store) GetItem(ctx context.Context, key string) (string, bool, error) {
	val, err := s.cli.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	return s.cli.Set(ctx, s.key(key), value, 0).Err()
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	return s.cli.Del(ctx, s.key(key)).Err()
}

func (s *Store) Close() error {
	return s.cli.Close()
}
