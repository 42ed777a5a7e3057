package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAdapter backs workspace liveness tracking and the dev pub/sub
// channel fallback. Adapted from the teacher's generic key/value +
// pub/sub wrapper, trimmed to the subset the bridge needs.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter connects to addr and verifies connectivity with PING.
func NewRedisAdapter(addr, password string, db int) (*RedisAdapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisAdapter{client: client}, nil
}

// TouchWorkspaceLive refreshes a workspace's liveness TTL key,
// consulted externally for garbage collection.
func (r *RedisAdapter) TouchWorkspaceLive(ctx context.Context, workspaceID string, ttl time.Duration) error {
	return r.client.Set(ctx, liveKey(workspaceID), time.Now().UnixMilli(), ttl).Err()
}

// WorkspaceLive reports whether a workspace's liveness key is still
// present (not expired).
func (r *RedisAdapter) WorkspaceLive(ctx context.Context, workspaceID string) (bool, error) {
	n, err := r.client.Exists(ctx, liveKey(workspaceID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func liveKey(workspaceID string) string { return "workspace:live:" + workspaceID }

// Publish publishes a message on channel, used by the dev pub/sub
// channel fallback (internal/channel's RedisClient and RedisServer).
func (r *RedisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

// Subscribe subscribes to channel and invokes handler for every
// message until the context is cancelled or the returned unsubscribe
// func is called, mirroring the teacher's Subscribe-with-context shape.
func (r *RedisAdapter) Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (func(), error) {
	sub := r.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	unsubscribe := func() {
		close(done)
		_ = sub.Close()
	}
	return unsubscribe, nil
}

func (r *RedisAdapter) Close() error { return r.client.Close() }
