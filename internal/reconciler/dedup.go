package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDedup reserves event ids with SET NX under a TTL. The TTL bounds how
// long a crashed in-flight handler blocks redelivery; durable exactly-once
// rests on the processed-events table, not on this filter.
type RedisDedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDedup creates a Redis-backed duplicate filter.
func NewRedisDedup(client *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{client: client, ttl: ttl}
}

func (d *RedisDedup) key(eventID string) string {
	return fmt.Sprintf("webhook:event:%s", eventID)
}

// Reserve claims the event id. Returns false when another delivery already
// holds it.
func (d *RedisDedup) Reserve(ctx context.Context, eventID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.key(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving event %s: %w", eventID, err)
	}
	return ok, nil
}

// Release frees a reservation after a failed apply so redelivery can retry.
func (d *RedisDedup) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, d.key(eventID)).Err(); err != nil {
		return fmt.Errorf("releasing event %s: %w", eventID, err)
	}
	return nil
}

// MemoryDedup is an in-memory Dedup for tests.
type MemoryDedup struct {
	mu       sync.Mutex
	reserved map[string]bool
}

// NewMemoryDedup creates an in-memory duplicate filter.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{reserved: make(map[string]bool)}
}

func (d *MemoryDedup) Reserve(_ context.Context, eventID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reserved[eventID] {
		return false, nil
	}
	d.reserved[eventID] = true
	return true, nil
}

func (d *MemoryDedup) Release(_ context.Context, eventID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.reserved, eventID)
	return nil
}
