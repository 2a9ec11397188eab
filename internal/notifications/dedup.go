package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupTTL bounds how long a published notification suppresses
// identical ones. Alerts that stay true past the window fire again.
const DefaultDedupTTL = time.Hour

// Deduplicator suppresses repeat notifications across gateway instances.
// Keys name the event (scope, subject, level); callers own the format.
type Deduplicator interface {
	// ShouldSend reports whether the keyed notification has not been sent
	// within the dedup window, claiming the slot when it has not.
	ShouldSend(ctx context.Context, key string) bool

	// Clear releases the given keys so the next occurrence fires again.
	Clear(ctx context.Context, keys ...string)
}

// InMemoryDeduplicator suppresses repeats within a single process.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	sent map[string]time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &InMemoryDeduplicator{
		ttl:  ttl,
		sent: make(map[string]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if expiry, ok := d.sent[key]; ok && now.Before(expiry) {
		return false
	}
	d.sent[key] = now.Add(d.ttl)
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, keys ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, key := range keys {
		delete(d.sent, key)
	}
}

// RedisDeduplicator shares suppression state across instances so a fleet
// publishes each alert once per window.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduplicator(redisURL string, ttl time.Duration) (*RedisDeduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisDeduplicatorWithClient(client, ttl), nil
}

func NewRedisDeduplicatorWithClient(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
	}
}

func (d *RedisDeduplicator) redisKey(key string) string {
	return "notify:sent:" + key
}

// ShouldSend claims the key with SETNX; exactly one instance wins.
// Redis errors allow the notification, a duplicate beats a silence.
func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, d.redisKey(key), time.Now().Unix(), d.ttl).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = d.redisKey(key)
	}
	d.client.Del(ctx, redisKeys...)
}

func (d *RedisDeduplicator) Close() error {
	return d.client.Close()
}
