// Package session pins a caller's session to its previously selected provider
// so that conversational context stays on one upstream. Bindings carry a TTL
// and are renewed on every reuse; discarding a binding is cheap and never an
// error. Both in-memory (single instance) and Redis (distributed) stores are
// provided.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/domain"
)

// DefaultTTL is how long a binding survives without reuse.
const DefaultTTL = time.Hour

// Store maps session ids to provider ids.
type Store interface {
	// BoundProvider returns the provider bound to the session, or
	// domain.ErrSessionNotFound.
	BoundProvider(ctx context.Context, sessionID string) (string, error)

	// Bind creates or renews a binding with the store's TTL.
	Bind(ctx context.Context, sessionID, providerID string) error

	// Invalidate discards a binding. Missing bindings are not an error.
	Invalidate(ctx context.Context, sessionID string) error
}

type binding struct {
	providerID string
	expiresAt  time.Time
}

type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]binding
	ttl   time.Duration
}

func NewInMemoryStore(ttl time.Duration) *InMemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &InMemoryStore{
		items: make(map[string]binding),
		ttl:   ttl,
	}
	go s.cleanup()
	return s
}

func (s *InMemoryStore) BoundProvider(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.items[sessionID]
	if !ok || time.Now().After(b.expiresAt) {
		return "", domain.ErrSessionNotFound
	}
	return b.providerID, nil
}

func (s *InMemoryStore) Bind(ctx context.Context, sessionID, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[sessionID] = binding{
		providerID: providerID,
		expiresAt:  time.Now().Add(s.ttl),
	}
	return nil
}

func (s *InMemoryStore) Invalidate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, sessionID)
	return nil
}

func (s *InMemoryStore) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		now := time.Now()
		for id, b := range s.items {
			if now.After(b.expiresAt) {
				delete(s.items, id)
			}
		}
		s.mu.Unlock()
	}
}

type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client:    client,
		keyPrefix: "session:",
		ttl:       ttl,
	}
}

func (s *RedisStore) BoundProvider(ctx context.Context, sessionID string) (string, error) {
	providerID, err := s.client.Get(ctx, s.keyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrSessionNotFound
	}
	if err != nil {
		return "", domain.StoreUnavailable("session", "get binding", err)
	}
	return providerID, nil
}

func (s *RedisStore) Bind(ctx context.Context, sessionID, providerID string) error {
	if err := s.client.Set(ctx, s.keyPrefix+sessionID, providerID, s.ttl).Err(); err != nil {
		return domain.StoreUnavailable("session", "bind", err)
	}
	return nil
}

func (s *RedisStore) Invalidate(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+sessionID).Err(); err != nil {
		return domain.StoreUnavailable("session", "invalidate", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
