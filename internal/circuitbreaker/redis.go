package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/domain"
)

// Lua scripts for atomic circuit writes. Each circuit lives in one hash with
// fields: state, failures, half_open_successes, last_failure_ms, open_until_ms,
// manual_open. Redis TIME is the clock authority so replicas agree; the
// open → half-open transition is materialized here before the report applies.

// getStateScript resolves the effective state without writing.
// Keys: [hash]
// Returns: [effective_state, failures, half_open_successes, last_failure_ms, open_until_ms, manual_open]
var getStateScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
local failures = tonumber(redis.call('HGET', KEYS[1], 'failures') or '0')
local successes = tonumber(redis.call('HGET', KEYS[1], 'half_open_successes') or '0')
local lastFailure = tonumber(redis.call('HGET', KEYS[1], 'last_failure_ms') or '0')
local openUntil = tonumber(redis.call('HGET', KEYS[1], 'open_until_ms') or '0')
local manual = tonumber(redis.call('HGET', KEYS[1], 'manual_open') or '0')

if manual == 1 then
    state = 1
elseif state == 1 and now >= openUntil then
    state = 2
end

return {state, failures, successes, lastFailure, openUntil, manual}
`)

// reportSuccessScript applies a success report.
// Keys: [hash]
// Args: [half_open_success_threshold, ttl_seconds]
// Returns: [state_before, state_after]
var reportSuccessScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
local openUntil = tonumber(redis.call('HGET', KEYS[1], 'open_until_ms') or '0')

if state == 1 and now >= openUntil then
    state = 2
    redis.call('HSET', KEYS[1], 'state', 2, 'half_open_successes', 0)
end

local from = state

if state == 0 then
    redis.call('HSET', KEYS[1], 'failures', 0)
elseif state == 2 then
    local successes = redis.call('HINCRBY', KEYS[1], 'half_open_successes', 1)
    local threshold = tonumber(ARGV[1])
    if successes >= threshold then
        state = 0
        redis.call('HSET', KEYS[1], 'state', 0, 'failures', 0, 'half_open_successes', 0, 'open_until_ms', 0)
    end
end

redis.call('EXPIRE', KEYS[1], tonumber(ARGV[2]))
return {from, state}
`)

// reportFailureScript applies a failure report.
// Keys: [hash]
// Args: [failure_threshold, open_duration_ms, ttl_seconds]
// Returns: [state_before, state_after]
var reportFailureScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)

local state = tonumber(redis.call('HGET', KEYS[1], 'state') or '0')
local openUntil = tonumber(redis.call('HGET', KEYS[1], 'open_until_ms') or '0')

if state == 1 and now >= openUntil then
    state = 2
    redis.call('HSET', KEYS[1], 'state', 2, 'half_open_successes', 0)
end

local from = state
local duration = tonumber(ARGV[2])

redis.call('HSET', KEYS[1], 'last_failure_ms', now)

if state == 0 then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    local threshold = tonumber(ARGV[1])
    if failures >= threshold then
        state = 1
        redis.call('HSET', KEYS[1], 'state', 1, 'open_until_ms', now + duration, 'half_open_successes', 0)
    end
elseif state == 2 then
    state = 1
    redis.call('HSET', KEYS[1], 'state', 1, 'open_until_ms', now + duration, 'half_open_successes', 0)
else
    redis.call('HINCRBY', KEYS[1], 'failures', 1)
    redis.call('HSET', KEYS[1], 'open_until_ms', now + duration)
end

redis.call('EXPIRE', KEYS[1], tonumber(ARGV[3]))
return {from, state}
`)

// RedisStore implements Store against a shared Redis so that every gateway
// replica observes the same circuit state.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	stateTTL  time.Duration
}

// NewRedisStore creates a Redis-backed circuit store from a URL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. Useful for sharing a
// connection pool with the other stores.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "circuit:",
		stateTTL:  7 * 24 * time.Hour,
	}
}

func (s *RedisStore) hashKey(key string) string {
	return s.keyPrefix + key
}

func (s *RedisStore) State(ctx context.Context, key string) (Record, error) {
	vals, err := getStateScript.Run(ctx, s.client, []string{s.hashKey(key)}).Int64Slice()
	if err != nil {
		return Record{}, domain.StoreUnavailable("circuit", "get state", err)
	}
	if len(vals) != 6 {
		return Record{}, domain.StoreUnavailable("circuit", "get state", fmt.Errorf("unexpected script reply length %d", len(vals)))
	}

	rec := Record{
		Key:               key,
		State:             State(vals[0]),
		Failures:          int(vals[1]),
		HalfOpenSuccesses: int(vals[2]),
		ManualOpen:        vals[5] == 1,
	}
	if vals[3] > 0 {
		rec.LastFailure = time.UnixMilli(vals[3])
	}
	if vals[4] > 0 {
		rec.OpenUntil = time.UnixMilli(vals[4])
	}
	return rec, nil
}

func (s *RedisStore) ReportSuccess(ctx context.Context, key string, cfg Config) (Transition, error) {
	vals, err := reportSuccessScript.Run(ctx, s.client,
		[]string{s.hashKey(key)},
		cfg.HalfOpenSuccessThreshold,
		int(s.stateTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return Transition{}, domain.StoreUnavailable("circuit", "report success", err)
	}
	return transitionFromReply(key, vals)
}

func (s *RedisStore) ReportFailure(ctx context.Context, key string, cfg Config) (Transition, error) {
	vals, err := reportFailureScript.Run(ctx, s.client,
		[]string{s.hashKey(key)},
		cfg.FailureThreshold,
		cfg.OpenDuration.Milliseconds(),
		int(s.stateTTL.Seconds()),
	).Int64Slice()
	if err != nil {
		return Transition{}, domain.StoreUnavailable("circuit", "report failure", err)
	}
	return transitionFromReply(key, vals)
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.hashKey(key)).Err(); err != nil {
		return domain.StoreUnavailable("circuit", "reset", err)
	}
	return nil
}

func (s *RedisStore) SetManualOpen(ctx context.Context, key string, open bool) error {
	flag := 0
	if open {
		flag = 1
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.hashKey(key), "manual_open", flag)
	pipe.Expire(ctx, s.hashKey(key), s.stateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.StoreUnavailable("circuit", "set manual open", err)
	}
	return nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func transitionFromReply(key string, vals []int64) (Transition, error) {
	if len(vals) != 2 {
		return Transition{}, domain.StoreUnavailable("circuit", "report", fmt.Errorf("unexpected script reply length %d", len(vals)))
	}
	return Transition{Key: key, From: State(vals[0]), To: State(vals[1])}, nil
}
