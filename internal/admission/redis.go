package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/domain"
)

// checkAndTrackScript is the atomic admission step. Slots live in one sorted
// set per provider, scored by expiry in Redis-clock milliseconds; expired
// slots are swept before the capacity check so a crashed caller cannot pin a
// slot forever.
// Keys: [slots_zset]
// Args: [limit, slot, ttl_ms]
// Returns: [admitted(0|1), active_after]
var checkAndTrackScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local limit = tonumber(ARGV[1])
local slot = ARGV[2]
local ttl = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)

if redis.call('ZSCORE', KEYS[1], slot) then
    redis.call('ZADD', KEYS[1], now + ttl, slot)
    redis.call('PEXPIRE', KEYS[1], ttl)
    return {1, redis.call('ZCARD', KEYS[1])}
end

local active = redis.call('ZCARD', KEYS[1])
if limit > 0 and active >= limit then
    return {0, active}
end

redis.call('ZADD', KEYS[1], now + ttl, slot)
redis.call('PEXPIRE', KEYS[1], ttl)
return {1, active + 1}
`)

// activeSessionsScript counts unexpired slots without writing.
// Keys: [slots_zset]
var activeSessionsScript = redis.NewScript(`
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
return redis.call('ZCOUNT', KEYS[1], '(' .. now, '+inf')
`)

// RedisController is the distributed Controller shared by all gateway
// replicas. On a store outage the check fails closed when the provider has a
// positive limit — overshooting a hard ceiling is the one intolerable
// outcome — and proceeds untracked when there is no ceiling to overshoot.
type RedisController struct {
	client    *redis.Client
	keyPrefix string
	slotTTL   time.Duration
}

// NewRedisController creates a Redis-backed admission controller from a URL.
func NewRedisController(redisURL string, slotTTL time.Duration) (*RedisController, error) {
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

	return NewRedisControllerWithClient(client, slotTTL), nil
}

// NewRedisControllerWithClient wraps an existing client.
func NewRedisControllerWithClient(client *redis.Client, slotTTL time.Duration) *RedisController {
	if slotTTL <= 0 {
		slotTTL = DefaultSlotTTL
	}
	return &RedisController{
		client:    client,
		keyPrefix: "admission:",
		slotTTL:   slotTTL,
	}
}

func (c *RedisController) key(providerID string) string {
	return c.keyPrefix + providerID
}

func (c *RedisController) CheckAndTrack(ctx context.Context, providerID, slot string, limit int) (Decision, error) {
	vals, err := checkAndTrackScript.Run(ctx, c.client,
		[]string{c.key(providerID)},
		limit,
		slot,
		c.slotTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		if limit > 0 {
			return Decision{}, domain.StoreUnavailable("admission", "check and track", err)
		}
		slog.Warn("admission store unavailable, proceeding untracked for unlimited provider",
			"provider", providerID, "error", err)
		return Decision{Admitted: true}, nil
	}
	if len(vals) != 2 {
		return Decision{}, domain.StoreUnavailable("admission", "check and track",
			fmt.Errorf("unexpected script reply length %d", len(vals)))
	}

	return Decision{Admitted: vals[0] == 1, Active: int(vals[1])}, nil
}

func (c *RedisController) Release(ctx context.Context, providerID, slot string) error {
	if err := c.client.ZRem(ctx, c.key(providerID), slot).Err(); err != nil {
		return domain.StoreUnavailable("admission", "release", err)
	}
	return nil
}

func (c *RedisController) ActiveSessions(ctx context.Context, providerID string) (int, error) {
	n, err := activeSessionsScript.Run(ctx, c.client, []string{c.key(providerID)}).Int()
	if err != nil {
		return 0, domain.StoreUnavailable("admission", "active sessions", err)
	}
	return n, nil
}

// Close closes the underlying Redis client.
func (c *RedisController) Close() error {
	return c.client.Close()
}
