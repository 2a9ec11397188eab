package cost

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/domain"
)

const (
	hourlyTTL  = 6 * time.Hour
	weeklyTTL  = 8 * 24 * time.Hour
	monthlyTTL = 32 * 24 * time.Hour
)

// RedisStore accumulates spend into hourly, ISO-week and calendar-month
// buckets. The rolling five-hour window is the sum of the six hourly buckets
// it can overlap; the calendar windows are single buckets. Buckets expire on
// their own, so there is nothing to sweep.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client. The caller keeps
// ownership of the client lifecycle.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: "cost:",
		now:       time.Now,
	}
}

func (s *RedisStore) hourKey(providerID string, t time.Time) string {
	return s.keyPrefix + providerID + ":h:" + hourBucket(t)
}

func (s *RedisStore) weekKey(providerID string, t time.Time) string {
	return s.keyPrefix + providerID + ":w:" + weekBucket(t)
}

func (s *RedisStore) monthKey(providerID string, t time.Time) string {
	return s.keyPrefix + providerID + ":m:" + monthBucket(t)
}

func (s *RedisStore) Record(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrByFloat(ctx, s.hourKey(providerID, at), costUSD)
		pipe.Expire(ctx, s.hourKey(providerID, at), hourlyTTL)
		pipe.IncrByFloat(ctx, s.weekKey(providerID, at), costUSD)
		pipe.Expire(ctx, s.weekKey(providerID, at), weeklyTTL)
		pipe.IncrByFloat(ctx, s.monthKey(providerID, at), costUSD)
		pipe.Expire(ctx, s.monthKey(providerID, at), monthlyTTL)
		return nil
	})
	if err != nil {
		return domain.StoreUnavailable("cost", "record spend", err)
	}
	return nil
}

func (s *RedisStore) WindowSpend(ctx context.Context, providerID string, w Window) (float64, error) {
	now := s.now()

	switch w {
	case Window5h:
		// A rolling five-hour window can overlap six hourly buckets.
		keys := make([]string, 0, 6)
		for i := 5; i >= 0; i-- {
			keys = append(keys, s.hourKey(providerID, now.Add(-time.Duration(i)*time.Hour)))
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return 0, domain.StoreUnavailable("cost", "read 5h window", err)
		}
		var total float64
		for _, v := range vals {
			total += parseBucket(v)
		}
		return total, nil

	case WindowWeekly:
		return s.getBucket(ctx, s.weekKey(providerID, now), "read weekly window")

	case WindowMonthly:
		return s.getBucket(ctx, s.monthKey(providerID, now), "read monthly window")

	default:
		return 0, fmt.Errorf("unknown spend window %d", w)
	}
}

func (s *RedisStore) getBucket(ctx context.Context, key, op string) (float64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, domain.StoreUnavailable("cost", op, err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing spend bucket %s: %w", key, err)
	}
	return f, nil
}

func parseBucket(v interface{}) float64 {
	str, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return 0
	}
	return f
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
