package cost

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func getRedisURL(t *testing.T) string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping Redis integration test")
	}
	return url
}

func newTestRedisStore(t *testing.T) *RedisStore {
	store, err := NewRedisStore(getRedisURL(t))
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore_RecordAndReadWindows(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	providerID := "test-cost-" + uuid.NewString()
	now := time.Now()

	if err := store.Record(ctx, providerID, 1.25, now); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := store.Record(ctx, providerID, 0.75, now); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	for _, w := range []Window{Window5h, WindowWeekly, WindowMonthly} {
		spend, err := store.WindowSpend(ctx, providerID, w)
		if err != nil {
			t.Fatalf("WindowSpend(%s) failed: %v", w, err)
		}
		if spend != 2.0 {
			t.Errorf("expected %s spend 2.0, got %v", w, spend)
		}
	}
}

func TestRedisStore_FiveHourWindowSpansBuckets(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()
	providerID := "test-cost-" + uuid.NewString()
	now := time.Now()

	// Land spend in two different hourly buckets inside the window.
	if err := store.Record(ctx, providerID, 1.0, now.Add(-3*time.Hour)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := store.Record(ctx, providerID, 2.0, now); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	// Well outside the rolling window.
	if err := store.Record(ctx, providerID, 50.0, now.Add(-8*time.Hour)); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	spend, err := store.WindowSpend(ctx, providerID, Window5h)
	if err != nil {
		t.Fatalf("WindowSpend failed: %v", err)
	}
	if spend != 3.0 {
		t.Errorf("expected 5h spend 3.0, got %v", spend)
	}
}

func TestRedisStore_UnknownProviderReadsZero(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	spend, err := store.WindowSpend(ctx, "test-cost-"+uuid.NewString(), WindowMonthly)
	if err != nil {
		t.Fatalf("WindowSpend failed: %v", err)
	}
	if spend != 0 {
		t.Errorf("expected zero spend, got %v", spend)
	}
}
