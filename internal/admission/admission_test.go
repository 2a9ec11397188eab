package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestCheckAndTrack_AdmitsUpToLimit(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	for i := 0; i < 3; i++ {
		d, err := c.CheckAndTrack(ctx, "prov-1", fmt.Sprintf("session-%d", i), 3)
		if err != nil {
			t.Fatalf("CheckAndTrack: %v", err)
		}
		if !d.Admitted {
			t.Fatalf("session %d: expected admission under the limit", i)
		}
	}

	d, err := c.CheckAndTrack(ctx, "prov-1", "session-overflow", 3)
	if err != nil {
		t.Fatalf("CheckAndTrack: %v", err)
	}
	if d.Admitted {
		t.Error("expected rejection at the limit")
	}
	if d.Active != 3 {
		t.Errorf("expected 3 active sessions, got %d", d.Active)
	}
}

func TestCheckAndTrack_ReadmissionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	for i := 0; i < 5; i++ {
		d, err := c.CheckAndTrack(ctx, "prov-1", "session-1", 1)
		if err != nil {
			t.Fatalf("CheckAndTrack: %v", err)
		}
		if !d.Admitted {
			t.Fatalf("attempt %d: a tracked session must be re-admitted", i)
		}
		if d.Active != 1 {
			t.Fatalf("attempt %d: expected count to stay at 1, got %d", i, d.Active)
		}
	}
}

func TestCheckAndTrack_ZeroLimitIsUnconstrainedButTracked(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	for i := 0; i < 10; i++ {
		d, err := c.CheckAndTrack(ctx, "prov-1", fmt.Sprintf("session-%d", i), 0)
		if err != nil {
			t.Fatalf("CheckAndTrack: %v", err)
		}
		if !d.Admitted {
			t.Fatalf("session %d: zero limit must always admit", i)
		}
	}

	active, err := c.ActiveSessions(ctx, "prov-1")
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if active != 10 {
		t.Errorf("expected 10 tracked sessions for visibility, got %d", active)
	}
}

func TestRelease_FreesSlot(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	c.CheckAndTrack(ctx, "prov-1", "session-1", 1)

	if d, _ := c.CheckAndTrack(ctx, "prov-1", "session-2", 1); d.Admitted {
		t.Fatal("expected rejection while slot is held")
	}

	if err := c.Release(ctx, "prov-1", "session-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if d, _ := c.CheckAndTrack(ctx, "prov-1", "session-2", 1); !d.Admitted {
		t.Error("expected admission after release")
	}
}

func TestSlotTTL_ExpiresLeakedSlots(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(30 * time.Millisecond)

	c.CheckAndTrack(ctx, "prov-1", "session-1", 1)
	time.Sleep(50 * time.Millisecond)

	if d, _ := c.CheckAndTrack(ctx, "prov-1", "session-2", 1); !d.Admitted {
		t.Error("expected expired slot to free capacity")
	}
}

func TestProvidersAreIsolated(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	c.CheckAndTrack(ctx, "prov-1", "session-1", 1)

	if d, _ := c.CheckAndTrack(ctx, "prov-2", "session-2", 1); !d.Admitted {
		t.Error("expected providers to track independently")
	}
}

// TestCheckAndTrack_ConcurrentRace drives N concurrent admissions against a
// limit of K and requires exactly K to win: the check and the track must be
// one atomic step.
func TestCheckAndTrack_ConcurrentRace(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryController(time.Minute)

	const (
		n = 64
		k = 5
	)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := c.CheckAndTrack(ctx, "prov-1", fmt.Sprintf("session-%d", i), k)
			if err != nil {
				t.Errorf("CheckAndTrack: %v", err)
				return
			}
			if d.Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != k {
		t.Errorf("expected exactly %d admissions out of %d, got %d", k, n, admitted)
	}

	active, _ := c.ActiveSessions(ctx, "prov-1")
	if active != k {
		t.Errorf("expected %d active sessions, got %d", k, active)
	}
}
