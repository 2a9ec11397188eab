// Package admission enforces per-provider concurrent-session ceilings with an
// atomic check-and-track step: the decision to admit and the recording of the
// admitted slot are one operation, so concurrent resolution across replicas
// can never overshoot a limit.
package admission

import (
	"context"
	"sync"
	"time"
)

// DefaultSlotTTL bounds how long a tracked slot survives without a release.
// Completion normally releases the slot; the TTL only cleans up after crashed
// or disconnected callers.
const DefaultSlotTTL = 15 * time.Minute

// Decision is the outcome of a check-and-track call. Active is the number of
// tracked sessions after the call.
type Decision struct {
	Admitted bool
	Active   int
}

// Controller tracks concurrent sessions per provider.
//
// CheckAndTrack admits slot for provider iff the provider has capacity; a
// slot already tracked is re-admitted idempotently (its TTL refreshes, the
// count does not grow). limit <= 0 means unconstrained: always admitted,
// still tracked for visibility. Release frees the slot when the request
// completes.
type Controller interface {
	CheckAndTrack(ctx context.Context, providerID, slot string, limit int) (Decision, error)
	Release(ctx context.Context, providerID, slot string) error
	ActiveSessions(ctx context.Context, providerID string) (int, error)
}

// InMemoryController is a single-instance Controller guarded by a mutex.
type InMemoryController struct {
	mu      sync.Mutex
	slots   map[string]map[string]time.Time // providerID → slot → expiry
	slotTTL time.Duration
	now     func() time.Time
}

func NewInMemoryController(slotTTL time.Duration) *InMemoryController {
	if slotTTL <= 0 {
		slotTTL = DefaultSlotTTL
	}
	return &InMemoryController{
		slots:   make(map[string]map[string]time.Time),
		slotTTL: slotTTL,
		now:     time.Now,
	}
}

func (c *InMemoryController) purge(providerID string, now time.Time) map[string]time.Time {
	tracked, ok := c.slots[providerID]
	if !ok {
		tracked = make(map[string]time.Time)
		c.slots[providerID] = tracked
	}
	for slot, expiry := range tracked {
		if !expiry.After(now) {
			delete(tracked, slot)
		}
	}
	return tracked
}

func (c *InMemoryController) CheckAndTrack(ctx context.Context, providerID, slot string, limit int) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	tracked := c.purge(providerID, now)

	if _, ok := tracked[slot]; ok {
		tracked[slot] = now.Add(c.slotTTL)
		return Decision{Admitted: true, Active: len(tracked)}, nil
	}

	if limit > 0 && len(tracked) >= limit {
		return Decision{Admitted: false, Active: len(tracked)}, nil
	}

	tracked[slot] = now.Add(c.slotTTL)
	return Decision{Admitted: true, Active: len(tracked)}, nil
}

func (c *InMemoryController) Release(ctx context.Context, providerID, slot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if tracked, ok := c.slots[providerID]; ok {
		delete(tracked, slot)
	}
	return nil
}

func (c *InMemoryController) ActiveSessions(ctx context.Context, providerID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.purge(providerID, c.now())), nil
}
