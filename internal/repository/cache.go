package repository

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

const DefaultSnapshotTTL = 30 * time.Second

// CachedProviderSource serves provider reads from a periodically refreshed
// snapshot. Selection is read-mostly and tolerates bounded staleness; a
// refresh failure keeps serving the last good snapshot rather than taking
// routing down with the database.
type CachedProviderSource struct {
	source Source
	ttl    time.Duration

	mu        sync.RWMutex
	snapshot  []*domain.Provider
	byID      map[string]*domain.Provider
	fetchedAt time.Time

	now func() time.Time
}

func NewCachedProviderSource(source Source, ttl time.Duration) *CachedProviderSource {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &CachedProviderSource{
		source: source,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (c *CachedProviderSource) List(ctx context.Context) ([]*domain.Provider, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot, nil
}

func (c *CachedProviderSource) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.byID[id]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

// Invalidate forces a refetch on the next read, for callers that just wrote
// through the management plane and want to observe their own change.
func (c *CachedProviderSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchedAt = time.Time{}
}

func (c *CachedProviderSource) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	fresh := c.now().Sub(c.fetchedAt) < c.ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if c.now().Sub(c.fetchedAt) < c.ttl {
		return nil
	}

	providers, err := c.source.List(ctx)
	if err != nil {
		if c.snapshot == nil {
			return err
		}
		slog.Warn("provider snapshot refresh failed, serving stale snapshot",
			"error", err,
			"age", c.now().Sub(c.fetchedAt).String(),
		)
		// Push the next retry out a full TTL so a down database is not
		// hammered on every request.
		c.fetchedAt = c.now()
		return nil
	}

	byID := make(map[string]*domain.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}

	c.snapshot = providers
	c.byID = byID
	c.fetchedAt = c.now()
	return nil
}
