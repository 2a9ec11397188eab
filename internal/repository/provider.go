package repository

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

// Source is the read path the resolver and the outcome handler consume.
// List returns every provider including disabled ones; the filter stage
// tags those instead of hiding them.
type Source interface {
	List(ctx context.Context) ([]*domain.Provider, error)
	GetByID(ctx context.Context, id string) (*domain.Provider, error)
}

// ProviderRepository adds the write path used by the management plane and
// by tests.
type ProviderRepository interface {
	Source
	Create(ctx context.Context, provider *domain.Provider) error
	Update(ctx context.Context, provider *domain.Provider) error
	Delete(ctx context.Context, id string) error
}

type InMemoryProviderRepository struct {
	mu        sync.RWMutex
	providers map[string]*domain.Provider
}

func NewInMemoryProviderRepository(providers ...*domain.Provider) *InMemoryProviderRepository {
	repo := &InMemoryProviderRepository{
		providers: make(map[string]*domain.Provider),
	}
	for _, p := range providers {
		repo.providers[p.ID] = p
	}
	return repo
}

func (r *InMemoryProviderRepository) List(ctx context.Context) ([]*domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out, nil
}

func (r *InMemoryProviderRepository) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return p, nil
}

func (r *InMemoryProviderRepository) Create(ctx context.Context, provider *domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[provider.ID] = provider
	return nil
}

func (r *InMemoryProviderRepository) Update(ctx context.Context, provider *domain.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[provider.ID]; !ok {
		return domain.ErrProviderNotFound
	}
	provider.UpdatedAt = time.Now()
	r.providers[provider.ID] = provider
	return nil
}

func (r *InMemoryProviderRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[id]; !ok {
		return domain.ErrProviderNotFound
	}
	delete(r.providers, id)
	return nil
}
