// Package cost tracks windowed provider spend for the admission-side limit
// checks: a rolling five-hour window plus calendar week and month, all in
// USD and UTC. Recording happens on the completion path; the resolver only
// reads, and fails open when a read fails.
package cost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

// Window identifies one spend accounting window.
type Window int

const (
	Window5h Window = iota
	WindowWeekly
	WindowMonthly
)

func (w Window) String() string {
	switch w {
	case Window5h:
		return "5h"
	case WindowWeekly:
		return "weekly"
	case WindowMonthly:
		return "monthly"
	default:
		return "unknown"
	}
}

// Store accumulates and reads per-provider spend.
type Store interface {
	// Record adds spend observed at the given time.
	Record(ctx context.Context, providerID string, costUSD float64, at time.Time) error

	// WindowSpend returns the spend accumulated in the window containing now.
	WindowSpend(ctx context.Context, providerID string, w Window) (float64, error)
}

// limitFor maps a window to the provider's configured ceiling.
func limitFor(p *domain.Provider, w Window) float64 {
	switch w {
	case Window5h:
		return p.Limit5hUSD
	case WindowWeekly:
		return p.LimitWeeklyUSD
	case WindowMonthly:
		return p.LimitMonthlyUSD
	}
	return 0
}

// ExceededWindow reports the first window whose configured limit is
// exhausted for the provider. Windows without a limit are skipped.
func ExceededWindow(ctx context.Context, s Store, p *domain.Provider) (Window, bool, error) {
	for _, w := range []Window{Window5h, WindowWeekly, WindowMonthly} {
		limit := limitFor(p, w)
		if limit <= 0 {
			continue
		}
		spend, err := s.WindowSpend(ctx, p.ID, w)
		if err != nil {
			return w, false, err
		}
		if spend >= limit {
			return w, true, nil
		}
	}
	return 0, false, nil
}

type spendRecord struct {
	providerID string
	costUSD    float64
	at         time.Time
}

// InMemoryStore keeps raw spend records and sums them on read. Suitable for
// tests and single-instance deployments.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []spendRecord
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{now: time.Now}
}

func (s *InMemoryStore) Record(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, spendRecord{providerID: providerID, costUSD: costUSD, at: at.UTC()})
	return nil
}

func (s *InMemoryStore) WindowSpend(ctx context.Context, providerID string, w Window) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now().UTC()
	var total float64
	for _, r := range s.records {
		if r.providerID != providerID {
			continue
		}
		if inWindow(r.at, now, w) {
			total += r.costUSD
		}
	}
	return total, nil
}

func inWindow(at, now time.Time, w Window) bool {
	switch w {
	case Window5h:
		return !at.Before(now.Add(-5 * time.Hour)) && !at.After(now)
	case WindowWeekly:
		ay, aw := at.ISOWeek()
		ny, nw := now.ISOWeek()
		return ay == ny && aw == nw
	case WindowMonthly:
		return at.Year() == now.Year() && at.Month() == now.Month()
	}
	return false
}

// Bucket keys shared by the Redis store and its tests.

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func weekBucket(t time.Time) string {
	y, w := t.UTC().ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

func monthBucket(t time.Time) string {
	return t.UTC().Format("2006-01")
}
