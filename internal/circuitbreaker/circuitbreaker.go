// Package circuitbreaker tracks upstream failure state at two scopes: per
// endpoint (one key per provider id, fed by health probing and completion
// reports) and per provider pool (one key per providerType+groupTag pair,
// which additionally supports a manual-open override for silencing a pool).
//
// States:
//   - Closed: normal operation
//   - Open: failing fast until circuitOpenUntil
//   - Half-Open: probing recovery, closes after enough consecutive successes
//
// Reads are side-effect-free: the effective state is computed from the stored
// record and the clock, and the open → half-open transition is materialized
// by the next write. Writes are atomic per key.
//
// Implementations:
//   - InMemoryStore: single-instance, uses sync.Mutex
//   - RedisStore: distributed, uses Redis hashes with Lua scripts for writes
package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

// State represents the effective state of a circuit.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing fast
	StateHalfOpen              // Probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config defines per-key circuit behavior. Providers carry their own tuning;
// zero fields fall back to the manager defaults.
type Config struct {
	FailureThreshold         int           // Consecutive failures before opening
	OpenDuration             time.Duration // Time before an open circuit admits probes
	HalfOpenSuccessThreshold int           // Consecutive successes to close from half-open
}

// DefaultConfig returns sensible defaults for most upstreams.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		OpenDuration:             30 * time.Second,
		HalfOpenSuccessThreshold: 2,
	}
}

func (c Config) withDefaults(d Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = d.OpenDuration
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	return c
}

// Record is the stored circuit state for one key, with State already
// resolved to the effective value at read time.
type Record struct {
	Key               string    `json:"key"`
	State             State     `json:"-"`
	Failures          int       `json:"failures"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
	LastFailure       time.Time `json:"last_failure,omitempty"`
	OpenUntil         time.Time `json:"open_until,omitempty"`
	ManualOpen        bool      `json:"manual_open,omitempty"`
}

// Transition is the outcome of a write: the effective state before the
// report and the state after it.
type Transition struct {
	Key  string
	From State
	To   State
}

func (t Transition) Changed() bool { return t.From != t.To }

// Store persists circuit records keyed by scope key. Writes are atomic;
// State never mutates.
type Store interface {
	State(ctx context.Context, key string) (Record, error)
	ReportSuccess(ctx context.Context, key string, cfg Config) (Transition, error)
	ReportFailure(ctx context.Context, key string, cfg Config) (Transition, error)
	Reset(ctx context.Context, key string) error
	SetManualOpen(ctx context.Context, key string, open bool) error
}

// EndpointKey returns the endpoint-scope key for a provider id.
func EndpointKey(providerID string) string {
	return "endpoint:" + providerID
}

// GroupKey returns the pool-scope key for a provider type and group tag.
// Untagged providers roll up to the "default" pool of their type.
func GroupKey(pt domain.ProviderType, tag string) string {
	if tag == "" {
		tag = "default"
	}
	return fmt.Sprintf("group:%s:%s", pt, tag)
}

// KeysFor returns every circuit key that gates a provider: its endpoint key
// plus one pool key per group tag.
func KeysFor(p *domain.Provider) []string {
	keys := []string{EndpointKey(p.ID)}
	if len(p.GroupTags) == 0 {
		return append(keys, GroupKey(p.ProviderType, ""))
	}
	for _, tag := range p.GroupTags {
		keys = append(keys, GroupKey(p.ProviderType, tag))
	}
	return keys
}

type record struct {
	state             State
	failures          int
	halfOpenSuccesses int
	lastFailure       time.Time
	openUntil         time.Time
	manualOpen        bool
}

// effective resolves the stored state against the clock without mutating.
func (r *record) effective(now time.Time) State {
	if r.manualOpen {
		return StateOpen
	}
	if r.state == StateOpen && !now.Before(r.openUntil) {
		return StateHalfOpen
	}
	return r.state
}

// materialize applies the timed open → half-open transition before a write.
func (r *record) materialize(now time.Time) {
	if r.state == StateOpen && !now.Before(r.openUntil) {
		r.state = StateHalfOpen
		r.halfOpenSuccesses = 0
	}
}

// InMemoryStore keeps circuit records in process memory. Suitable for
// single-instance deployments and tests.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

func (s *InMemoryStore) get(key string) *record {
	r, ok := s.records[key]
	if !ok {
		r = &record{}
		s.records[key] = r
	}
	return r
}

func (s *InMemoryStore) State(ctx context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return Record{Key: key, State: StateClosed}, nil
	}
	return Record{
		Key:               key,
		State:             r.effective(s.now()),
		Failures:          r.failures,
		HalfOpenSuccesses: r.halfOpenSuccesses,
		LastFailure:       r.lastFailure,
		OpenUntil:         r.openUntil,
		ManualOpen:        r.manualOpen,
	}, nil
}

func (s *InMemoryStore) ReportSuccess(ctx context.Context, key string, cfg Config) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := s.get(key)
	r.materialize(now)
	from := r.state

	switch r.state {
	case StateClosed:
		r.failures = 0
	case StateHalfOpen:
		r.halfOpenSuccesses++
		if r.halfOpenSuccesses >= cfg.HalfOpenSuccessThreshold {
			r.state = StateClosed
			r.failures = 0
			r.halfOpenSuccesses = 0
			r.openUntil = time.Time{}
		}
	case StateOpen:
		// In-flight success from before the circuit opened; ignore.
	}

	return Transition{Key: key, From: from, To: r.state}, nil
}

func (s *InMemoryStore) ReportFailure(ctx context.Context, key string, cfg Config) (Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r := s.get(key)
	r.materialize(now)
	from := r.state

	r.lastFailure = now
	switch r.state {
	case StateClosed:
		r.failures++
		if r.failures >= cfg.FailureThreshold {
			r.state = StateOpen
			r.openUntil = now.Add(cfg.OpenDuration)
			r.halfOpenSuccesses = 0
		}
	case StateHalfOpen:
		r.state = StateOpen
		r.openUntil = now.Add(cfg.OpenDuration)
		r.halfOpenSuccesses = 0
	case StateOpen:
		r.failures++
		r.openUntil = now.Add(cfg.OpenDuration)
	}

	return Transition{Key: key, From: from, To: r.state}, nil
}

func (s *InMemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

func (s *InMemoryStore) SetManualOpen(ctx context.Context, key string, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(key).manualOpen = open
	return nil
}

// TransitionHook is invoked after any write that changed a circuit's state.
type TransitionHook func(ctx context.Context, t Transition)

// Manager applies per-provider tuning over a Store, fans completion reports
// out to both scopes, and runs transition hooks (logging, metrics, alerts).
// Reads fail open: a store outage never blocks resolution.
type Manager struct {
	store    Store
	defaults Config
	hooks    []TransitionHook
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTransitionHook registers a hook fired on every state change.
func WithTransitionHook(h TransitionHook) ManagerOption {
	return func(m *Manager) {
		m.hooks = append(m.hooks, h)
	}
}

func NewManager(store Store, defaults Config, opts ...ManagerOption) *Manager {
	m := &Manager{store: store, defaults: defaults.withDefaults(DefaultConfig())}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsOpen reports whether the circuit at key is effectively open. Store
// outages fail open so that a coordination hiccup cannot empty the
// candidate pool.
func (m *Manager) IsOpen(ctx context.Context, key string) bool {
	rec, err := m.store.State(ctx, key)
	if err != nil {
		slog.Warn("circuit state read failed, failing open", "key", key, "error", err)
		return false
	}
	return rec.State == StateOpen
}

// AnyOpen reports whether any of the keys is effectively open.
func (m *Manager) AnyOpen(ctx context.Context, keys []string) bool {
	for _, key := range keys {
		if m.IsOpen(ctx, key) {
			return true
		}
	}
	return false
}

// State returns the effective record for one key.
func (m *Manager) State(ctx context.Context, key string) (Record, error) {
	return m.store.State(ctx, key)
}

// States returns effective records for a set of keys, skipping unreadable
// ones.
func (m *Manager) States(ctx context.Context, keys []string) map[string]Record {
	out := make(map[string]Record, len(keys))
	for _, key := range keys {
		rec, err := m.store.State(ctx, key)
		if err != nil {
			slog.Warn("circuit state read failed", "key", key, "error", err)
			continue
		}
		out[key] = rec
	}
	return out
}

// configFor derives the circuit tuning for a provider.
func (m *Manager) configFor(p *domain.Provider) Config {
	return Config{
		FailureThreshold:         p.FailureThreshold,
		OpenDuration:             time.Duration(p.OpenDurationMs) * time.Millisecond,
		HalfOpenSuccessThreshold: p.HalfOpenSuccessThreshold,
	}.withDefaults(m.defaults)
}

// ReportOutcome records a completion result against every key gating the
// provider: the endpoint circuit and each pool circuit.
func (m *Manager) ReportOutcome(ctx context.Context, p *domain.Provider, success bool) {
	cfg := m.configFor(p)
	for _, key := range KeysFor(p) {
		m.report(ctx, key, cfg, success)
	}
}

// ReportEndpoint records a health-probe result against the endpoint circuit
// only.
func (m *Manager) ReportEndpoint(ctx context.Context, p *domain.Provider, success bool) {
	m.report(ctx, EndpointKey(p.ID), m.configFor(p), success)
}

func (m *Manager) report(ctx context.Context, key string, cfg Config, success bool) {
	var (
		t   Transition
		err error
	)
	if success {
		t, err = m.store.ReportSuccess(ctx, key, cfg)
	} else {
		t, err = m.store.ReportFailure(ctx, key, cfg)
	}
	if err != nil {
		slog.Warn("circuit report failed", "key", key, "success", success, "error", err)
		return
	}
	if t.Changed() {
		slog.Info("circuit state changed",
			"key", key,
			"from", t.From.String(),
			"to", t.To.String(),
		)
		for _, h := range m.hooks {
			h(ctx, t)
		}
	}
}

// Reset clears the record at key, returning it to closed with zero counters.
// A manual-open flag on the key is cleared as well.
func (m *Manager) Reset(ctx context.Context, key string) error {
	return m.store.Reset(ctx, key)
}

// SetManualOpen forces a pool circuit open (or releases it). Only group-scope
// keys accept the override.
func (m *Manager) SetManualOpen(ctx context.Context, key string, open bool) error {
	if len(key) < 6 || key[:6] != "group:" {
		return fmt.Errorf("manual open only applies to group keys, got %q", key)
	}
	before, err := m.store.State(ctx, key)
	if err != nil {
		return err
	}
	if err := m.store.SetManualOpen(ctx, key, open); err != nil {
		return err
	}
	after, err := m.store.State(ctx, key)
	if err != nil {
		return err
	}
	t := Transition{Key: key, From: before.State, To: after.State}
	if t.Changed() {
		slog.Info("circuit manually toggled", "key", key, "open", open)
		for _, h := range m.hooks {
			h(ctx, t)
		}
	}
	return nil
}
