package router

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/modelmux/modelmux/internal/admission"
	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/repository"
	"github.com/modelmux/modelmux/internal/session"
)

type testEnv struct {
	resolver     *Resolver
	providers    *repository.InMemoryProviderRepository
	circuitStore *circuitbreaker.InMemoryStore
	circuits     *circuitbreaker.Manager
	admissions   *admission.InMemoryController
	sessions     *session.InMemoryStore
	costs        *cost.InMemoryStore
	degradation  *policy.Degradation
	sink         *audit.InMemorySink
	recorder     *audit.Recorder

	closeOnce sync.Once
}

func newTestEnv(t *testing.T, providers ...*domain.Provider) *testEnv {
	t.Helper()

	env := &testEnv{
		providers:    repository.NewInMemoryProviderRepository(providers...),
		circuitStore: circuitbreaker.NewInMemoryStore(),
		admissions:   admission.NewInMemoryController(time.Minute),
		sessions:     session.NewInMemoryStore(time.Minute),
		costs:        cost.NewInMemoryStore(),
		sink:         audit.NewInMemorySink(),
	}
	env.circuits = circuitbreaker.NewManager(env.circuitStore, circuitbreaker.DefaultConfig())
	env.degradation = policy.NewDegradation(repository.NewInMemorySettingsRepository(), false)
	env.recorder = audit.NewRecorder(256, env.sink)

	env.resolver = NewResolver(
		env.providers,
		env.circuits,
		env.admissions,
		env.sessions,
		env.costs,
		env.degradation,
		env.recorder,
		WithRand(rand.New(rand.NewSource(42))),
	)

	t.Cleanup(func() { env.close() })
	return env
}

func (e *testEnv) close() {
	e.closeOnce.Do(func() { e.recorder.Close() })
}

// trails drains the recorder and returns everything the sink saw.
func (e *testEnv) trails(t *testing.T) []*audit.Trail {
	t.Helper()
	e.close()
	return e.sink.Trails()
}

func (e *testEnv) lastTrail(t *testing.T) *audit.Trail {
	t.Helper()
	trails := e.trails(t)
	if len(trails) == 0 {
		t.Fatal("no trails recorded")
	}
	return trails[len(trails)-1]
}

func (e *testEnv) enableDegradation(t *testing.T) {
	t.Helper()
	if err := e.degradation.Set(context.Background(), true); err != nil {
		t.Fatalf("enable degradation: %v", err)
	}
}

var providerSeq int

func testProvider(id string, mods ...func(*domain.Provider)) *domain.Provider {
	providerSeq++
	p := &domain.Provider{
		ID:             id,
		Name:           "provider-" + id,
		ProviderType:   domain.ProviderClaude,
		Enabled:        true,
		Weight:         1,
		CostMultiplier: 1,
		CreatedAt:      time.Now().Add(time.Duration(providerSeq) * time.Millisecond),
	}
	for _, mod := range mods {
		mod(p)
	}
	return p
}

func request(id, model string) Request {
	return Request{RequestID: id, Model: model}
}

func TestModelSupports(t *testing.T) {
	tests := []struct {
		name     string
		provider *domain.Provider
		model    string
		want     bool
	}{
		{
			name:     "claude model on claude provider",
			provider: testProvider("a"),
			model:    "claude-sonnet-4",
			want:     true,
		},
		{
			name:     "claude model on claude-auth provider",
			provider: testProvider("a", func(p *domain.Provider) { p.ProviderType = domain.ProviderClaudeAuth }),
			model:    "Claude-Opus-4",
			want:     true,
		},
		{
			name:     "claude model on openai provider without declaration",
			provider: testProvider("a", func(p *domain.Provider) { p.ProviderType = domain.ProviderOpenAICompatible }),
			model:    "claude-sonnet-4",
			want:     false,
		},
		{
			name: "claude model on openai provider via allow list",
			provider: testProvider("a", func(p *domain.Provider) {
				p.ProviderType = domain.ProviderOpenAICompatible
				p.AllowedModels = []string{"claude-sonnet-4"}
			}),
			model: "claude-sonnet-4",
			want:  true,
		},
		{
			name: "claude model on openai provider via redirect key",
			provider: testProvider("a", func(p *domain.Provider) {
				p.ProviderType = domain.ProviderOpenAICompatible
				p.ModelRedirects = map[string]string{"claude-sonnet-4": "gpt-5"}
			}),
			model: "claude-sonnet-4",
			want:  true,
		},
		{
			name:     "non-claude model on claude provider",
			provider: testProvider("a"),
			model:    "gpt-5",
			want:     false,
		},
		{
			name: "non-claude model on claude provider via allow list",
			provider: testProvider("a", func(p *domain.Provider) {
				p.AllowedModels = []string{"gpt-5"}
			}),
			model: "gpt-5",
			want:  true,
		},
		{
			name:     "non-claude model on openai provider",
			provider: testProvider("a", func(p *domain.Provider) { p.ProviderType = domain.ProviderGemini }),
			model:    "gemini-2.5-pro",
			want:     true,
		},
		{
			name: "allow list restricts family serving",
			provider: testProvider("a", func(p *domain.Provider) {
				p.AllowedModels = []string{"claude-haiku-4"}
			}),
			model: "claude-sonnet-4",
			want:  false,
		},
		{
			name: "unrelated redirect keys leave family rule intact",
			provider: testProvider("a", func(p *domain.Provider) {
				p.ModelRedirects = map[string]string{"claude-haiku-4": "claude-sonnet-4"}
			}),
			model: "claude-sonnet-4",
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := modelSupports(tt.provider, tt.model); got != tt.want {
				t.Errorf("modelSupports() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdmissionSlot(t *testing.T) {
	if got := admissionSlot(Request{RequestID: "r1", SessionID: "s1"}); got != "s1" {
		t.Errorf("slot = %q, want session id", got)
	}
	if got := admissionSlot(Request{RequestID: "r1"}); got != "r1" {
		t.Errorf("slot = %q, want request id", got)
	}
}

func TestResolve_SingleProvider(t *testing.T) {
	env := newTestEnv(t, testProvider("p1"))

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	if sel.Provider.ID != "p1" {
		t.Errorf("selected %q, want p1", sel.Provider.ID)
	}
	if sel.EffectiveModel != "claude-sonnet-4" {
		t.Errorf("EffectiveModel = %q", sel.EffectiveModel)
	}
	if sel.Attempt != 1 || sel.Reused {
		t.Errorf("Attempt = %d Reused = %v, want 1/false", sel.Attempt, sel.Reused)
	}
	if sel.Slot != "r1" {
		t.Errorf("Slot = %q, want r1", sel.Slot)
	}

	trail := env.lastTrail(t)
	if trail.Outcome != audit.OutcomeSelected || trail.SelectedProviderID != "p1" {
		t.Errorf("trail outcome = %q/%q", trail.Outcome, trail.SelectedProviderID)
	}
	if len(trail.Attempts) != 1 {
		t.Fatalf("len(Attempts) = %d, want 1", len(trail.Attempts))
	}
	attempt := trail.Attempts[0]
	if attempt.Reason != audit.ReasonInitialSelection {
		t.Errorf("reason = %q, want initial_selection", attempt.Reason)
	}
	if attempt.Decision == nil {
		t.Fatal("decision context missing on selection attempt")
	}
	if attempt.Decision.TotalProviders != 1 || attempt.Decision.EnabledProviders != 1 || attempt.Decision.EligibleProviders != 1 {
		t.Errorf("counts = %d/%d/%d, want 1/1/1",
			attempt.Decision.TotalProviders, attempt.Decision.EnabledProviders, attempt.Decision.EligibleProviders)
	}
	if attempt.Decision.SelectedID != "p1" {
		t.Errorf("decision SelectedID = %q", attempt.Decision.SelectedID)
	}
}

func TestResolve_ModelRedirect(t *testing.T) {
	env := newTestEnv(t, testProvider("p1", func(p *domain.Provider) {
		p.ProviderType = domain.ProviderOpenAICompatible
		p.ModelRedirects = map[string]string{"claude-sonnet-4": "gpt-5-large"}
	}))

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.EffectiveModel != "gpt-5-large" {
		t.Errorf("EffectiveModel = %q, want gpt-5-large", sel.EffectiveModel)
	}
}

func TestResolve_NoProviders(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))

	var noEligible *domain.NoEligibleProviderError
	if !errors.As(err, &noEligible) {
		t.Fatalf("Resolve() error = %v, want NoEligibleProviderError", err)
	}

	trail := env.lastTrail(t)
	if trail.Outcome != audit.OutcomeNoEligibleProvider {
		t.Errorf("trail outcome = %q", trail.Outcome)
	}
}

func TestResolve_DisabledProvidersTagged(t *testing.T) {
	env := newTestEnv(t,
		testProvider("p1", func(p *domain.Provider) { p.Enabled = false }),
		testProvider("p2"),
	)

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "p2" {
		t.Errorf("selected %q, want p2", sel.Provider.ID)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if decision.EnabledProviders != 1 {
		t.Errorf("EnabledProviders = %d, want 1", decision.EnabledProviders)
	}
	if reason, ok := decision.FilterReasonFor("p1"); !ok || reason != audit.FilterDisabled {
		t.Errorf("p1 reason = %q ok=%v, want disabled", reason, ok)
	}
}

func TestResolve_PriorityTiering(t *testing.T) {
	env := newTestEnv(t,
		testProvider("low", func(p *domain.Provider) { p.Priority = 1; p.Weight = 100 }),
		testProvider("high-a", func(p *domain.Provider) { p.Priority = 0 }),
		testProvider("high-b", func(p *domain.Provider) { p.Priority = 0 }),
	)

	for i := 0; i < 50; i++ {
		sel, err := env.resolver.Resolve(context.Background(), request(fmt.Sprintf("r%d", i), "claude-sonnet-4"))
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if sel.Provider.ID == "low" {
			t.Fatal("higher-priority-number provider selected while lower tier eligible")
		}
	}

	trail := env.lastTrail(t)
	decision := trail.Attempts[0].Decision
	if len(decision.PriorityLevels) != 2 || decision.PriorityLevels[0] != 0 || decision.PriorityLevels[1] != 1 {
		t.Errorf("PriorityLevels = %v, want [0 1]", decision.PriorityLevels)
	}
	if decision.ChosenPriority != 0 {
		t.Errorf("ChosenPriority = %d, want 0", decision.ChosenPriority)
	}
	if len(decision.Tier) != 2 {
		t.Errorf("tier size = %d, want 2", len(decision.Tier))
	}
}

func TestResolve_WeightedProbabilities(t *testing.T) {
	env := newTestEnv(t,
		testProvider("w1", func(p *domain.Provider) { p.Weight = 1 }),
		testProvider("w3", func(p *domain.Provider) { p.Weight = 3; p.CostMultiplier = 2 }),
		testProvider("excluded-tier", func(p *domain.Provider) { p.Weight = 5; p.Priority = 1 }),
	)

	const trials = 4000
	counts := map[string]int{}
	for i := 0; i < trials; i++ {
		sel, err := env.resolver.Resolve(context.Background(), request(fmt.Sprintf("r%d", i), "claude-sonnet-4"))
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		counts[sel.Provider.ID]++
	}

	if counts["excluded-tier"] != 0 {
		t.Errorf("lower tier selected %d times", counts["excluded-tier"])
	}

	gotW1 := float64(counts["w1"]) / trials
	if math.Abs(gotW1-0.25) > 0.05 {
		t.Errorf("w1 frequency = %.3f, want ~0.25", gotW1)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	probs := map[string]float64{}
	for _, c := range decision.Tier {
		probs[c.ProviderID] = c.Probability
	}
	if probs["w1"] != 0.25 || probs["w3"] != 0.75 {
		t.Errorf("recorded probabilities = %v, want w1=0.25 w3=0.75", probs)
	}

	// costMultiplier orders the tier, cheapest first.
	if decision.Tier[0].ProviderID != "w1" {
		t.Errorf("tier[0] = %q, want cheapest first", decision.Tier[0].ProviderID)
	}
}

func TestResolve_ZeroWeightUniform(t *testing.T) {
	env := newTestEnv(t,
		testProvider("z1", func(p *domain.Provider) { p.Weight = 0 }),
		testProvider("z2", func(p *domain.Provider) { p.Weight = 0 }),
	)

	counts := map[string]int{}
	const trials = 2000
	for i := 0; i < trials; i++ {
		sel, err := env.resolver.Resolve(context.Background(), request(fmt.Sprintf("r%d", i), "claude-sonnet-4"))
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		counts[sel.Provider.ID]++
	}

	got := float64(counts["z1"]) / trials
	if math.Abs(got-0.5) > 0.05 {
		t.Errorf("z1 frequency = %.3f, want ~0.5 under uniform fallback", got)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	for _, c := range decision.Tier {
		if c.Probability != 0.5 {
			t.Errorf("candidate %s probability = %v, want 0.5", c.ProviderID, c.Probability)
		}
	}
}

func TestResolve_GroupFiltering(t *testing.T) {
	env := newTestEnv(t,
		testProvider("team-a", func(p *domain.Provider) { p.GroupTags = []string{"team-a"} }),
		testProvider("team-b", func(p *domain.Provider) { p.GroupTags = []string{"team-b"} }),
	)

	req := request("r1", "claude-sonnet-4")
	req.Groups = []string{"team-a"}

	sel, err := env.resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "team-a" {
		t.Errorf("selected %q, want team-a", sel.Provider.ID)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if !decision.GroupFilterApplied {
		t.Error("GroupFilterApplied not set")
	}
	if reason, ok := decision.FilterReasonFor("team-b"); !ok || reason != audit.FilterGroupMismatch {
		t.Errorf("team-b reason = %q ok=%v, want group_mismatch", reason, ok)
	}
}

func TestResolve_UntaggedProviderServesAllGroups(t *testing.T) {
	env := newTestEnv(t, testProvider("open"))

	req := request("r1", "claude-sonnet-4")
	req.Groups = []string{"team-a"}

	sel, err := env.resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "open" {
		t.Errorf("selected %q, want open", sel.Provider.ID)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if decision.Degraded {
		t.Error("untagged provider pick marked degraded")
	}
}

func TestResolve_GroupMismatch_NoDegradation(t *testing.T) {
	env := newTestEnv(t,
		testProvider("team-b", func(p *domain.Provider) { p.GroupTags = []string{"team-b"} }),
	)

	req := request("r1", "claude-sonnet-4")
	req.Groups = []string{"team-a"}

	_, err := env.resolver.Resolve(context.Background(), req)

	var noEligible *domain.NoEligibleProviderError
	if !errors.As(err, &noEligible) {
		t.Fatalf("Resolve() error = %v, want NoEligibleProviderError", err)
	}
	if noEligible.Degraded {
		t.Error("Degraded flag set with degradation disabled")
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if reason, ok := decision.FilterReasonFor("team-b"); !ok || reason != audit.FilterGroupMismatch {
		t.Errorf("team-b reason = %q ok=%v, want group_mismatch", reason, ok)
	}
}

func TestResolve_CrossGroupDegradation(t *testing.T) {
	env := newTestEnv(t,
		testProvider("team-b", func(p *domain.Provider) { p.GroupTags = []string{"team-b"} }),
	)
	env.enableDegradation(t)

	req := request("r1", "claude-sonnet-4")
	req.Groups = []string{"team-a"}

	sel, err := env.resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "team-b" {
		t.Errorf("selected %q, want degraded fallback", sel.Provider.ID)
	}

	trail := env.lastTrail(t)
	attempt := trail.Attempts[0]
	if attempt.Reason != audit.ReasonCrossGroupDegradation {
		t.Errorf("reason = %q, want cross_group_degradation", attempt.Reason)
	}
	if !attempt.Decision.Degraded {
		t.Error("decision not marked degraded")
	}
	// The fallback pool reached selection, so no group_mismatch tags survive.
	if _, ok := attempt.Decision.FilterReasonFor("team-b"); ok {
		t.Error("degraded candidate still carries a filter tag")
	}
}

func TestResolve_CircuitOpenFiltered(t *testing.T) {
	env := newTestEnv(t,
		testProvider("down"),
		testProvider("up"),
	)

	cfg := circuitbreaker.Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}
	if _, err := env.circuitStore.ReportFailure(context.Background(), circuitbreaker.EndpointKey("down"), cfg); err != nil {
		t.Fatalf("open circuit: %v", err)
	}

	for i := 0; i < 10; i++ {
		sel, err := env.resolver.Resolve(context.Background(), request(fmt.Sprintf("r%d", i), "claude-sonnet-4"))
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if sel.Provider.ID != "up" {
			t.Fatalf("selected %q with open circuit", sel.Provider.ID)
		}
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if reason, ok := decision.FilterReasonFor("down"); !ok || reason != audit.FilterCircuitOpen {
		t.Errorf("down reason = %q ok=%v, want circuit_open", reason, ok)
	}
}

func TestResolve_ManualGroupOpenSilencesPool(t *testing.T) {
	env := newTestEnv(t,
		testProvider("pooled", func(p *domain.Provider) { p.GroupTags = []string{"team-a", "team-b"} }),
		testProvider("other", func(p *domain.Provider) { p.GroupTags = []string{"team-c"} }),
	)

	key := circuitbreaker.GroupKey(domain.ProviderClaude, "team-b")
	if err := env.circuits.SetManualOpen(context.Background(), key, true); err != nil {
		t.Fatalf("SetManualOpen: %v", err)
	}

	// Any open group circuit silences a provider carrying that tag.
	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "other" {
		t.Errorf("selected %q, want other", sel.Provider.ID)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if reason, ok := decision.FilterReasonFor("pooled"); !ok || reason != audit.FilterCircuitOpen {
		t.Errorf("pooled reason = %q ok=%v, want circuit_open", reason, ok)
	}
}

func TestResolve_FailOpenWhenAllUnhealthy(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a"),
		testProvider("b"),
	)

	cfg := circuitbreaker.Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}
	for _, id := range []string{"a", "b"} {
		if _, err := env.circuitStore.ReportFailure(context.Background(), circuitbreaker.EndpointKey(id), cfg); err != nil {
			t.Fatalf("open circuit %s: %v", id, err)
		}
	}

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v, fail-open expected a pick", err)
	}
	if sel.Provider == nil {
		t.Fatal("no provider selected")
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if !decision.FailedOpen {
		t.Error("decision not marked failed-open")
	}
	// The whole pre-filter set reached selection, so its health tags are gone.
	for _, id := range []string{"a", "b"} {
		if _, ok := decision.FilterReasonFor(id); ok {
			t.Errorf("%s still tagged after fail-open", id)
		}
	}
	if len(decision.Tier) != 2 {
		t.Errorf("tier size = %d, want the pre-filter pair", len(decision.Tier))
	}
}

func TestResolve_CostWindowExhausted(t *testing.T) {
	env := newTestEnv(t,
		testProvider("capped", func(p *domain.Provider) { p.Limit5hUSD = 1.0 }),
		testProvider("free"),
	)

	// Spend exactly at the limit counts as exhausted.
	if err := env.costs.Record(context.Background(), "capped", 1.0, time.Now()); err != nil {
		t.Fatalf("record spend: %v", err)
	}

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "free" {
		t.Errorf("selected %q, want free", sel.Provider.ID)
	}

	decision := env.lastTrail(t).Attempts[0].Decision
	if reason, ok := decision.FilterReasonFor("capped"); !ok || reason != audit.FilterRateLimited {
		t.Errorf("capped reason = %q ok=%v, want rate_limited", reason, ok)
	}
}

func TestResolve_AdmissionFailover(t *testing.T) {
	env := newTestEnv(t,
		testProvider("busy", func(p *domain.Provider) { p.LimitConcurrentSessions = 1; p.Weight = 5 }),
		testProvider("spare", func(p *domain.Provider) { p.Weight = 0 }),
	)

	// Saturate the weighted favorite with a foreign slot.
	if _, err := env.admissions.CheckAndTrack(context.Background(), "busy", "other-session", 1); err != nil {
		t.Fatalf("pre-fill admission: %v", err)
	}

	sel, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "spare" {
		t.Errorf("selected %q, want spare", sel.Provider.ID)
	}
	if sel.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", sel.Attempt)
	}

	trail := env.lastTrail(t)
	if len(trail.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(trail.Attempts))
	}
	if trail.Attempts[0].Reason != audit.ReasonConcurrentLimitFailed || trail.Attempts[0].ProviderID != "busy" {
		t.Errorf("attempt 1 = %q/%q", trail.Attempts[0].ProviderID, trail.Attempts[0].Reason)
	}
	if trail.Attempts[1].Reason != audit.ReasonRetryFailed || trail.Attempts[1].ProviderID != "spare" {
		t.Errorf("attempt 2 = %q/%q", trail.Attempts[1].ProviderID, trail.Attempts[1].Reason)
	}

	// The rejected provider carries the decision that picked it, tagged
	// excluded in the follow-up decision.
	second := trail.Attempts[1].Decision
	if reason, ok := second.FilterReasonFor("busy"); !ok || reason != audit.FilterExcluded {
		t.Errorf("busy reason in retry decision = %q ok=%v, want excluded", reason, ok)
	}
}

func TestResolve_AdmissionExhausted(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("b", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
	)

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := env.admissions.CheckAndTrack(ctx, id, "other-"+id, 1); err != nil {
			t.Fatalf("pre-fill %s: %v", id, err)
		}
	}

	_, err := env.resolver.Resolve(ctx, request("r1", "claude-sonnet-4"))

	var exhausted *domain.AdmissionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want AdmissionExhaustedError", err)
	}
	if exhausted.ProvidersTried != 2 {
		t.Errorf("ProvidersTried = %d, want 2", exhausted.ProvidersTried)
	}

	trail := env.lastTrail(t)
	if trail.Outcome != audit.OutcomeAdmissionExhausted {
		t.Errorf("trail outcome = %q", trail.Outcome)
	}
	for i, a := range trail.Attempts {
		if a.Reason != audit.ReasonConcurrentLimitFailed {
			t.Errorf("attempt %d reason = %q", i, a.Reason)
		}
	}
}

func TestResolve_AttemptBound(t *testing.T) {
	providers := make([]*domain.Provider, 0, 5)
	for i := 0; i < 5; i++ {
		providers = append(providers, testProvider(fmt.Sprintf("p%d", i), func(p *domain.Provider) {
			p.LimitConcurrentSessions = 1
		}))
	}
	env := newTestEnv(t, providers...)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("p%d", i)
		if _, err := env.admissions.CheckAndTrack(ctx, id, "other-"+id, 1); err != nil {
			t.Fatalf("pre-fill %s: %v", id, err)
		}
	}

	_, err := env.resolver.Resolve(ctx, request("r1", "claude-sonnet-4"))

	var exhausted *domain.AdmissionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want AdmissionExhaustedError", err)
	}
	if exhausted.ProvidersTried != MaxAttempts {
		t.Errorf("ProvidersTried = %d, want the %d-attempt bound", exhausted.ProvidersTried, MaxAttempts)
	}
}

func TestResolve_EachRequestLandsSomewhere(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("b", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("c", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
	)

	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		req := Request{RequestID: fmt.Sprintf("r%d", i), SessionID: fmt.Sprintf("s%d", i), Model: "claude-sonnet-4"}
		sel, err := env.resolver.Resolve(ctx, req)
		if err != nil {
			t.Fatalf("Resolve(%d) error: %v", i, err)
		}
		if seen[sel.Provider.ID] {
			t.Fatalf("provider %q admitted twice at limit 1", sel.Provider.ID)
		}
		seen[sel.Provider.ID] = true
	}

	_, err := env.resolver.Resolve(ctx, Request{RequestID: "r3", SessionID: "s3", Model: "claude-sonnet-4"})
	var exhausted *domain.AdmissionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("fourth Resolve() error = %v, want AdmissionExhaustedError", err)
	}
}

func TestResolve_SessionAffinityReuse(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a"),
		testProvider("b"),
	)

	ctx := context.Background()
	req := Request{RequestID: "r1", SessionID: "sess", Model: "claude-sonnet-4"}

	first, err := env.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := env.resolver.Resolve(ctx, Request{RequestID: fmt.Sprintf("r%d", i+2), SessionID: "sess", Model: "claude-sonnet-4"})
		if err != nil {
			t.Fatalf("Resolve() error: %v", err)
		}
		if again.Provider.ID != first.Provider.ID {
			t.Fatalf("session moved from %q to %q", first.Provider.ID, again.Provider.ID)
		}
		if !again.Reused {
			t.Error("Reused not set on affinity hit")
		}
		if again.Slot != "sess" {
			t.Errorf("Slot = %q, want session id", again.Slot)
		}
	}

	trail := env.lastTrail(t)
	if trail.Attempts[0].Reason != audit.ReasonSessionReuse {
		t.Errorf("reason = %q, want session_reuse", trail.Attempts[0].Reason)
	}
	if trail.Attempts[0].Decision != nil {
		t.Error("reuse attempt carries a selection decision context")
	}
}

func TestResolve_SessionDiscardedWhenUnsuitable(t *testing.T) {
	tests := []struct {
		name string
		brk  func(t *testing.T, env *testEnv, bound *domain.Provider)
	}{
		{
			name: "provider disabled",
			brk: func(t *testing.T, env *testEnv, bound *domain.Provider) {
				bound.Enabled = false
				if err := env.providers.Update(context.Background(), bound); err != nil {
					t.Fatalf("update: %v", err)
				}
			},
		},
		{
			name: "circuit open",
			brk: func(t *testing.T, env *testEnv, bound *domain.Provider) {
				cfg := circuitbreaker.Config{FailureThreshold: 1, OpenDuration: time.Minute, HalfOpenSuccessThreshold: 1}
				if _, err := env.circuitStore.ReportFailure(context.Background(), circuitbreaker.EndpointKey(bound.ID), cfg); err != nil {
					t.Fatalf("open circuit: %v", err)
				}
			},
		},
		{
			name: "binding gone from snapshot",
			brk: func(t *testing.T, env *testEnv, bound *domain.Provider) {
				if err := env.providers.Delete(context.Background(), bound.ID); err != nil {
					t.Fatalf("delete: %v", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t,
				testProvider("bound"),
				testProvider("fallback"),
			)
			ctx := context.Background()

			if err := env.sessions.Bind(ctx, "sess", "bound"); err != nil {
				t.Fatalf("bind: %v", err)
			}

			bound, err := env.providers.GetByID(ctx, "bound")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			tt.brk(t, env, bound)

			sel, err := env.resolver.Resolve(ctx, Request{RequestID: "r1", SessionID: "sess", Model: "claude-sonnet-4"})
			if err != nil {
				t.Fatalf("Resolve() error: %v", err)
			}
			if sel.Provider.ID != "fallback" {
				t.Errorf("selected %q, want fallback", sel.Provider.ID)
			}
			if sel.Reused {
				t.Error("Reused set after discarded binding")
			}

			// The session now follows the fresh pick.
			if got, err := env.sessions.BoundProvider(ctx, "sess"); err != nil || got != "fallback" {
				t.Errorf("binding after resolve = %q/%v, want fallback", got, err)
			}
		})
	}
}

func TestResolve_SessionDiscardedOnModelMismatch(t *testing.T) {
	env := newTestEnv(t,
		testProvider("claude-only"),
		testProvider("gpt", func(p *domain.Provider) { p.ProviderType = domain.ProviderOpenAICompatible }),
	)
	ctx := context.Background()

	if err := env.sessions.Bind(ctx, "sess", "claude-only"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	sel, err := env.resolver.Resolve(ctx, Request{RequestID: "r1", SessionID: "sess", Model: "gpt-5"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "gpt" {
		t.Errorf("selected %q, want gpt", sel.Provider.ID)
	}
}

func TestResolve_SessionDiscardedOnGroupMismatch(t *testing.T) {
	env := newTestEnv(t,
		testProvider("team-b", func(p *domain.Provider) { p.GroupTags = []string{"team-b"} }),
		testProvider("team-a", func(p *domain.Provider) { p.GroupTags = []string{"team-a"} }),
	)
	ctx := context.Background()

	if err := env.sessions.Bind(ctx, "sess", "team-b"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	req := Request{RequestID: "r1", SessionID: "sess", Model: "claude-sonnet-4", Groups: []string{"team-a"}}
	sel, err := env.resolver.Resolve(ctx, req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "team-a" {
		t.Errorf("selected %q, want team-a", sel.Provider.ID)
	}
}

func TestResolve_SessionReuseRerunsAdmission(t *testing.T) {
	env := newTestEnv(t,
		testProvider("bound", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("fallback"),
	)
	ctx := context.Background()

	if err := env.sessions.Bind(ctx, "sess", "bound"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	// The session's own slot is not tracked; a foreign slot fills the only
	// seat, so the reuse admission check must reject.
	if _, err := env.admissions.CheckAndTrack(ctx, "bound", "other-session", 1); err != nil {
		t.Fatalf("pre-fill: %v", err)
	}

	sel, err := env.resolver.Resolve(ctx, Request{RequestID: "r1", SessionID: "sess", Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "fallback" {
		t.Errorf("selected %q, want fallback", sel.Provider.ID)
	}
	if sel.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2 with the reuse rejection counted", sel.Attempt)
	}

	trail := env.lastTrail(t)
	if len(trail.Attempts) != 2 {
		t.Fatalf("len(Attempts) = %d, want 2", len(trail.Attempts))
	}
	if trail.Attempts[0].Reason != audit.ReasonConcurrentLimitFailed {
		t.Errorf("attempt 1 reason = %q", trail.Attempts[0].Reason)
	}
	if trail.Attempts[1].Reason != audit.ReasonRetryFailed {
		t.Errorf("attempt 2 reason = %q", trail.Attempts[1].Reason)
	}
}

func TestResolve_SessionReuseIsIdempotentForOwnSlot(t *testing.T) {
	env := newTestEnv(t,
		testProvider("bound", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
	)
	ctx := context.Background()

	req := Request{RequestID: "r1", SessionID: "sess", Model: "claude-sonnet-4"}
	if _, err := env.resolver.Resolve(ctx, req); err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}

	// Same session re-admits against its own tracked slot at limit 1.
	sel, err := env.resolver.Resolve(ctx, Request{RequestID: "r2", SessionID: "sess", Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if !sel.Reused {
		t.Error("second resolve did not reuse the session")
	}
}

func TestResolve_CallerExclusion(t *testing.T) {
	env := newTestEnv(t,
		testProvider("first"),
		testProvider("second"),
	)

	req := request("r1", "claude-sonnet-4")
	req.Exclude = map[string]bool{"first": true}

	sel, err := env.resolver.Resolve(context.Background(), req)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if sel.Provider.ID != "second" {
		t.Errorf("selected %q, want second", sel.Provider.ID)
	}
	if len(req.Exclude) != 1 {
		t.Errorf("caller exclusion map mutated: %v", req.Exclude)
	}

	trail := env.lastTrail(t)
	if trail.Attempts[0].Reason != audit.ReasonRetryFailed {
		t.Errorf("reason = %q, want retry_failed for caller-carried exclusions", trail.Attempts[0].Reason)
	}
	decision := trail.Attempts[0].Decision
	if reason, ok := decision.FilterReasonFor("first"); !ok || reason != audit.FilterExcluded {
		t.Errorf("first reason = %q ok=%v, want excluded", reason, ok)
	}
}

func TestResolve_ExactlyOneReasonTag(t *testing.T) {
	env := newTestEnv(t,
		// Disabled and group-mismatched and model-incompatible at once.
		testProvider("multi", func(p *domain.Provider) {
			p.Enabled = false
			p.ProviderType = domain.ProviderOpenAICompatible
			p.GroupTags = []string{"team-b"}
		}),
		testProvider("ok", func(p *domain.Provider) { p.GroupTags = []string{"team-a"} }),
	)

	req := request("r1", "claude-sonnet-4")
	req.Groups = []string{"team-a"}

	if _, err := env.resolver.Resolve(context.Background(), req); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	decision := env.lastTrail(t).Attempts[0].Decision

	counts := map[string]int{}
	for _, f := range decision.Filtered {
		counts[f.ProviderID]++
	}
	for id, n := range counts {
		if n != 1 {
			t.Errorf("provider %s carries %d reason tags, want exactly 1", id, n)
		}
	}
	if reason, _ := decision.FilterReasonFor("multi"); reason != audit.FilterDisabled {
		t.Errorf("multi reason = %q, want the first check to win", reason)
	}
}

func TestResolve_ProviderListUnavailable(t *testing.T) {
	env := newTestEnv(t, testProvider("p1"))

	failing := &failingSource{err: errors.New("connection refused")}
	env.resolver.source = failing

	_, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))

	var unavailable *domain.StoreUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Resolve() error = %v, want StoreUnavailableError", err)
	}

	trail := env.lastTrail(t)
	if trail.Outcome != audit.OutcomeStoreUnavailable {
		t.Errorf("trail outcome = %q", trail.Outcome)
	}
	if len(trail.Attempts) != 0 {
		t.Errorf("attempts recorded without a provider list: %d", len(trail.Attempts))
	}
}

func TestResolve_TrailRedactsCredentials(t *testing.T) {
	env := newTestEnv(t, testProvider("p1", func(p *domain.Provider) {
		p.APIKey = "sk-ant-secret"
	}))

	if _, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4")); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	attempt := env.lastTrail(t).Attempts[0]
	if attempt.Provider == nil {
		t.Fatal("provider snapshot missing")
	}
	if attempt.Provider.APIKey != "[redacted]" {
		t.Errorf("snapshot APIKey = %q, want redacted", attempt.Provider.APIKey)
	}
}

func TestResolve_MaxAttemptsOption(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("b", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
	)
	env.resolver.maxAttempts = 1

	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, err := env.admissions.CheckAndTrack(ctx, id, "other-"+id, 1); err != nil {
			t.Fatalf("pre-fill %s: %v", id, err)
		}
	}

	_, err := env.resolver.Resolve(ctx, request("r1", "claude-sonnet-4"))

	var exhausted *domain.AdmissionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want AdmissionExhaustedError", err)
	}
	if exhausted.ProvidersTried != 1 {
		t.Errorf("ProvidersTried = %d, want 1", exhausted.ProvidersTried)
	}
}

// An admission store outage counts as a rejection per candidate: a limited
// pool exhausts rather than overshooting its ceilings.
func TestResolve_AdmissionStoreOutageFailsClosed(t *testing.T) {
	env := newTestEnv(t,
		testProvider("a", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
		testProvider("b", func(p *domain.Provider) { p.LimitConcurrentSessions = 1 }),
	)
	env.resolver.admission = &failingAdmission{
		err: domain.StoreUnavailable("admission", "check and track", errors.New("connection refused")),
	}

	_, err := env.resolver.Resolve(context.Background(), request("r1", "claude-sonnet-4"))

	var exhausted *domain.AdmissionExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Resolve() error = %v, want AdmissionExhaustedError", err)
	}
	if exhausted.ProvidersTried != 2 {
		t.Errorf("ProvidersTried = %d, want 2", exhausted.ProvidersTried)
	}

	trail := env.lastTrail(t)
	for i, a := range trail.Attempts {
		if a.Reason != audit.ReasonConcurrentLimitFailed {
			t.Errorf("attempt %d reason = %q", i, a.Reason)
		}
		if a.Error == "" {
			t.Errorf("attempt %d should carry the store error", i)
		}
	}
}

type failingSource struct {
	err error
}

func (s *failingSource) List(ctx context.Context) ([]*domain.Provider, error) {
	return nil, s.err
}

func (s *failingSource) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	return nil, s.err
}

type failingAdmission struct {
	err error
}

func (a *failingAdmission) CheckAndTrack(ctx context.Context, providerID, slot string, limit int) (admission.Decision, error) {
	return admission.Decision{}, a.err
}

func (a *failingAdmission) Release(ctx context.Context, providerID, slot string) error {
	return a.err
}

func (a *failingAdmission) ActiveSessions(ctx context.Context, providerID string) (int, error) {
	return 0, a.err
}
