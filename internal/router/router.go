// Package router picks one provider per request: session affinity, then
// model/group/health filtering, priority tiering, weighted selection, and a
// bounded admission failover loop. Every resolve leaves a decision trail.
package router

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/admission"
	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/repository"
	"github.com/modelmux/modelmux/internal/session"
	"github.com/modelmux/modelmux/internal/telemetry"
)

// MaxAttempts bounds admission checks per request so a storm of saturated
// providers cannot stretch resolution latency unbounded.
const MaxAttempts = 3

type Resolver struct {
	source      repository.Source
	circuits    *circuitbreaker.Manager
	admission   admission.Controller
	sessions    session.Store
	costs       cost.Store
	degradation *policy.Degradation
	recorder    *audit.Recorder

	maxAttempts int
	rngMu       sync.Mutex
	rng         *rand.Rand
}

type Option func(*Resolver)

// WithRand overrides the selection randomness source.
func WithRand(rng *rand.Rand) Option {
	return func(r *Resolver) { r.rng = rng }
}

// WithMaxAttempts overrides the admission attempt bound.
func WithMaxAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewResolver(
	source repository.Source,
	circuits *circuitbreaker.Manager,
	admissions admission.Controller,
	sessions session.Store,
	costs cost.Store,
	degradation *policy.Degradation,
	recorder *audit.Recorder,
	opts ...Option,
) *Resolver {
	r := &Resolver{
		source:      source,
		circuits:    circuits,
		admission:   admissions,
		sessions:    sessions,
		costs:       costs,
		degradation: degradation,
		recorder:    recorder,
		maxAttempts: MaxAttempts,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve picks a provider for the request. Terminal errors are
// *domain.NoEligibleProviderError, *domain.AdmissionExhaustedError and
// *domain.StoreUnavailableError; everything in between is absorbed per the
// fail-open rules and lands in the decision trail instead.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Selection, error) {
	start := time.Now()

	ctx, span := telemetry.StartSpan(ctx, "resolver.resolve")
	defer span.End()
	telemetry.AddSelectionAttributes(span, req.RequestID, req.SessionID, req.Model, req.Groups)

	trail := audit.NewTrail(req.RequestID, req.SessionID, req.Model, req.Groups)

	sel, err := r.resolve(ctx, req, trail)

	outcome := outcomeFor(err)
	selectedID := ""
	if sel != nil {
		selectedID = sel.Provider.ID
	}
	trail.Finish(outcome, selectedID)
	r.recorder.Record(trail)

	metrics.RecordSelection(req.Model, outcome, time.Since(start).Seconds())
	telemetry.AddOutcomeAttribute(span, outcome)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	telemetry.AddProviderAttributes(span, sel.Provider.ID, sel.Provider.Name)
	telemetry.AddAttemptAttributes(span, sel.Attempt, lastReason(trail))
	sel.Trail = trail
	return sel, nil
}

func (r *Resolver) resolve(ctx context.Context, req Request, trail *audit.Trail) (*Selection, error) {
	providers, err := r.source.List(ctx)
	if err != nil {
		return nil, domain.StoreUnavailable("provider", "list", err)
	}

	// The loop owns its exclusion set; the caller's map stays untouched.
	exclude := make(map[string]bool, len(req.Exclude)+r.maxAttempts)
	for id, v := range req.Exclude {
		if v {
			exclude[id] = true
		}
	}
	callerExcluded := len(exclude) > 0

	slot := admissionSlot(req)
	attempt := 0
	var tried []string

	if req.SessionID != "" {
		sel, consumed := r.trySessionReuse(ctx, req, providers, exclude, slot, trail, &tried)
		if sel != nil {
			return sel, nil
		}
		attempt += consumed
	}

	degradedTried := false

	for attempt < r.maxAttempts {
		attempt++

		decision := &audit.SelectionDecisionContext{
			Model:          req.Model,
			TotalProviders: len(providers),
		}

		pick := r.selectOnce(ctx, req, providers, exclude, decision)
		if decision.Degraded {
			degradedTried = true
		}
		if pick == nil {
			if len(tried) > 0 {
				return nil, &domain.AdmissionExhaustedError{Model: req.Model, ProvidersTried: len(tried)}
			}
			return nil, &domain.NoEligibleProviderError{Model: req.Model, Groups: req.Groups, Degraded: degradedTried}
		}

		circuitState := r.endpointState(ctx, pick.ID)

		dec, admErr := r.admission.CheckAndTrack(ctx, pick.ID, slot, pick.LimitConcurrentSessions)
		if admErr != nil || !dec.Admitted {
			errMsg := ""
			if admErr != nil {
				errMsg = admErr.Error()
			}
			trail.Append(audit.ProviderAttempt{
				ProviderID:   pick.ID,
				ProviderName: pick.Name,
				Reason:       audit.ReasonConcurrentLimitFailed,
				Provider:     pick,
				CircuitState: circuitState,
				Error:        errMsg,
				Decision:     decision,
			})
			metrics.RecordAttempt(string(audit.ReasonConcurrentLimitFailed))
			metrics.RecordAdmissionRejection(pick.ID)
			if admErr == nil {
				metrics.SetActiveSessions(pick.ID, dec.Active)
			}

			exclude[pick.ID] = true
			tried = append(tried, pick.ID)
			continue
		}

		metrics.SetActiveSessions(pick.ID, dec.Active)

		if req.SessionID != "" {
			if err := r.sessions.Bind(ctx, req.SessionID, pick.ID); err != nil {
				slog.Warn("session bind failed",
					"session_id", req.SessionID, "provider", pick.ID, "error", err)
			}
		}

		reason := audit.ReasonInitialSelection
		switch {
		case decision.Degraded:
			reason = audit.ReasonCrossGroupDegradation
			metrics.RecordDegradedSelection()
		case len(tried) > 0 || callerExcluded:
			reason = audit.ReasonRetryFailed
		}
		if decision.FailedOpen {
			metrics.RecordFailOpenSelection()
		}

		decision.SelectedID = pick.ID
		trail.Append(audit.ProviderAttempt{
			ProviderID:   pick.ID,
			ProviderName: pick.Name,
			Reason:       reason,
			Provider:     pick,
			CircuitState: circuitState,
			Decision:     decision,
		})
		metrics.RecordAttempt(string(reason))

		return &Selection{
			Provider:       pick,
			EffectiveModel: pick.RedirectFor(req.Model),
			Attempt:        attempt,
			Slot:           slot,
		}, nil
	}

	return nil, &domain.AdmissionExhaustedError{Model: req.Model, ProvidersTried: len(tried)}
}

// selectOnce runs filter, tier and weighted pick over the provider snapshot.
// It never errors: an empty outcome is expressed as nil with the reasons in
// the decision context.
func (r *Resolver) selectOnce(ctx context.Context, req Request, providers []*domain.Provider, exclude map[string]bool, decision *audit.SelectionDecisionContext) *domain.Provider {
	eligible := filterEligible(providers, req.Model, exclude, decision)
	candidates := r.filterGroups(ctx, eligible, req.Groups, decision)
	candidates = r.filterHealthy(ctx, candidates, decision)
	decision.EligibleProviders = len(candidates)

	tier := priorityTier(candidates, decision)
	return r.weightedPick(orderByCost(tier), decision)
}

// trySessionReuse validates an existing binding. Reuse failures never error:
// the binding is discarded and selection falls through. The returned count
// says whether the reuse path consumed an admission attempt.
func (r *Resolver) trySessionReuse(ctx context.Context, req Request, providers []*domain.Provider, exclude map[string]bool, slot string, trail *audit.Trail, tried *[]string) (*Selection, int) {
	boundID, err := r.sessions.BoundProvider(ctx, req.SessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			slog.Warn("session lookup failed, selecting fresh",
				"session_id", req.SessionID, "error", err)
		}
		return nil, 0
	}

	var bound *domain.Provider
	for _, p := range providers {
		if p.ID == boundID {
			bound = p
			break
		}
	}

	switch {
	case bound == nil, !bound.Enabled:
	case exclude[bound.ID]:
	case !modelSupports(bound, req.Model):
	case len(req.Groups) > 0 && !bound.GroupsIntersect(req.Groups):
	case r.circuits.AnyOpen(ctx, circuitbreaker.KeysFor(bound)):
	default:
		dec, admErr := r.admission.CheckAndTrack(ctx, bound.ID, slot, bound.LimitConcurrentSessions)
		if admErr != nil {
			// Store outage: leave the binding alone, the fresh loop
			// applies the fail-closed rule itself.
			slog.Warn("session reuse admission check failed, selecting fresh",
				"session_id", req.SessionID, "provider", bound.ID, "error", admErr)
			return nil, 0
		}

		circuitState := r.endpointState(ctx, bound.ID)

		if !dec.Admitted {
			metrics.SetActiveSessions(bound.ID, dec.Active)
			trail.Append(audit.ProviderAttempt{
				ProviderID:   bound.ID,
				ProviderName: bound.Name,
				Reason:       audit.ReasonConcurrentLimitFailed,
				Provider:     bound,
				CircuitState: circuitState,
			})
			metrics.RecordAttempt(string(audit.ReasonConcurrentLimitFailed))
			metrics.RecordAdmissionRejection(bound.ID)

			r.invalidateBinding(ctx, req.SessionID)
			exclude[bound.ID] = true
			*tried = append(*tried, bound.ID)
			return nil, 1
		}

		metrics.SetActiveSessions(bound.ID, dec.Active)

		if err := r.sessions.Bind(ctx, req.SessionID, bound.ID); err != nil {
			slog.Warn("session renew failed",
				"session_id", req.SessionID, "provider", bound.ID, "error", err)
		}

		trail.Append(audit.ProviderAttempt{
			ProviderID:   bound.ID,
			ProviderName: bound.Name,
			Reason:       audit.ReasonSessionReuse,
			Provider:     bound,
			CircuitState: circuitState,
		})
		metrics.RecordAttempt(string(audit.ReasonSessionReuse))

		return &Selection{
			Provider:       bound,
			EffectiveModel: bound.RedirectFor(req.Model),
			Attempt:        1,
			Reused:         true,
			Slot:           slot,
		}, 1
	}

	r.invalidateBinding(ctx, req.SessionID)
	return nil, 0
}

func (r *Resolver) invalidateBinding(ctx context.Context, sessionID string) {
	if err := r.sessions.Invalidate(ctx, sessionID); err != nil {
		slog.Warn("session invalidate failed", "session_id", sessionID, "error", err)
	}
}

func (r *Resolver) endpointState(ctx context.Context, providerID string) string {
	rec, err := r.circuits.State(ctx, circuitbreaker.EndpointKey(providerID))
	if err != nil {
		return ""
	}
	return rec.State.String()
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return audit.OutcomeSelected
	case errors.Is(err, &domain.NoEligibleProviderError{}):
		return audit.OutcomeNoEligibleProvider
	case errors.Is(err, &domain.AdmissionExhaustedError{}):
		return audit.OutcomeAdmissionExhausted
	default:
		return audit.OutcomeStoreUnavailable
	}
}

func lastReason(trail *audit.Trail) string {
	if len(trail.Attempts) == 0 {
		return ""
	}
	return string(trail.Attempts[len(trail.Attempts)-1].Reason)
}
