package router

import (
	"context"
	"log/slog"

	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/metrics"
)

// modelSupports decides model eligibility. An explicit declaration (allow
// list entry or redirect key) wins regardless of provider type; otherwise an
// empty allow list serves exactly the provider's model family: claude-prefixed
// names go to Claude-type providers, everything else to the rest.
func modelSupports(p *domain.Provider, model string) bool {
	if p.DeclaresModel(model) {
		return true
	}
	if len(p.AllowedModels) > 0 {
		return false
	}
	return domain.IsClaudeModel(model) == p.ProviderType.IsClaude()
}

func tagFiltered(d *audit.SelectionDecisionContext, providerID string, reason audit.FilterReason) {
	d.AddFiltered(providerID, reason)
	metrics.RecordFiltered(string(reason))
}

// filterEligible removes disabled, excluded and model-incompatible providers,
// tagging each removal.
func filterEligible(providers []*domain.Provider, model string, exclude map[string]bool, d *audit.SelectionDecisionContext) []*domain.Provider {
	eligible := make([]*domain.Provider, 0, len(providers))
	for _, p := range providers {
		if !p.Enabled {
			tagFiltered(d, p.ID, audit.FilterDisabled)
			continue
		}
		d.EnabledProviders++
		if exclude[p.ID] {
			tagFiltered(d, p.ID, audit.FilterExcluded)
			continue
		}
		if !modelSupports(p, model) {
			tagFiltered(d, p.ID, audit.FilterModelNotAllowed)
			continue
		}
		eligible = append(eligible, p)
	}
	return eligible
}

// filterGroups applies the caller's group restriction. An empty intersection
// falls back to the whole model-eligible pool when cross-group degradation is
// enabled; the fallback pool keeps no group tags since its members reach
// selection.
func (r *Resolver) filterGroups(ctx context.Context, candidates []*domain.Provider, groups []string, d *audit.SelectionDecisionContext) []*domain.Provider {
	if len(groups) == 0 || len(candidates) == 0 {
		return candidates
	}

	d.GroupFilterApplied = true

	matched := make([]*domain.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.GroupsIntersect(groups) {
			matched = append(matched, p)
		}
	}

	if len(matched) > 0 {
		for _, p := range candidates {
			if !p.GroupsIntersect(groups) {
				tagFiltered(d, p.ID, audit.FilterGroupMismatch)
			}
		}
		return matched
	}

	if r.degradation.Enabled(ctx) {
		d.Degraded = true
		slog.Info("cross-group degradation applied",
			"model", d.Model,
			"groups", groups,
			"pool_size", len(candidates),
		)
		return candidates
	}

	for _, p := range candidates {
		tagFiltered(d, p.ID, audit.FilterGroupMismatch)
	}
	return nil
}

// filterHealthy drops candidates with an open circuit in either scope or an
// exhausted cost window. Emptying a non-empty set fails open: the pre-filter
// set proceeds to selection and its health tags are withdrawn so only
// providers that missed selection stay tagged.
func (r *Resolver) filterHealthy(ctx context.Context, candidates []*domain.Provider, d *audit.SelectionDecisionContext) []*domain.Provider {
	if len(candidates) == 0 {
		return candidates
	}

	mark := len(d.Filtered)

	healthy := make([]*domain.Provider, 0, len(candidates))
	for _, p := range candidates {
		if r.circuits.AnyOpen(ctx, circuitbreaker.KeysFor(p)) {
			tagFiltered(d, p.ID, audit.FilterCircuitOpen)
			continue
		}

		if _, exceeded, err := cost.ExceededWindow(ctx, r.costs, p); err != nil {
			slog.Warn("cost window read failed, failing open",
				"provider", p.ID, "error", err)
		} else if exceeded {
			tagFiltered(d, p.ID, audit.FilterRateLimited)
			continue
		}

		healthy = append(healthy, p)
	}

	if len(healthy) == 0 {
		d.Filtered = d.Filtered[:mark]
		d.FailedOpen = true
		slog.Warn("health filter emptied candidate set, failing open",
			"model", d.Model,
			"pool_size", len(candidates),
		)
		return candidates
	}

	return healthy
}
