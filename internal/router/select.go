package router

import (
	"sort"

	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/domain"
)

// priorityTier restricts candidates to the minimum priority value present and
// records the observed levels.
func priorityTier(candidates []*domain.Provider, d *audit.SelectionDecisionContext) []*domain.Provider {
	if len(candidates) == 0 {
		return candidates
	}

	levels := make(map[int]struct{}, len(candidates))
	minPriority := candidates[0].Priority
	for _, p := range candidates {
		levels[p.Priority] = struct{}{}
		if p.Priority < minPriority {
			minPriority = p.Priority
		}
	}

	d.PriorityLevels = make([]int, 0, len(levels))
	for level := range levels {
		d.PriorityLevels = append(d.PriorityLevels, level)
	}
	sort.Ints(d.PriorityLevels)
	d.ChosenPriority = minPriority

	tier := make([]*domain.Provider, 0, len(candidates))
	for _, p := range candidates {
		if p.Priority == minPriority {
			tier = append(tier, p)
		}
	}
	return tier
}

// orderByCost sorts a copy of the tier by cost multiplier ascending, keeping
// the incoming order for equal multipliers.
func orderByCost(tier []*domain.Provider) []*domain.Provider {
	ordered := make([]*domain.Provider, len(tier))
	copy(ordered, tier)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CostMultiplier < ordered[j].CostMultiplier
	})
	return ordered
}

// weightedPick selects proportionally to weight, uniformly when the tier
// carries no weight. Per-candidate probabilities land in the decision context.
func (r *Resolver) weightedPick(tier []*domain.Provider, d *audit.SelectionDecisionContext) *domain.Provider {
	if len(tier) == 0 {
		return nil
	}

	total := 0
	for _, p := range tier {
		if p.Weight > 0 {
			total += p.Weight
		}
	}

	d.Tier = make([]audit.TierCandidate, len(tier))
	for i, p := range tier {
		prob := 1.0 / float64(len(tier))
		if total > 0 {
			prob = 0
			if p.Weight > 0 {
				prob = float64(p.Weight) / float64(total)
			}
		}
		d.Tier[i] = audit.TierCandidate{ProviderID: p.ID, Weight: p.Weight, Probability: prob}
	}

	r.rngMu.Lock()
	defer r.rngMu.Unlock()

	if total == 0 {
		return tier[r.rng.Intn(len(tier))]
	}

	n := r.rng.Intn(total)
	for _, p := range tier {
		if p.Weight <= 0 {
			continue
		}
		n -= p.Weight
		if n < 0 {
			return p
		}
	}
	return tier[len(tier)-1]
}
