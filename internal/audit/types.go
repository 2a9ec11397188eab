// Package audit records why the resolver picked or rejected providers: an
// append-only trail of attempts per request, handed to asynchronous sinks on
// completion. Trails never influence routing and recording never fails a
// request.
package audit

import (
	"time"

	"github.com/modelmux/modelmux/internal/domain"
)

// AttemptReason classifies one entry in a request's attempt chain.
type AttemptReason string

const (
	ReasonSessionReuse          AttemptReason = "session_reuse"
	ReasonInitialSelection      AttemptReason = "initial_selection"
	ReasonConcurrentLimitFailed AttemptReason = "concurrent_limit_failed"
	ReasonCrossGroupDegradation AttemptReason = "cross_group_degradation"
	ReasonRetryFailed           AttemptReason = "retry_failed"
)

// FilterReason says why a provider left a candidate set. Exactly one is
// recorded per filtered provider per selection attempt.
type FilterReason string

const (
	FilterDisabled        FilterReason = "disabled"
	FilterExcluded        FilterReason = "excluded"
	FilterModelNotAllowed FilterReason = "model_not_allowed"
	FilterGroupMismatch   FilterReason = "group_mismatch"
	FilterCircuitOpen     FilterReason = "circuit_open"
	FilterRateLimited     FilterReason = "rate_limited"
)

// Trail outcomes.
const (
	OutcomeSelected           = "selected"
	OutcomeNoEligibleProvider = "no_eligible_provider"
	OutcomeAdmissionExhausted = "admission_exhausted"
	OutcomeStoreUnavailable   = "store_unavailable"
)

// FilteredProvider tags one removed candidate.
type FilteredProvider struct {
	ProviderID string       `json:"provider_id"`
	Reason     FilterReason `json:"reason"`
}

// TierCandidate is one provider that reached weighted selection, with the
// probability it was picked at.
type TierCandidate struct {
	ProviderID  string  `json:"provider_id"`
	Weight      int     `json:"weight"`
	Probability float64 `json:"probability"`
}

// SelectionDecisionContext captures one selection attempt end to end: what
// existed, what was filtered and why, which tier was chosen and at what
// odds. One context per fresh-selection attempt.
type SelectionDecisionContext struct {
	Model              string             `json:"model"`
	TotalProviders     int                `json:"total_providers"`
	EnabledProviders   int                `json:"enabled_providers"`
	EligibleProviders  int                `json:"eligible_providers"`
	Filtered           []FilteredProvider `json:"filtered,omitempty"`
	GroupFilterApplied bool               `json:"group_filter_applied,omitempty"`
	Degraded           bool               `json:"degraded,omitempty"`
	FailedOpen         bool               `json:"failed_open,omitempty"`
	PriorityLevels     []int              `json:"priority_levels,omitempty"`
	ChosenPriority     int                `json:"chosen_priority"`
	Tier               []TierCandidate    `json:"tier,omitempty"`
	SelectedID         string             `json:"selected_id,omitempty"`
}

// AddFiltered tags a provider out of the candidate set. The first reason
// wins; a provider never carries two tags.
func (c *SelectionDecisionContext) AddFiltered(providerID string, reason FilterReason) {
	for _, f := range c.Filtered {
		if f.ProviderID == providerID {
			return
		}
	}
	c.Filtered = append(c.Filtered, FilteredProvider{ProviderID: providerID, Reason: reason})
}

// FilterReasonFor returns the recorded tag for a provider, if any.
func (c *SelectionDecisionContext) FilterReasonFor(providerID string) (FilterReason, bool) {
	for _, f := range c.Filtered {
		if f.ProviderID == providerID {
			return f.Reason, true
		}
	}
	return "", false
}

// ProviderAttempt is one entry in a request's attempt chain.
type ProviderAttempt struct {
	Ordinal      int           `json:"ordinal"`
	ProviderID   string        `json:"provider_id"`
	ProviderName string        `json:"provider_name,omitempty"`
	Reason       AttemptReason `json:"reason"`
	At           time.Time     `json:"at"`

	// Provider is the redacted snapshot at decision time and CircuitState
	// the observed endpoint circuit state, both best-effort.
	Provider     *domain.Provider `json:"provider,omitempty"`
	CircuitState string           `json:"circuit_state,omitempty"`

	Error    string                    `json:"error,omitempty"`
	Decision *SelectionDecisionContext `json:"decision,omitempty"`
}

// Trail is the append-only decision record for one inbound request,
// covering every failover attempt until resolution.
type Trail struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id,omitempty"`
	Model      string    `json:"model"`
	Groups     []string  `json:"groups,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Outcome            string `json:"outcome"`
	SelectedProviderID string `json:"selected_provider_id,omitempty"`

	Attempts []ProviderAttempt `json:"attempts"`
}

func NewTrail(requestID, sessionID, model string, groups []string) *Trail {
	return &Trail{
		RequestID: requestID,
		SessionID: sessionID,
		Model:     model,
		Groups:    groups,
		StartedAt: time.Now(),
	}
}

// Append adds an attempt, assigning its ordinal. Provider snapshots are
// redacted on the way in so no sink ever sees credentials.
func (t *Trail) Append(a ProviderAttempt) {
	a.Ordinal = len(t.Attempts) + 1
	if a.At.IsZero() {
		a.At = time.Now()
	}
	if a.Provider != nil {
		a.Provider = a.Provider.Redacted()
	}
	t.Attempts = append(t.Attempts, a)
}

// Finish stamps the trail's outcome before it is handed to the recorder.
func (t *Trail) Finish(outcome, selectedProviderID string) {
	t.Outcome = outcome
	t.SelectedProviderID = selectedProviderID
	t.FinishedAt = time.Now()
}
