// Package api exposes the selection service over HTTP: the request-path
// select endpoint, the completion-path outcome endpoint, health and metrics,
// and a token-guarded admin surface.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelmux/modelmux/internal/admission"
	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/repository"
	"github.com/modelmux/modelmux/internal/router"
)

type HandlerConfig struct {
	Resolver  *router.Resolver
	Providers repository.Source
	Circuits  *circuitbreaker.Manager
	Admission admission.Controller
	Costs     cost.Store
	// Pricing estimates outcome cost from token usage. Defaults to the
	// built-in table.
	Pricing  *cost.Calculator
	Checkers []HealthChecker
	// CheckTimeout bounds the readiness dependency checks.
	CheckTimeout time.Duration
}

type Handler struct {
	resolver  *router.Resolver
	providers repository.Source
	circuits  *circuitbreaker.Manager
	admission admission.Controller
	costs     cost.Store
	pricing   *cost.Calculator
	mux       *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 5 * time.Second
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = cost.NewCalculator()
	}

	h := &Handler{
		resolver:  cfg.Resolver,
		providers: cfg.Providers,
		circuits:  cfg.Circuits,
		admission: cfg.Admission,
		costs:     cfg.Costs,
		pricing:   pricing,
		mux:       http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/select", h.handleSelect)
	h.mux.HandleFunc("POST /v1/outcome", h.handleOutcome)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", handleHealthReadyWithCheckers(cfg.Checkers, checkTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// SelectRequest asks for a provider. RequestID is optional; when absent the
// X-Request-ID header or a fresh UUID fills it in. Exclude lists provider ids
// a previous attempt of this request already failed on.
type SelectRequest struct {
	RequestID string   `json:"request_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model"`
	Groups    []string `json:"groups,omitempty"`
	Exclude   []string `json:"exclude_provider_ids,omitempty"`
}

// SelectResponse is a successful pick. Provider is a redacted snapshot; the
// forwarding layer fetches credentials itself. Decision is the context of
// the attempt that produced the pick, absent on session reuse.
type SelectResponse struct {
	RequestID      string                          `json:"request_id"`
	Provider       *domain.Provider                `json:"provider"`
	EffectiveModel string                          `json:"effective_model"`
	Attempt        int                             `json:"attempt"`
	Reason         audit.AttemptReason             `json:"reason"`
	SessionReused  bool                            `json:"session_reused"`
	AdmissionSlot  string                          `json:"admission_slot"`
	Decision       *audit.SelectionDecisionContext `json:"decision,omitempty"`
}

func (h *Handler) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = r.Header.Get("X-Request-ID")
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var exclude map[string]bool
	if len(req.Exclude) > 0 {
		exclude = make(map[string]bool, len(req.Exclude))
		for _, id := range req.Exclude {
			exclude[id] = true
		}
	}

	sel, err := h.resolver.Resolve(ctx, router.Request{
		RequestID: requestID,
		SessionID: req.SessionID,
		Model:     req.Model,
		Groups:    req.Groups,
		Exclude:   exclude,
	})
	if err != nil {
		h.writeSelectError(w, requestID, err)
		return
	}

	resp := SelectResponse{
		RequestID:      requestID,
		Provider:       sel.Provider.Redacted(),
		EffectiveModel: sel.EffectiveModel,
		Attempt:        sel.Attempt,
		SessionReused:  sel.Reused,
		AdmissionSlot:  sel.Slot,
	}
	if n := len(sel.Trail.Attempts); n > 0 {
		last := sel.Trail.Attempts[n-1]
		resp.Reason = last.Reason
		resp.Decision = last.Decision
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	json.NewEncoder(w).Encode(resp)
}

// writeSelectError maps resolver errors to wire status. Store outages and
// admission exhaustion are retryable, so both land on 503.
func (h *Handler) writeSelectError(w http.ResponseWriter, requestID string, err error) {
	w.Header().Set("X-Request-ID", requestID)

	var exhausted *domain.AdmissionExhaustedError
	switch {
	case errors.Is(err, &domain.NoEligibleProviderError{}):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &exhausted):
		writeErrorDetails(w, http.StatusServiceUnavailable, err.Error(), map[string]interface{}{
			"providers_tried": exhausted.ProvidersTried,
		})
	case domain.IsStoreUnavailable(err):
		slog.Error("selection hit store outage", "error", err, "request_id", requestID)
		writeError(w, http.StatusServiceUnavailable, "shared store unavailable")
	default:
		slog.Error("selection failed", "error", err, "request_id", requestID)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// OutcomeRequest reports how a forwarded request ended. The admission slot is
// the session id when the request had one, otherwise the request id; the
// caller sends back whichever it selected under. CostUSD wins when both it
// and Usage are present.
type OutcomeRequest struct {
	ProviderID string        `json:"provider_id"`
	SessionID  string        `json:"session_id,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Success    bool          `json:"success"`
	CostUSD    float64       `json:"cost_usd,omitempty"`
	Usage      *OutcomeUsage `json:"usage,omitempty"`
}

// OutcomeUsage carries token counts for callers that do not price
// completions themselves.
type OutcomeUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func (h *Handler) handleOutcome(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req OutcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderID == "" {
		writeError(w, http.StatusBadRequest, "provider_id is required")
		return
	}
	slot := req.SessionID
	if slot == "" {
		slot = req.RequestID
	}
	if slot == "" {
		writeError(w, http.StatusBadRequest, "session_id or request_id is required")
		return
	}

	provider, err := h.providers.GetByID(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, domain.ErrProviderNotFound) {
			writeError(w, http.StatusNotFound, "provider not found")
			return
		}
		slog.Error("provider lookup failed", "error", err, "provider_id", req.ProviderID)
		writeError(w, http.StatusServiceUnavailable, "provider source unavailable")
		return
	}

	h.circuits.ReportOutcome(ctx, provider, req.Success)

	if err := h.admission.Release(ctx, provider.ID, slot); err != nil {
		slog.Warn("admission release failed", "error", err, "provider_id", provider.ID, "slot", slot)
	} else if active, err := h.admission.ActiveSessions(ctx, provider.ID); err == nil {
		metrics.SetActiveSessions(provider.ID, active)
	}

	costUSD := req.CostUSD
	if costUSD == 0 && req.Usage != nil {
		costUSD = h.pricing.Calculate(req.Usage.Model, cost.Usage{
			InputTokens:  req.Usage.InputTokens,
			OutputTokens: req.Usage.OutputTokens,
		})
	}
	if costUSD > 0 {
		if err := h.costs.Record(ctx, provider.ID, costUSD, time.Now()); err != nil {
			slog.Warn("cost record failed", "error", err, "provider_id", provider.ID)
		}
		metrics.RecordCost(provider.ID, costUSD)
	}

	metrics.RecordOutcome(provider.ID, req.Success)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "recorded"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	circuits := map[string]string{}
	providers, err := h.providers.List(ctx)
	if err == nil {
		keys := circuitKeysFor(providers)
		for key, rec := range h.circuits.States(ctx, keys) {
			circuits[key] = rec.State.String()
		}
	}

	resp := map[string]interface{}{
		"status":   "ok",
		"circuits": circuits,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// circuitKeysFor collects the deduplicated circuit keys gating a provider
// set. Group keys repeat across providers; endpoint keys never do.
func circuitKeysFor(providers []*domain.Provider) []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range providers {
		for _, key := range circuitbreaker.KeysFor(p) {
			if seen[key] {
				continue
			}
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}

func writeErrorDetails(w http.ResponseWriter, status int, message string, details map[string]interface{}) {
	body := map[string]interface{}{
		"message": message,
		"type":    "error",
		"code":    status,
	}
	for k, v := range details {
		body[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}
