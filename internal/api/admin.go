package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/repository"
)

// TrailReader replays recorded decision trails. The SQLite sink implements
// it; a nil reader means no queryable store is configured.
type TrailReader interface {
	TrailByRequestID(ctx context.Context, requestID string) (*audit.Trail, error)
}

type AdminConfig struct {
	Auth        *auth.Middleware
	Providers   repository.Source
	Circuits    *circuitbreaker.Manager
	Degradation *policy.Degradation
	Trails      TrailReader
}

type AdminHandler struct {
	providers   repository.Source
	circuits    *circuitbreaker.Manager
	degradation *policy.Degradation
	trails      TrailReader
	mux         *http.ServeMux
	handler     http.Handler
}

func NewAdminHandler(cfg AdminConfig) *AdminHandler {
	h := &AdminHandler{
		providers:   cfg.Providers,
		circuits:    cfg.Circuits,
		degradation: cfg.Degradation,
		trails:      cfg.Trails,
		mux:         http.NewServeMux(),
	}

	h.mux.HandleFunc("GET /admin/circuits", h.listCircuits)
	h.mux.HandleFunc("POST /admin/circuits/reset", h.resetCircuit)
	h.mux.HandleFunc("POST /admin/groups/silence", h.silenceGroup)
	h.mux.HandleFunc("GET /admin/settings/cross-group-degradation", h.getDegradation)
	h.mux.HandleFunc("PUT /admin/settings/cross-group-degradation", h.setDegradation)
	h.mux.HandleFunc("GET /admin/decisions/{request_id}", h.getDecision)

	h.handler = cfg.Auth.RequireToken(h.mux)
	return h
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.handler.ServeHTTP(w, r)
}

// CircuitStatus is one circuit record on the wire. Record keeps State
// unexported from JSON, so the string lands here.
type CircuitStatus struct {
	circuitbreaker.Record
	State string `json:"state"`
}

func (h *AdminHandler) listCircuits(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providers, err := h.providers.List(ctx)
	if err != nil {
		slog.Error("provider list failed", "error", err)
		writeAdminError(w, http.StatusServiceUnavailable, "provider source unavailable")
		return
	}

	keys := circuitKeysFor(providers)
	records := h.circuits.States(ctx, keys)

	circuits := make([]CircuitStatus, 0, len(keys))
	for _, key := range keys {
		rec, ok := records[key]
		if !ok {
			continue
		}
		circuits = append(circuits, CircuitStatus{Record: rec, State: rec.State.String()})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"circuits": circuits,
		"count":    len(circuits),
	})
}

func (h *AdminHandler) resetCircuit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ResetCircuitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Key == "" {
		writeAdminError(w, http.StatusBadRequest, "key is required")
		return
	}

	if err := h.circuits.Reset(ctx, req.Key); err != nil {
		slog.Error("circuit reset failed", "key", req.Key, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to reset circuit")
		return
	}

	slog.Info("circuit reset", "key", req.Key)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"key": req.Key, "status": "reset"})
}

func (h *AdminHandler) silenceGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req SilenceGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProviderType == "" {
		writeAdminError(w, http.StatusBadRequest, "provider_type is required")
		return
	}

	key := circuitbreaker.GroupKey(domain.ProviderType(req.ProviderType), req.Group)
	if err := h.circuits.SetManualOpen(ctx, key, req.Open); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}

	slog.Info("group circuit override", "key", key, "open", req.Open)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"key": key, "manual_open": req.Open})
}

func (h *AdminHandler) getDegradation(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DegradationSetting{Enabled: h.degradation.Enabled(r.Context())})
}

func (h *AdminHandler) setDegradation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DegradationSetting
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAdminError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.degradation.Set(ctx, req.Enabled); err != nil {
		slog.Error("degradation setting write failed", "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to persist setting")
		return
	}

	slog.Info("cross-group degradation updated", "enabled", req.Enabled)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DegradationSetting{Enabled: req.Enabled})
}

func (h *AdminHandler) getDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := r.PathValue("request_id")

	if h.trails == nil {
		writeAdminError(w, http.StatusNotFound, "decision trail store not configured")
		return
	}

	trail, err := h.trails.TrailByRequestID(ctx, requestID)
	if err != nil {
		slog.Error("trail lookup failed", "request_id", requestID, "error", err)
		writeAdminError(w, http.StatusInternalServerError, "failed to load decision trail")
		return
	}
	if trail == nil {
		writeAdminError(w, http.StatusNotFound, "decision trail not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trail)
}

type ResetCircuitRequest struct {
	Key string `json:"key"`
}

type SilenceGroupRequest struct {
	ProviderType string `json:"provider_type"`
	Group        string `json:"group,omitempty"`
	Open         bool   `json:"open"`
}

type DegradationSetting struct {
	Enabled bool `json:"enabled"`
}

func writeAdminError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}
