package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SelectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_selections_total",
			Help: "Total number of selection requests by outcome",
		},
		[]string{"model", "outcome"},
	)

	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modelmux_selection_duration_seconds",
			Help:    "Selection latency in seconds",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"model"},
	)

	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_attempts_total",
			Help: "Total number of provider attempts by reason",
		},
		[]string{"reason"},
	)

	FilteredProvidersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_filtered_providers_total",
			Help: "Total number of providers removed from candidate sets, by reason",
		},
		[]string{"reason"},
	)

	DegradedSelectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_degraded_selections_total",
			Help: "Total number of selections that fell back across group boundaries",
		},
	)

	FailOpenSelectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_fail_open_selections_total",
			Help: "Total number of selections served from the pre-health-filter set",
		},
	)

	AdmissionRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_admission_rejections_total",
			Help: "Total number of concurrent-session admission rejections",
		},
		[]string{"provider"},
	)

	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_active_sessions",
			Help: "Tracked concurrent sessions per provider",
		},
		[]string{"provider"},
	)

	CircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "modelmux_circuit_state",
			Help: "Circuit state per key (0=closed, 1=open, 2=half-open)",
		},
		[]string{"key"},
	)

	CircuitTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_circuit_transitions_total",
			Help: "Total number of circuit state transitions",
		},
		[]string{"key", "to"},
	)

	OutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_outcomes_total",
			Help: "Total number of completion outcomes reported",
		},
		[]string{"provider", "status"},
	)

	CostRecordedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cost_usd_total",
			Help: "Total provider spend recorded in USD",
		},
		[]string{"provider"},
	)

	AuditTrailsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_audit_trails_total",
			Help: "Total number of decision trails handed to the sink pipeline",
		},
		[]string{"outcome"},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modelmux_audit_dropped_total",
			Help: "Total number of decision trails dropped on sink overflow",
		},
	)

	AuditSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_audit_sink_errors_total",
			Help: "Total number of sink write failures",
		},
		[]string{"sink"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_notifications_total",
			Help: "Total number of operator notifications published",
		},
		[]string{"type"},
	)

	CostAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modelmux_cost_alerts_total",
			Help: "Total number of cost threshold alerts raised",
		},
		[]string{"window", "level"},
	)
)

func RecordSelection(model, outcome string, durationSec float64) {
	SelectionsTotal.WithLabelValues(model, outcome).Inc()
	SelectionDuration.WithLabelValues(model).Observe(durationSec)
}

func RecordAttempt(reason string) {
	AttemptsTotal.WithLabelValues(reason).Inc()
}

func RecordFiltered(reason string) {
	FilteredProvidersTotal.WithLabelValues(reason).Inc()
}

func RecordDegradedSelection() {
	DegradedSelectionsTotal.Inc()
}

func RecordFailOpenSelection() {
	FailOpenSelectionsTotal.Inc()
}

func RecordAdmissionRejection(provider string) {
	AdmissionRejectionsTotal.WithLabelValues(provider).Inc()
}

func SetActiveSessions(provider string, count int) {
	ActiveSessions.WithLabelValues(provider).Set(float64(count))
}

func SetCircuitState(key string, state int) {
	CircuitState.WithLabelValues(key).Set(float64(state))
}

func RecordCircuitTransition(key, to string) {
	CircuitTransitionsTotal.WithLabelValues(key, to).Inc()
}

func RecordOutcome(provider string, success bool) {
	status := "failure"
	if success {
		status = "success"
	}
	OutcomesTotal.WithLabelValues(provider, status).Inc()
}

func RecordCost(provider string, costUSD float64) {
	CostRecordedTotal.WithLabelValues(provider).Add(costUSD)
}

func RecordAuditTrail(outcome string) {
	AuditTrailsTotal.WithLabelValues(outcome).Inc()
}

func RecordAuditDrop() {
	AuditDroppedTotal.Inc()
}

func RecordNotification(notificationType string) {
	NotificationsTotal.WithLabelValues(notificationType).Inc()
}

func RecordCostAlert(window, level string) {
	CostAlertsTotal.WithLabelValues(window, level).Inc()
}

func RecordSinkError(sink string) {
	AuditSinkErrorsTotal.WithLabelValues(sink).Inc()
}
