// Package costwatch raises operator alerts as provider spend approaches a
// configured window limit. It watches the same spend windows the resolver
// filters on, so an alert precedes the provider dropping out of rotation.
package costwatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/notifications"
	"github.com/modelmux/modelmux/internal/repository"
)

const DefaultInterval = time.Minute

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	ProviderID string
	Window     cost.Window
	Level      AlertLevel
	LimitUSD   float64
	SpendUSD   float64
	Percentage float64
	Timestamp  time.Time
}

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

// Watcher periodically compares each provider's window spend against its
// limits and publishes threshold alerts, deduplicated per provider, window
// and level so a fleet alerts once.
type Watcher struct {
	source     repository.Source
	costs      cost.Store
	notifier   notifications.Notifier
	dedup      notifications.Deduplicator
	thresholds Thresholds
	logger     *slog.Logger
}

func NewWatcher(source repository.Source, costs cost.Store, notifier notifications.Notifier, dedup notifications.Deduplicator, thresholds Thresholds) *Watcher {
	return &Watcher{
		source:     source,
		costs:      costs,
		notifier:   notifier,
		dedup:      dedup,
		thresholds: thresholds,
		logger:     slog.Default().With("component", "costwatch"),
	}
}

// Run checks all providers immediately and then on every tick until the
// context is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("cost watcher started", "interval", interval)
	for {
		if _, err := w.CheckAll(ctx); err != nil {
			w.logger.Error("cost check failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("cost watcher stopped")
			return
		case <-ticker.C:
		}
	}
}

// CheckAll evaluates every enabled provider and returns the alerts raised
// in this pass.
func (w *Watcher) CheckAll(ctx context.Context) ([]Alert, error) {
	providers, err := w.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	var alerts []Alert
	for _, p := range providers {
		if !p.Enabled {
			continue
		}
		alerts = append(alerts, w.Check(ctx, p)...)
	}
	return alerts, nil
}

// Check evaluates one provider's limited windows. Spend reads that fail are
// skipped; the resolver applies the same fail-open rule, so a store outage
// neither alerts nor blocks.
func (w *Watcher) Check(ctx context.Context, p *domain.Provider) []Alert {
	var alerts []Alert
	for _, window := range []cost.Window{cost.Window5h, cost.WindowWeekly, cost.WindowMonthly} {
		limit := limitFor(p, window)
		if limit <= 0 {
			continue
		}

		spend, err := w.costs.WindowSpend(ctx, p.ID, window)
		if err != nil {
			w.logger.Warn("cost window read failed",
				"provider_id", p.ID,
				"window", window,
				"error", err,
			)
			continue
		}

		if alert := w.evaluate(ctx, p.ID, window, limit, spend); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

func (w *Watcher) evaluate(ctx context.Context, providerID string, window cost.Window, limit, spend float64) *Alert {
	fraction := spend / limit

	var level AlertLevel
	switch {
	case fraction >= 1.0:
		level = AlertLevelExceeded
	case fraction >= w.thresholds.Critical:
		level = AlertLevelCritical
	case fraction >= w.thresholds.Warning:
		level = AlertLevelWarning
	default:
		w.dedup.Clear(ctx, dedupKeys(providerID, window)...)
		return nil
	}

	if !w.dedup.ShouldSend(ctx, dedupKey(providerID, window, level)) {
		return nil
	}

	alert := &Alert{
		ProviderID: providerID,
		Window:     window,
		Level:      level,
		LimitUSD:   limit,
		SpendUSD:   spend,
		Percentage: fraction * 100,
		Timestamp:  time.Now(),
	}

	metrics.RecordCostAlert(window.String(), string(level))
	w.logger.Warn("cost threshold crossed",
		"provider_id", providerID,
		"window", window,
		"level", level,
		"spend_usd", spend,
		"limit_usd", limit,
	)

	if err := w.notifier.Send(ctx, notifications.Notification{
		Type:       notificationTypeFor(level),
		ProviderID: providerID,
		Message: fmt.Sprintf("provider %s spent $%.2f of $%.2f (%.0f%%) in the %s window",
			providerID, spend, limit, alert.Percentage, window),
		Data: map[string]interface{}{
			"window":    window.String(),
			"level":     string(level),
			"spend_usd": spend,
			"limit_usd": limit,
		},
	}); err != nil {
		w.logger.Error("cost alert publish failed",
			"provider_id", providerID,
			"window", window,
			"error", err,
		)
	}

	return alert
}

func limitFor(p *domain.Provider, window cost.Window) float64 {
	switch window {
	case cost.Window5h:
		return p.Limit5hUSD
	case cost.WindowWeekly:
		return p.LimitWeeklyUSD
	case cost.WindowMonthly:
		return p.LimitMonthlyUSD
	}
	return 0
}

func notificationTypeFor(level AlertLevel) notifications.NotificationType {
	switch level {
	case AlertLevelCritical:
		return notifications.NotificationCostCritical
	case AlertLevelExceeded:
		return notifications.NotificationCostExceeded
	default:
		return notifications.NotificationCostWarning
	}
}

func dedupKey(providerID string, window cost.Window, level AlertLevel) string {
	return fmt.Sprintf("cost:%s:%s:%s", providerID, window, level)
}

func dedupKeys(providerID string, window cost.Window) []string {
	return []string{
		dedupKey(providerID, window, AlertLevelWarning),
		dedupKey(providerID, window, AlertLevelCritical),
		dedupKey(providerID, window, AlertLevelExceeded),
	}
}
