package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/modelmux/modelmux/internal/circuitbreaker"
)

const publishTimeout = 5 * time.Second

// CircuitHook returns a transition hook that publishes provider-down when a
// circuit opens and provider-up when it recloses. The manager invokes hooks
// only on state changes; half-open probes stay silent. Publishing happens
// off the reporting goroutine so outcome reports never wait on SNS.
func CircuitHook(notifier Notifier, dedup Deduplicator) circuitbreaker.TransitionHook {
	return func(ctx context.Context, t circuitbreaker.Transition) {
		var notificationType NotificationType
		switch {
		case t.To == circuitbreaker.StateOpen:
			notificationType = NotificationProviderDown
		case t.To == circuitbreaker.StateClosed:
			notificationType = NotificationProviderUp
		default:
			return
		}

		key := fmt.Sprintf("circuit:%s:%s", t.Key, notificationType)
		if !dedup.ShouldSend(ctx, key) {
			return
		}
		if notificationType == NotificationProviderUp {
			dedup.Clear(ctx, fmt.Sprintf("circuit:%s:%s", t.Key, NotificationProviderDown))
		}

		notification := Notification{
			Type:       notificationType,
			ProviderID: providerIDFromKey(t.Key),
			Message:    fmt.Sprintf("circuit %s is now %s", t.Key, t.To),
			Data: map[string]interface{}{
				"circuit_key": t.Key,
				"from":        t.From.String(),
				"to":          t.To.String(),
			},
		}

		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
			defer cancel()

			if err := notifier.Send(sendCtx, notification); err != nil {
				slog.Error("circuit notification failed",
					"key", t.Key,
					"type", notificationType,
					"error", err,
				)
			}
		}()
	}
}

// providerIDFromKey recovers the provider id from an endpoint-scope key.
// Group-scope keys have no single provider; the id stays empty.
func providerIDFromKey(key string) string {
	if id, ok := strings.CutPrefix(key, "endpoint:"); ok {
		return id
	}
	return ""
}
