// Package policy resolves operator-tunable routing policies. The only one
// today is cross-group degradation: whether a caller whose groups match no
// provider may fall back to the full model-eligible pool.
package policy

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/domain"
	"github.com/modelmux/modelmux/internal/repository"
)

const cacheTTL = 5 * time.Second

// Degradation resolves the cross-group degradation flag with the precedence
// persisted setting > configured default > false. The persisted value is
// cached briefly so the settings store stays off the per-request path.
type Degradation struct {
	settings       repository.SettingsRepository
	defaultEnabled bool

	mu        sync.Mutex
	cached    bool
	fetchedAt time.Time

	now func() time.Time
}

func NewDegradation(settings repository.SettingsRepository, defaultEnabled bool) *Degradation {
	return &Degradation{
		settings:       settings,
		defaultEnabled: defaultEnabled,
		now:            time.Now,
	}
}

// Enabled reports the effective policy. A store error resolves to the
// configured default rather than failing the request.
func (d *Degradation) Enabled(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.now().Sub(d.fetchedAt) < cacheTTL {
		return d.cached
	}

	value := d.defaultEnabled
	raw, err := d.settings.Get(ctx, repository.SettingCrossGroupDegradation)
	switch {
	case err == domain.ErrSettingNotFound:
		// No persisted override.
	case err != nil:
		slog.Warn("cross-group degradation setting read failed, using default",
			"default", d.defaultEnabled,
			"error", err,
		)
	default:
		parsed, perr := strconv.ParseBool(raw)
		if perr != nil {
			slog.Warn("cross-group degradation setting is not a bool, using default",
				"value", raw,
				"default", d.defaultEnabled,
			)
		} else {
			value = parsed
		}
	}

	d.cached = value
	d.fetchedAt = d.now()
	return value
}

// Set persists the policy and refreshes the cache.
func (d *Degradation) Set(ctx context.Context, enabled bool) error {
	if err := d.settings.Set(ctx, repository.SettingCrossGroupDegradation, strconv.FormatBool(enabled)); err != nil {
		return err
	}

	d.mu.Lock()
	d.cached = enabled
	d.fetchedAt = d.now()
	d.mu.Unlock()
	return nil
}
