package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/modelmux/modelmux/internal/cost"
)

// PostgresCostStore implements cost.Store against the usage_records table.
// It is the durable alternative to the Redis bucket store for deployments
// that already carry Postgres.
type PostgresCostStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresCostStore(db *sql.DB) *PostgresCostStore {
	return &PostgresCostStore{db: db, now: time.Now}
}

func (r *PostgresCostStore) Record(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	query := `
		INSERT INTO usage_records (provider_id, cost_usd, recorded_at)
		VALUES ($1, $2, $3)
	`

	_, err := r.db.ExecContext(ctx, query, providerID, costUSD, at.UTC())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}

	return nil
}

func (r *PostgresCostStore) WindowSpend(ctx context.Context, providerID string, w cost.Window) (float64, error) {
	since, err := windowStart(r.now().UTC(), w)
	if err != nil {
		return 0, err
	}

	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE provider_id = $1 AND recorded_at >= $2
	`

	var total float64
	if err := r.db.QueryRowContext(ctx, query, providerID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("query window spend: %w", err)
	}

	return total, nil
}

// windowStart maps a window to its inclusive lower bound in UTC. The weekly
// window starts on the ISO Monday, the monthly window on the first of the
// month.
func windowStart(now time.Time, w cost.Window) (time.Time, error) {
	switch w {
	case cost.Window5h:
		return now.Add(-5 * time.Hour), nil
	case cost.WindowWeekly:
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		monday := now.AddDate(0, 0, -daysSinceMonday)
		return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, time.UTC), nil
	case cost.WindowMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return time.Time{}, fmt.Errorf("unknown spend window %d", w)
	}
}
