package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteBusyTimeout = 5 * time.Second

// SQLiteSink persists trails to a local SQLite file and serves the decision
// replay endpoint. One row per request id; a replayed request id overwrites
// its previous trail.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=NORMAL",
		path, sqliteBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
	CREATE TABLE IF NOT EXISTS decision_trails (
		request_id TEXT PRIMARY KEY,
		outcome TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		trail TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_decision_trails_recorded_at ON decision_trails(recorded_at);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Name() string { return "sqlite" }

func (s *SQLiteSink) Write(ctx context.Context, trail *Trail) error {
	body, err := json.Marshal(trail)
	if err != nil {
		return fmt.Errorf("marshal trail: %w", err)
	}

	recordedAt := trail.FinishedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_trails (request_id, outcome, recorded_at, trail)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			outcome = excluded.outcome,
			recorded_at = excluded.recorded_at,
			trail = excluded.trail
	`, trail.RequestID, trail.Outcome, recordedAt.UnixMilli(), string(body))
	if err != nil {
		return fmt.Errorf("insert trail: %w", err)
	}

	return nil
}

// TrailByRequestID returns the stored trail for a request, or (nil, nil)
// when none was recorded.
func (s *SQLiteSink) TrailByRequestID(ctx context.Context, requestID string) (*Trail, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT trail FROM decision_trails WHERE request_id = ?`, requestID,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trail: %w", err)
	}

	var trail Trail
	if err := json.Unmarshal([]byte(body), &trail); err != nil {
		return nil, fmt.Errorf("unmarshal trail: %w", err)
	}

	return &trail, nil
}

// Prune deletes trails recorded before the cutoff and reports how many went.
func (s *SQLiteSink) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM decision_trails WHERE recorded_at < ?`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune trails: %w", err)
	}

	return result.RowsAffected()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
