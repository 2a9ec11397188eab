package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/modelmux/modelmux/internal/crypto"
	"github.com/modelmux/modelmux/internal/domain"
)

const providerColumns = `
	id, name, provider_type, enabled,
	priority, weight, cost_multiplier,
	group_tags, allowed_models, model_redirects, join_claude_pool,
	limit_5h_usd, limit_weekly_usd, limit_monthly_usd, limit_concurrent_sessions,
	failure_threshold, open_duration_ms, half_open_success_threshold,
	base_url, api_key_encrypted, created_at, updated_at`

// PostgresProviderRepository reads and writes provider rows. When an
// encryptor is set, api_key_encrypted holds AES-GCM ciphertext and rows are
// decrypted on load so callers only ever see plaintext credentials.
type PostgresProviderRepository struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

func NewPostgresProviderRepository(db *sql.DB, encryptor *crypto.Encryptor) *PostgresProviderRepository {
	return &PostgresProviderRepository{db: db, encryptor: encryptor}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *PostgresProviderRepository) scanProvider(row rowScanner) (*domain.Provider, error) {
	var p domain.Provider
	var groupTags, allowedModels pq.StringArray
	var redirects []byte
	var baseURL, apiKey sql.NullString

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.ProviderType,
		&p.Enabled,
		&p.Priority,
		&p.Weight,
		&p.CostMultiplier,
		&groupTags,
		&allowedModels,
		&redirects,
		&p.JoinClaudePool,
		&p.Limit5hUSD,
		&p.LimitWeeklyUSD,
		&p.LimitMonthlyUSD,
		&p.LimitConcurrentSessions,
		&p.FailureThreshold,
		&p.OpenDurationMs,
		&p.HalfOpenSuccessThreshold,
		&baseURL,
		&apiKey,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.GroupTags = []string(groupTags)
	p.AllowedModels = []string(allowedModels)
	if len(redirects) > 0 {
		if err := json.Unmarshal(redirects, &p.ModelRedirects); err != nil {
			return nil, fmt.Errorf("decode model redirects for %s: %w", p.ID, err)
		}
	}
	if baseURL.Valid {
		p.BaseURL = baseURL.String
	}
	if apiKey.Valid && apiKey.String != "" {
		p.APIKey = apiKey.String
		if r.encryptor != nil {
			plain, err := r.encryptor.Decrypt(apiKey.String)
			if err != nil {
				return nil, fmt.Errorf("decrypt api key for %s: %w", p.ID, err)
			}
			p.APIKey = plain
		}
	}

	return &p, nil
}

func (r *PostgresProviderRepository) GetByID(ctx context.Context, id string) (*domain.Provider, error) {
	query := `SELECT` + providerColumns + `
		FROM providers
		WHERE id = $1
	`

	p, err := r.scanProvider(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrProviderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider: %w", err)
	}
	return p, nil
}

func (r *PostgresProviderRepository) List(ctx context.Context) ([]*domain.Provider, error) {
	query := `SELECT` + providerColumns + `
		FROM providers
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query providers: %w", err)
	}
	defer rows.Close()

	var providers []*domain.Provider
	for rows.Next() {
		p, err := r.scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		providers = append(providers, p)
	}

	return providers, rows.Err()
}

func (r *PostgresProviderRepository) storedKey(apiKey string) (sql.NullString, error) {
	if apiKey == "" {
		return sql.NullString{}, nil
	}
	if r.encryptor == nil {
		return sql.NullString{String: apiKey, Valid: true}, nil
	}
	enc, err := r.encryptor.Encrypt(apiKey)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encrypt api key: %w", err)
	}
	return sql.NullString{String: enc, Valid: true}, nil
}

func (r *PostgresProviderRepository) Create(ctx context.Context, provider *domain.Provider) error {
	query := `
		INSERT INTO providers (` + providerColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
	`

	redirects, err := json.Marshal(provider.ModelRedirects)
	if err != nil {
		return fmt.Errorf("encode model redirects: %w", err)
	}
	apiKey, err := r.storedKey(provider.APIKey)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query,
		provider.ID,
		provider.Name,
		provider.ProviderType,
		provider.Enabled,
		provider.Priority,
		provider.Weight,
		provider.CostMultiplier,
		pq.Array(provider.GroupTags),
		pq.Array(provider.AllowedModels),
		redirects,
		provider.JoinClaudePool,
		provider.Limit5hUSD,
		provider.LimitWeeklyUSD,
		provider.LimitMonthlyUSD,
		provider.LimitConcurrentSessions,
		provider.FailureThreshold,
		provider.OpenDurationMs,
		provider.HalfOpenSuccessThreshold,
		sql.NullString{String: provider.BaseURL, Valid: provider.BaseURL != ""},
		apiKey,
		provider.CreatedAt,
		provider.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("insert provider: %w", err)
	}

	return nil
}

func (r *PostgresProviderRepository) Update(ctx context.Context, provider *domain.Provider) error {
	query := `
		UPDATE providers
		SET name = $2, provider_type = $3, enabled = $4,
		    priority = $5, weight = $6, cost_multiplier = $7,
		    group_tags = $8, allowed_models = $9, model_redirects = $10, join_claude_pool = $11,
		    limit_5h_usd = $12, limit_weekly_usd = $13, limit_monthly_usd = $14, limit_concurrent_sessions = $15,
		    failure_threshold = $16, open_duration_ms = $17, half_open_success_threshold = $18,
		    base_url = $19, api_key_encrypted = $20, updated_at = $21
		WHERE id = $1
	`

	redirects, err := json.Marshal(provider.ModelRedirects)
	if err != nil {
		return fmt.Errorf("encode model redirects: %w", err)
	}
	apiKey, err := r.storedKey(provider.APIKey)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx, query,
		provider.ID,
		provider.Name,
		provider.ProviderType,
		provider.Enabled,
		provider.Priority,
		provider.Weight,
		provider.CostMultiplier,
		pq.Array(provider.GroupTags),
		pq.Array(provider.AllowedModels),
		redirects,
		provider.JoinClaudePool,
		provider.Limit5hUSD,
		provider.LimitWeeklyUSD,
		provider.LimitMonthlyUSD,
		provider.LimitConcurrentSessions,
		provider.FailureThreshold,
		provider.OpenDurationMs,
		provider.HalfOpenSuccessThreshold,
		sql.NullString{String: provider.BaseURL, Valid: provider.BaseURL != ""},
		apiKey,
		time.Now(),
	)

	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}

	return nil
}

func (r *PostgresProviderRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM providers WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete provider: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return domain.ErrProviderNotFound
	}

	return nil
}
