package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/modelmux/modelmux/internal/secrets"
)

type Config struct {
	Addr        string
	LogLevel    string
	RedisURL    string
	DatabaseURL string

	// Provider snapshot source. A file path enables the YAML source with
	// hot reload; otherwise Postgres (DATABASE_URL) or the in-memory repo.
	ProvidersFile      string
	ProviderRefreshTTL time.Duration

	SessionTTL       time.Duration
	AdmissionSlotTTL time.Duration

	// Default for the cross-group degradation policy when no persisted
	// setting exists.
	CrossGroupDegradation bool

	OTLPEndpoint string
	AWSRegion    string

	// Decision trail sinks. Each empty value disables its sink; the log
	// sink is always on.
	AuditQueueURL      string
	AuditWebhookURL    string
	AuditSQLitePath    string
	AuditPruneSchedule string
	AuditRetention     time.Duration
	AuditBuffer        int

	AlertTopicARN     string
	CostWatchInterval time.Duration

	AdminTokenHash   string
	EncryptionSecret string

	// SecretsName names an AWS Secrets Manager JSON document overlaid on
	// the environment by LoadSecrets.
	SecretsName string

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:                  getEnv("ADDR", ":8080"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		RedisURL:              getEnv("REDIS_URL", ""),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		ProvidersFile:         getEnv("PROVIDERS_FILE", ""),
		ProviderRefreshTTL:    getDurationEnv("PROVIDER_REFRESH_TTL", 30*time.Second),
		SessionTTL:            getDurationEnv("SESSION_TTL", time.Hour),
		AdmissionSlotTTL:      getDurationEnv("ADMISSION_SLOT_TTL", 15*time.Minute),
		CrossGroupDegradation: getBoolEnv("CROSS_GROUP_DEGRADATION", false),
		OTLPEndpoint:          getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:             getEnv("AWS_REGION", ""),
		AuditQueueURL:         getEnv("AUDIT_QUEUE_URL", ""),
		AuditWebhookURL:       getEnv("AUDIT_WEBHOOK_URL", ""),
		AuditSQLitePath:       getEnv("AUDIT_SQLITE_PATH", ""),
		AuditPruneSchedule:    getEnv("AUDIT_PRUNE_SCHEDULE", "0 3 * * *"),
		AuditRetention:        getDurationEnv("AUDIT_RETENTION", 30*24*time.Hour),
		AuditBuffer:           getIntEnv("AUDIT_BUFFER", 1024),
		AlertTopicARN:         getEnv("ALERT_TOPIC_ARN", ""),
		CostWatchInterval:     getDurationEnv("COST_WATCH_INTERVAL", time.Minute),
		AdminTokenHash:        getEnv("ADMIN_TOKEN_HASH", ""),
		EncryptionSecret:      getEnv("ENCRYPTION_SECRET", ""),
		SecretsName:           getEnv("SECRETS_NAME", ""),
		ShutdownTimeout:       getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

// secretOverlay is the Secrets Manager document shape. Empty fields keep
// whatever the environment provided.
type secretOverlay struct {
	RedisURL         string `json:"redis_url"`
	DatabaseURL      string `json:"database_url"`
	EncryptionSecret string `json:"encryption_secret"`
	AdminTokenHash   string `json:"admin_token_hash"`
}

// LoadSecrets overlays sensitive fields from the configured Secrets Manager
// document. A missing SecretsName is a no-op.
func (c *Config) LoadSecrets(ctx context.Context, store secrets.SecretStore) error {
	if c.SecretsName == "" {
		return nil
	}

	var overlay secretOverlay
	if err := store.GetSecretJSON(ctx, c.SecretsName, &overlay); err != nil {
		return fmt.Errorf("load secrets %s: %w", c.SecretsName, err)
	}

	if overlay.RedisURL != "" {
		c.RedisURL = overlay.RedisURL
	}
	if overlay.DatabaseURL != "" {
		c.DatabaseURL = overlay.DatabaseURL
	}
	if overlay.EncryptionSecret != "" {
		c.EncryptionSecret = overlay.EncryptionSecret
	}
	if overlay.AdminTokenHash != "" {
		c.AdminTokenHash = overlay.AdminTokenHash
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv reads a whole number of seconds.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
