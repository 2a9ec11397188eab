package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/admission"
	"github.com/modelmux/modelmux/internal/api"
	"github.com/modelmux/modelmux/internal/audit"
	"github.com/modelmux/modelmux/internal/auth"
	"github.com/modelmux/modelmux/internal/circuitbreaker"
	"github.com/modelmux/modelmux/internal/config"
	"github.com/modelmux/modelmux/internal/cost"
	"github.com/modelmux/modelmux/internal/costwatch"
	"github.com/modelmux/modelmux/internal/crypto"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/notifications"
	"github.com/modelmux/modelmux/internal/policy"
	"github.com/modelmux/modelmux/internal/repository"
	"github.com/modelmux/modelmux/internal/router"
	"github.com/modelmux/modelmux/internal/secrets"
	"github.com/modelmux/modelmux/internal/session"
	"github.com/modelmux/modelmux/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
		if err != nil {
			slog.Error("secrets manager init failed", "error", err)
			os.Exit(1)
		}
		if err := cfg.LoadSecrets(ctx, store); err != nil {
			slog.Error("failed to load secrets", "error", err)
			os.Exit(1)
		}
		slog.Info("config overlaid from secrets manager", "secret", cfg.SecretsName)
	}

	slog.Info("starting modelmux", "addr", cfg.Addr)

	shutdownTelemetry, err := telemetry.Init(ctx, "modelmux", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}

	// All coordination stores share one connection pool. Replicas only
	// converge when Redis is configured; a set-but-unreachable URL is an
	// operator error, not a fallback case.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)

		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = redisClient.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			slog.Error("redis unreachable", "error", err)
			os.Exit(1)
		}
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			slog.Error("invalid DATABASE_URL", "error", err)
			os.Exit(1)
		}
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		pingCancel()
		if err != nil {
			slog.Error("postgres unreachable", "error", err)
			os.Exit(1)
		}
	}

	source, closeSource := buildProviderSource(ctx, cfg, db)
	defer closeSource()

	var settingsRepo repository.SettingsRepository
	if db != nil {
		settingsRepo = repository.NewPostgresSettingsRepository(db)
	} else {
		settingsRepo = repository.NewInMemorySettingsRepository()
		slog.Warn("settings not durable without DATABASE_URL, policy changes reset on restart")
	}

	var (
		circuitStore circuitbreaker.Store
		admissions   admission.Controller
		sessions     session.Store
		costs        cost.Store
	)
	if redisClient != nil {
		circuitStore = circuitbreaker.NewRedisStoreWithClient(redisClient)
		admissions = admission.NewRedisControllerWithClient(redisClient, cfg.AdmissionSlotTTL)
		sessions = session.NewRedisStoreWithClient(redisClient, cfg.SessionTTL)
		costs = cost.NewRedisStoreWithClient(redisClient)
		slog.Info("using redis coordination stores")
	} else {
		circuitStore = circuitbreaker.NewInMemoryStore()
		admissions = admission.NewInMemoryController(cfg.AdmissionSlotTTL)
		sessions = session.NewInMemoryStore(cfg.SessionTTL)
		if db != nil {
			costs = repository.NewPostgresCostStore(db)
		} else {
			costs = cost.NewInMemoryStore()
		}
		slog.Warn("using in-memory coordination stores, replicas will not converge")
	}

	recorder, trailReader, sqliteSink := buildRecorder(ctx, cfg)

	var retention *audit.RetentionScheduler
	if sqliteSink != nil {
		retention = audit.NewRetentionScheduler(sqliteSink, cfg.AuditPruneSchedule, cfg.AuditRetention)
		if err := retention.Start(ctx); err != nil {
			slog.Warn("audit retention scheduler not started", "error", err)
			retention = nil
		}
	}

	managerOpts := []circuitbreaker.ManagerOption{
		circuitbreaker.WithTransitionHook(func(ctx context.Context, t circuitbreaker.Transition) {
			metrics.RecordCircuitTransition(t.Key, t.To.String())
			metrics.SetCircuitState(t.Key, int(t.To))
		}),
	}

	var notifier notifications.Notifier
	var dedup notifications.Deduplicator
	if cfg.AlertTopicARN != "" {
		notifier, err = notifications.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.AlertTopicARN)
		if err != nil {
			slog.Warn("sns notifier init failed, alerts disabled", "error", err)
			notifier = nil
		} else {
			if redisClient != nil {
				dedup = notifications.NewRedisDeduplicatorWithClient(redisClient, notifications.DefaultDedupTTL)
			} else {
				dedup = notifications.NewInMemoryDeduplicator(notifications.DefaultDedupTTL)
			}
			managerOpts = append(managerOpts, circuitbreaker.WithTransitionHook(notifications.CircuitHook(notifier, dedup)))
			slog.Info("circuit alerts enabled", "topic", cfg.AlertTopicARN)
		}
	}

	circuits := circuitbreaker.NewManager(circuitStore, circuitbreaker.DefaultConfig(), managerOpts...)
	degradation := policy.NewDegradation(settingsRepo, cfg.CrossGroupDegradation)

	resolver := router.NewResolver(source, circuits, admissions, sessions, costs, degradation, recorder)

	if notifier != nil {
		watcher := costwatch.NewWatcher(source, costs, notifier, dedup, costwatch.DefaultThresholds())
		go watcher.Run(ctx, cfg.CostWatchInterval)
	}

	var verifier *auth.TokenVerifier
	if cfg.AdminTokenHash != "" {
		verifier, err = auth.NewTokenVerifier(cfg.AdminTokenHash)
		if err != nil {
			slog.Error("invalid ADMIN_TOKEN_HASH", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("ADMIN_TOKEN_HASH not set, admin API rejects all requests")
	}

	var checkers []api.HealthChecker
	if redisClient != nil {
		checkers = append(checkers, api.NewRedisHealthCheckerWithClient(redisClient))
	}
	if db != nil {
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
	}

	handler := api.NewHandler(api.HandlerConfig{
		Resolver:  resolver,
		Providers: source,
		Circuits:  circuits,
		Admission: admissions,
		Costs:     costs,
		Checkers:  checkers,
	})
	admin := api.NewAdminHandler(api.AdminConfig{
		Auth:        auth.NewMiddleware(verifier),
		Providers:   source,
		Circuits:    circuits,
		Degradation: degradation,
		Trails:      trailReader,
	})

	root := http.NewServeMux()
	root.Handle("/admin/", admin)
	root.Handle("/", handler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      root,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop feeders before draining the recorder so no trail is lost.
	cancel()
	if retention != nil {
		retention.Stop()
	}
	if err := recorder.Close(); err != nil {
		slog.Warn("recorder close failed", "error", err)
	}
	if sqliteSink != nil {
		if err := sqliteSink.Close(); err != nil {
			slog.Warn("sqlite sink close failed", "error", err)
		}
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	if redisClient != nil {
		redisClient.Close()
	}
	if db != nil {
		db.Close()
	}

	slog.Info("server stopped")
}

// buildProviderSource picks the snapshot source: a YAML file with hot reload
// for single-node setups, otherwise Postgres behind a TTL cache. Running
// without either leaves nothing to route to.
func buildProviderSource(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.Source, func()) {
	switch {
	case cfg.ProvidersFile != "":
		fileSource, err := repository.NewFileProviderSource(cfg.ProvidersFile)
		if err != nil {
			slog.Error("failed to load provider file", "error", err)
			os.Exit(1)
		}
		if err := fileSource.Watch(ctx); err != nil {
			slog.Warn("provider file watch failed, hot reload disabled", "error", err)
		}
		slog.Info("using file provider source", "path", cfg.ProvidersFile)
		return fileSource, func() { fileSource.Close() }

	case db != nil:
		var encryptor *crypto.Encryptor
		if cfg.EncryptionSecret != "" {
			var err error
			encryptor, err = crypto.NewEncryptor(cfg.EncryptionSecret)
			if err != nil {
				slog.Error("invalid ENCRYPTION_SECRET", "error", err)
				os.Exit(1)
			}
		} else {
			slog.Warn("ENCRYPTION_SECRET not set, provider credentials stored in cleartext")
		}
		repo := repository.NewPostgresProviderRepository(db, encryptor)
		slog.Info("using postgres provider source", "refresh_ttl", cfg.ProviderRefreshTTL)
		return repository.NewCachedProviderSource(repo, cfg.ProviderRefreshTTL), func() {}

	default:
		slog.Error("no provider source configured: set PROVIDERS_FILE or DATABASE_URL")
		os.Exit(1)
		return nil, nil
	}
}

// buildRecorder assembles the decision trail pipeline. The log sink is always
// on; SQS, webhook and SQLite join when configured. Sink failures never block
// startup: trails are best effort by contract.
func buildRecorder(ctx context.Context, cfg *config.Config) (*audit.Recorder, api.TrailReader, *audit.SQLiteSink) {
	sinks := []audit.Sink{audit.LogSink{}}

	var trailReader api.TrailReader
	var sqliteSink *audit.SQLiteSink
	if cfg.AuditSQLitePath != "" {
		sink, err := audit.NewSQLiteSink(cfg.AuditSQLitePath)
		if err != nil {
			slog.Warn("sqlite audit sink init failed, decision replay disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
			sqliteSink = sink
			trailReader = sink
			slog.Info("sqlite audit sink enabled", "path", cfg.AuditSQLitePath)
		}
	}

	if cfg.AuditQueueURL != "" {
		sink, err := audit.NewSQSSink(ctx, cfg.AWSRegion, cfg.AuditQueueURL)
		if err != nil {
			slog.Warn("sqs audit sink init failed, skipping", "error", err)
		} else {
			sinks = append(sinks, sink)
			slog.Info("sqs audit sink enabled", "queue", cfg.AuditQueueURL)
		}
	}

	if cfg.AuditWebhookURL != "" {
		sinks = append(sinks, audit.NewWebhookSink(cfg.AuditWebhookURL))
		slog.Info("webhook audit sink enabled", "url", cfg.AuditWebhookURL)
	}

	return audit.NewRecorder(cfg.AuditBuffer, sinks...), trailReader, sqliteSink
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
