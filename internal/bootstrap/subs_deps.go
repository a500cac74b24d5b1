// Package bootstrap wires configuration, stores, adapters and services
// into runnable units.
package bootstrap

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"subs_server/adapter/out/llm"
	"subs_server/adapter/out/mongodb"
	"subs_server/adapter/out/persistence"
	"subs_server/adapter/out/provider"
	"subs_server/config"
	"subs_server/core/port/out"
	"subs_server/core/service/auth"
	"subs_server/core/service/classify"
	"subs_server/core/service/dedup"
	"subs_server/core/service/filter"
	"subs_server/core/service/jobqueue"
	"subs_server/core/service/progress"
	"subs_server/core/service/sync"
	"subs_server/infra/database"
	"subs_server/pkg/crypto"
	"subs_server/pkg/logger"
	"subs_server/pkg/ratelimit"
)

type Dependencies struct {
	Config  *config.Config
	DB      *pgxpool.Pool
	SQLDB   *sqlx.DB
	Redis   *redis.Client
	MongoDB *mongo.Database
	Log     zerolog.Logger

	// Repositories
	ConnectionRepo out.ConnectionRepository
	ProcessedRepo  out.ProcessedEmailRepository
	SubRepo        out.SubscriptionRepository
	JobRepo        out.SyncJobRepository

	// Providers
	TokenService *auth.TokenService
	GmailSource  *provider.GmailSource
	LLMClient    *llm.OpenAIClient
	CostTracker  *llm.CostTracker
	BodyArchive  *mongodb.BodyArchive

	// Services
	Filter       *filter.EmailFilter
	Classifier   *classify.Service
	Deduper      *dedup.Service
	Jobs         *jobqueue.Service
	Tracker      *progress.Tracker
	Orchestrator *sync.Orchestrator

	// Shared infra
	LLMPacer  *ratelimit.SlidingWindowLimiter
	Debouncer *ratelimit.Debouncer
}

func NewDependencies(cfg *config.Config) (*Dependencies, func(), error) {
	deps := &Dependencies{
		Config: cfg,
		Log:    zerolog.New(os.Stdout).With().Timestamp().Str("service", "subwatch").Logger(),
	}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	// PostgreSQL
	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	deps.DB = db
	cleanups = append(cleanups, func() { db.Close() })

	deps.SQLDB = database.WrapSQLX(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := database.EnsureSchema(ctx, deps.SQLDB); err != nil {
		cleanup()
		return nil, nil, err
	}

	// Redis is optional; the limiter and debouncer degrade to local
	// fallbacks without it
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Warn("Redis unavailable, rate limiting degrades to in-process: %v", err)
		} else {
			deps.Redis = redisClient
			cleanups = append(cleanups, func() { redisClient.Close() })
		}
	}

	// MongoDB body archive is optional
	if cfg.MongoDBURL != "" {
		mongoDB, err := database.NewMongo(cfg.MongoDBURL, cfg.MongoDBName)
		if err != nil {
			logger.Warn("MongoDB unavailable, body archiving disabled: %v", err)
		} else {
			deps.MongoDB = mongoDB
			deps.BodyArchive = mongodb.NewBodyArchive(mongoDB)
			if err := deps.BodyArchive.EnsureIndexes(ctx); err != nil {
				logger.Warn("Failed to create body archive indexes: %v", err)
			}
			cleanups = append(cleanups, func() {
				_ = mongoDB.Client().Disconnect(context.Background())
			})
		}
	}

	// Repositories
	deps.ConnectionRepo = persistence.NewConnectionAdapter(deps.SQLDB)
	deps.ProcessedRepo = persistence.NewProcessedEmailAdapter(deps.SQLDB)
	deps.SubRepo = persistence.NewSubscriptionAdapter(deps.SQLDB)
	deps.JobRepo = persistence.NewSyncJobAdapter(deps.SQLDB)

	// Token service
	encryptor, err := crypto.NewEncryptor([]byte(cfg.EncryptionKey))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.TokenService = auth.NewTokenService(deps.ConnectionRepo, encryptor, cfg.GoogleClientID, cfg.GoogleClientSecret)

	// Mailbox provider
	deps.GmailSource = provider.NewGmailSource(deps.TokenService, deps.Log)

	// Classifier stack
	deps.LLMClient = llm.NewOpenAIClient(llm.ClientConfig{
		APIKey: cfg.OpenAIAPIKey,
		Model:  cfg.LLMModel,
	})
	deps.CostTracker = llm.NewCostTracker()
	deps.LLMPacer = ratelimit.NewSlidingWindowLimiterWithWindow(deps.Redis, cfg.LLMRequestsPerMin, 5, time.Minute)
	deps.Classifier = classify.NewService(deps.LLMClient, cfg.LLMModel, cfg.ConfidenceGate).
		WithPacer(deps.LLMPacer).
		WithUsageRecorder(deps.CostTracker)

	// Pipeline services
	deps.Filter = filter.NewEmailFilter()
	deps.Deduper = dedup.NewService()
	deps.Jobs = jobqueue.NewService(deps.JobRepo).
		WithTimeouts(cfg.JobStuckTimeout, cfg.JobRetention)
	deps.Tracker = progress.NewTracker()
	deps.Debouncer = ratelimit.NewDebouncer(deps.Redis, 1*time.Minute)

	deps.Orchestrator = sync.NewOrchestrator(
		deps.ConnectionRepo,
		deps.ProcessedRepo,
		deps.SubRepo,
		deps.GmailSource,
		deps.Filter,
		deps.Classifier,
		deps.Deduper,
		deps.Jobs,
		deps.Tracker,
	)
	if deps.BodyArchive != nil {
		deps.Orchestrator = deps.Orchestrator.WithBodyStore(deps.BodyArchive)
	}

	return deps, cleanup, nil
}
