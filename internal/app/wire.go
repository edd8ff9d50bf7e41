package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/wafflebay/marketd/internal/blob/s3"
	"github.com/wafflebay/marketd/internal/cache/redis"
	"github.com/wafflebay/marketd/internal/chain"
	"github.com/wafflebay/marketd/internal/config"
	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
	"github.com/wafflebay/marketd/internal/engine"
	"github.com/wafflebay/marketd/internal/notify"
	"github.com/wafflebay/marketd/internal/platform/semaphore"
	"github.com/wafflebay/marketd/internal/service"
	"github.com/wafflebay/marketd/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	EscrowStore domain.EscrowStore
	AuditStore  domain.AuditStore

	// Caches
	MarketCache domain.MarketCache
	LockManager domain.LockManager
	EventBus    domain.EventBus
	RateLimiter domain.RateLimiter

	// External services
	Verifier domain.IdentityVerifier
	Entropy  domain.EntropySource

	// Blob storage
	BlobWriter domain.BlobWriter
	Archiver   *s3blob.Archiver

	// Notifications
	Notifier *notify.Notifier

	// Core
	Engine  *engine.Engine
	Service *service.MarketService
	Keeper  *service.SecretKeeper
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.MarketStore = postgres.NewMarketStore(pgClient)
	deps.EscrowStore = postgres.NewEscrowStore(pgClient)
	deps.AuditStore = postgres.NewAuditStore(pgClient)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.MarketCache = redis.NewMarketCache(redisClient)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- Chain entropy source ---
	entropy, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: chain: %w", err)
	}
	closers = append(closers, entropy.Close)
	deps.Entropy = entropy

	// --- Identity verifier ---
	deps.Verifier = semaphore.NewClient(cfg.Verifier.BaseURL, cfg.Verifier.ApiKey)

	// --- Engine ---
	params := engine.Params{
		FoundationAccount: cfg.Market.FoundationAccount,
		OperationsAccount: cfg.Market.OperationsAccount,
		FoundationFeePct:  cfg.Market.FoundationFeePct,
		OperationsFeePct:  cfg.Market.OperationsFeePct,
		LotteryWinnerPct:  cfg.Market.LotteryWinnerPct,
		SlashPct:          cfg.Market.SlashPct,
		SellerDepositPct:  cfg.Market.SellerDepositPct,
		RevealMinWait:     cfg.Market.RevealMinWaitBlocks,
		RevealWindow:      cfg.Market.RevealWindowBlocks,
		CommitTimeout:     cfg.Market.CommitTimeout.Duration,
		// The external nullifier is the keccak hash of the scope string.
		ExternalNullifier: crypto.Commit([]byte(cfg.Verifier.Scope)),
		GroupID:           cfg.Verifier.GroupID,
	}
	deps.Engine = engine.New(deps.Verifier, deps.Entropy, params, nil)

	// --- S3 blob storage (optional) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Market service ---
	var notifier service.Notifier
	if len(senders) > 0 {
		notifier = deps.Notifier
	}
	var archiver service.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	deps.Service = service.NewMarketService(
		deps.Engine,
		deps.MarketStore,
		deps.EscrowStore,
		deps.MarketCache,
		deps.LockManager,
		deps.EventBus,
		notifier,
		archiver,
		logger,
	)

	// --- Commit-secret keeper (optional) ---
	if cfg.Secrets.Dir != "" {
		keeper, err := service.NewSecretKeeper(cfg.Secrets.Dir, cfg.Secrets.Password)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: secret keeper: %w", err)
		}
		deps.Keeper = keeper
	}

	return deps, cleanup, nil
}
