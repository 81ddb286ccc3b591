package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/brokex/tradeindexer/internal/blob/s3"
	natsbroker "github.com/brokex/tradeindexer/internal/broker/nats"
	"github.com/brokex/tradeindexer/internal/cache/redis"
	"github.com/brokex/tradeindexer/internal/config"
	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/ledger"
	"github.com/brokex/tradeindexer/internal/metrics"
	"github.com/brokex/tradeindexer/internal/notify"
	"github.com/brokex/tradeindexer/internal/server/handler"
	"github.com/brokex/tradeindexer/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function. Optional backends are left nil when not configured.
type Dependencies struct {
	// Stores
	TradeStore  domain.TradeStore
	CursorStore domain.CursorStore
	AssetStore  domain.AssetStore
	Buckets     domain.BucketResolver
	Anomalies   domain.ReconciliationStore

	// Redis (optional)
	Redis       *redis.Client
	AssetCache  domain.AssetCache
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	ChangeLog   *redis.ChangeFeed

	// Ledger node (ingest modes only)
	Ledger *ledger.Client

	// Optional outputs
	BlobWriter domain.BlobWriter
	Publisher  domain.ChangePublisher

	Notifier *notify.Notifier

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	// Health probes keyed by dependency name.
	Health map[string]handler.HealthCheck
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Health: make(map[string]handler.HealthCheck)}

	// --- Metrics ---
	deps.Registry = prometheus.NewRegistry()
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps.Metrics = metrics.New(deps.Registry)

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Supabase.DSN,
		Host:     cfg.Supabase.Host,
		Port:     cfg.Supabase.Port,
		Database: cfg.Supabase.Database,
		User:     cfg.Supabase.User,
		Password: cfg.Supabase.Password,
		SSLMode:  cfg.Supabase.SSLMode,
		MaxConns: cfg.Supabase.PoolMaxConns,
		MinConns: cfg.Supabase.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Supabase.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.TradeStore = postgres.NewTradeStore(pool)
	deps.CursorStore = postgres.NewCursorStore(pool)
	deps.AssetStore = postgres.NewAssetStore(pool)
	deps.Buckets = postgres.NewBucketResolver(pool)
	deps.Anomalies = postgres.NewReconciliationStore(pool)
	deps.Health["postgres"] = func(ctx context.Context) error { return pool.Ping(ctx) }

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Redis = redisClient
		deps.AssetCache = redis.NewAssetCache(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		if cfg.Ingest.ChangeFeed == "redis" {
			deps.ChangeLog = redis.NewChangeFeed(redisClient)
		}
		deps.Health["redis"] = redisClient.Ping
	}

	if cfg.Ingests() {
		// --- Ledger node ---
		lc, err := ledger.Dial(ctx, ledger.Config{
			WSURL:              cfg.Ledger.WSURL,
			ContractAddress:    cfg.Ledger.ContractAddress,
			HandshakeTimeout:   cfg.Ledger.HandshakeTimeout.Duration,
			ReadBufferSize:     cfg.Ledger.ReadBufferSize,
			WriteBufferSize:    cfg.Ledger.WriteBufferSize,
			SubscriptionBuffer: cfg.Ledger.SubscriptionBuffer,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: ledger: %w", err)
		}
		closers = append(closers, lc.Close)
		deps.Ledger = lc
		deps.Health["ledger"] = func(ctx context.Context) error {
			_, err := lc.Tip(ctx)
			return err
		}

		// --- S3 batch archive ---
		if cfg.Ingest.ArchiveBatches {
			s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
				Endpoint:       cfg.S3.Endpoint,
				Region:         cfg.S3.Region,
				Bucket:         cfg.S3.Bucket,
				AccessKey:      cfg.S3.AccessKey,
				SecretKey:      cfg.S3.SecretKey,
				UseSSL:         cfg.S3.UseSSL,
				ForcePathStyle: cfg.S3.ForcePathStyle,
				Prefix:         cfg.S3.Prefix,
			})
			if err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: s3: %w", err)
			}
			closers = append(closers, func() { _ = s3Client.Close() })
			deps.BlobWriter = s3blob.NewWriter(s3Client)
			deps.Health["s3"] = s3Client.Health
		}

		// --- Change feed ---
		if cfg.Ingest.PublishChanges {
			switch cfg.Ingest.ChangeFeed {
			case "nats":
				pub, err := natsbroker.Connect(ctx, natsbroker.Config{
					URL:      cfg.NATS.URL,
					MaxAge:   cfg.NATS.MaxAge.Duration,
					Replicas: cfg.NATS.Replicas,
				}, logger)
				if err != nil {
					cleanup()
					return nil, nil, fmt.Errorf("wire: nats: %w", err)
				}
				closers = append(closers, func() { _ = pub.Close() })
				deps.Publisher = pub
			case "redis":
				if deps.ChangeLog != nil {
					deps.Publisher = deps.ChangeLog
				}
			}
		}
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

	return deps, cleanup, nil
}
