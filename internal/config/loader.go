package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies BROKEX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BROKEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Ledger ──
	setStr(&cfg.Ledger.WSURL, "BROKEX_LEDGER_WS_URL")
	setStr(&cfg.Ledger.ContractAddress, "BROKEX_LEDGER_CONTRACT_ADDRESS")
	setDuration(&cfg.Ledger.HandshakeTimeout, "BROKEX_LEDGER_HANDSHAKE_TIMEOUT")
	setInt(&cfg.Ledger.SubscriptionBuffer, "BROKEX_LEDGER_SUBSCRIPTION_BUFFER")

	// ── Ingest ──
	setStringSlice(&cfg.Ingest.Streams, "BROKEX_INGEST_STREAMS")
	setUint64(&cfg.Ingest.BatchBlocks, "BROKEX_INGEST_BATCH_BLOCKS")
	setDuration(&cfg.Ingest.BatchPause, "BROKEX_INGEST_BATCH_PAUSE")
	setDuration(&cfg.Ingest.FetchRetryPause, "BROKEX_INGEST_FETCH_RETRY_PAUSE")
	setUint64(&cfg.Ingest.RewindBlocks, "BROKEX_INGEST_REWIND_BLOCKS")
	setUint64(&cfg.Ingest.StartBlock, "BROKEX_INGEST_START_BLOCK")
	setDuration(&cfg.Ingest.DedupTTL, "BROKEX_INGEST_DEDUP_TTL")
	setStr(&cfg.Ingest.DedupBackend, "BROKEX_INGEST_DEDUP_BACKEND")
	setInt(&cfg.Ingest.WriteAttempts, "BROKEX_INGEST_WRITE_ATTEMPTS")
	setDuration(&cfg.Ingest.WriteBackoff, "BROKEX_INGEST_WRITE_BACKOFF")
	setDuration(&cfg.Ingest.MaxBackoff, "BROKEX_INGEST_MAX_BACKOFF")
	setInt(&cfg.Ingest.MissingRowAttempts, "BROKEX_INGEST_MISSING_ROW_ATTEMPTS")
	setDuration(&cfg.Ingest.MissingRowDelay, "BROKEX_INGEST_MISSING_ROW_DELAY")
	setInt(&cfg.Ingest.MissingRowPasses, "BROKEX_INGEST_MISSING_ROW_PASSES")
	setDuration(&cfg.Ingest.LockTTL, "BROKEX_INGEST_LOCK_TTL")
	setBool(&cfg.Ingest.RecoverInProcess, "BROKEX_INGEST_RECOVER_IN_PROCESS")
	setDuration(&cfg.Ingest.RecoverPause, "BROKEX_INGEST_RECOVER_PAUSE")
	setBool(&cfg.Ingest.ArchiveBatches, "BROKEX_INGEST_ARCHIVE_BATCHES")
	setBool(&cfg.Ingest.PublishChanges, "BROKEX_INGEST_PUBLISH_CHANGES")
	setStr(&cfg.Ingest.ChangeFeed, "BROKEX_INGEST_CHANGE_FEED")

	// ── Supabase ──
	setStr(&cfg.Supabase.DSN, "BROKEX_SUPABASE_DSN")
	setStr(&cfg.Supabase.DSN, "BROKEX_DATABASE_URL") // compatibility alias
	setStr(&cfg.Supabase.Host, "BROKEX_SUPABASE_HOST")
	setInt(&cfg.Supabase.Port, "BROKEX_SUPABASE_PORT")
	setStr(&cfg.Supabase.Database, "BROKEX_SUPABASE_DATABASE")
	setStr(&cfg.Supabase.User, "BROKEX_SUPABASE_USER")
	setStr(&cfg.Supabase.Password, "BROKEX_SUPABASE_PASSWORD")
	setStr(&cfg.Supabase.SSLMode, "BROKEX_SUPABASE_SSL_MODE")
	setInt(&cfg.Supabase.PoolMaxConns, "BROKEX_SUPABASE_POOL_MAX_CONNS")
	setInt(&cfg.Supabase.PoolMinConns, "BROKEX_SUPABASE_POOL_MIN_CONNS")
	setBool(&cfg.Supabase.RunMigrations, "BROKEX_SUPABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BROKEX_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BROKEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BROKEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BROKEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BROKEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BROKEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BROKEX_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BROKEX_REDIS_KEY_PREFIX")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "BROKEX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "BROKEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BROKEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "BROKEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BROKEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BROKEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BROKEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BROKEX_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.Prefix, "BROKEX_S3_PREFIX")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "BROKEX_NATS_URL")
	setDuration(&cfg.NATS.MaxAge, "BROKEX_NATS_MAX_AGE")
	setInt(&cfg.NATS.Replicas, "BROKEX_NATS_REPLICAS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "BROKEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "BROKEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BROKEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BROKEX_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BROKEX_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BROKEX_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BROKEX_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BROKEX_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BROKEX_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.Mode, "BROKEX_MODE")
	setStr(&cfg.LogLevel, "BROKEX_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
