// Package config defines the indexer configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by BROKEX_* environment variables.
type Config struct {
	Ledger   LedgerConfig   `toml:"ledger"`
	Ingest   IngestConfig   `toml:"ingest"`
	Supabase SupabaseConfig `toml:"supabase"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	NATS     NATSConfig     `toml:"nats"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Assets   []AssetConfig  `toml:"assets"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// LedgerConfig holds the node endpoint and the watched contract.
type LedgerConfig struct {
	WSURL              string   `toml:"ws_url"`
	ContractAddress    string   `toml:"contract_address"`
	HandshakeTimeout   duration `toml:"handshake_timeout"`
	ReadBufferSize     int      `toml:"read_buffer"`
	WriteBufferSize    int      `toml:"write_buffer"`
	SubscriptionBuffer int      `toml:"subscription_buffer"`
}

// IngestConfig holds the per-stream pipeline knobs. Every stream gets the
// same settings.
type IngestConfig struct {
	Streams         []string `toml:"streams"`
	BatchBlocks     uint64   `toml:"batch_blocks"`
	BatchPause      duration `toml:"batch_pause"`
	FetchRetryPause duration `toml:"fetch_retry_pause"`
	RewindBlocks    uint64   `toml:"rewind_blocks"`
	StartBlock      uint64   `toml:"start_block"`

	DedupTTL     duration `toml:"dedup_ttl"`
	DedupBackend string   `toml:"dedup_backend"`

	WriteAttempts      int      `toml:"write_attempts"`
	WriteBackoff       duration `toml:"write_backoff"`
	MaxBackoff         duration `toml:"max_backoff"`
	MissingRowAttempts int      `toml:"missing_row_attempts"`
	MissingRowDelay    duration `toml:"missing_row_delay"`
	// MissingRowPasses is how many failed passes an event referencing an
	// absent trade gets before it is logged as unresolved and skipped.
	// 0 keeps retrying forever.
	MissingRowPasses int `toml:"missing_row_passes"`

	LockTTL          duration `toml:"lock_ttl"`
	RecoverInProcess bool     `toml:"recover_in_process"`
	RecoverPause     duration `toml:"recover_pause"`

	ArchiveBatches bool `toml:"archive_batches"`
	PublishChanges bool `toml:"publish_changes"`
	// ChangeFeed picks the publisher when PublishChanges is set: "nats" or
	// "redis".
	ChangeFeed string `toml:"change_feed"`
}

// SupabaseConfig holds PostgreSQL / Supabase connection parameters.
type SupabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. Redis is optional; without
// it the dedup cache is per process and streams run unlocked.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds S3-compatible object storage parameters for the batch
// archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// NATSConfig holds the change feed broker settings.
type NATSConfig struct {
	URL      string   `toml:"url"`
	MaxAge   duration `toml:"max_age"`
	Replicas int      `toml:"replicas"`
}

// ServerConfig holds the read API and metrics listener settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey, when set, is required on /api routes other than health. Several
	// comma-separated keys may be given during rotation.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per minute per client; 0 disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// AssetConfig seeds one asset spec at startup.
type AssetConfig struct {
	AssetID       int64 `toml:"asset_id"`
	LotNum        int64 `toml:"lot_num"`
	LotDen        int64 `toml:"lot_den"`
	BucketWidthX6 int64 `toml:"bucket_width_x6"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			HandshakeTimeout:   duration{15 * time.Second},
			ReadBufferSize:     1 << 16,
			WriteBufferSize:    1 << 14,
			SubscriptionBuffer: 1024,
		},
		Ingest: IngestConfig{
			Streams:            []string{"opened", "executed", "stops", "removed"},
			BatchBlocks:        5000,
			BatchPause:         duration{200 * time.Millisecond},
			FetchRetryPause:    duration{5 * time.Second},
			DedupTTL:           duration{5 * time.Minute},
			DedupBackend:       "memory",
			WriteAttempts:      5,
			WriteBackoff:       duration{500 * time.Millisecond},
			MaxBackoff:         duration{60 * time.Second},
			MissingRowAttempts: 5,
			MissingRowDelay:    duration{2 * time.Second},
			MissingRowPasses:   3,
			LockTTL:            duration{30 * time.Second},
			RecoverPause:       duration{5 * time.Second},
			ChangeFeed:         "nats",
		},
		Supabase: SupabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "brokex",
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "brokex-ledger",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			MaxAge:   duration{72 * time.Hour},
			Replicas: 1,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
		},
		Notify: NotifyConfig{
			Events: []string{"write_failed", "missing_row", "transport_closed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"ingest": true,
	"api":    true,
	"full":   true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validStreams = map[string]bool{
	"opened":   true,
	"executed": true,
	"stops":    true,
	"removed":  true,
}

// Ingests reports whether the mode runs stream instances.
func (c *Config) Ingests() bool {
	m := strings.ToLower(c.Mode)
	return m == "ingest" || m == "full"
}

// ServesAPI reports whether the mode runs the read API.
func (c *Config) ServesAPI() bool {
	m := strings.ToLower(c.Mode)
	return m == "api" || m == "full"
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: ingest, api, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Ingests() {
		errs = append(errs, c.validateIngest()...)
	}

	// Supabase
	if strings.TrimSpace(c.Supabase.DSN) == "" {
		if c.Supabase.Host == "" {
			errs = append(errs, "supabase: host must not be empty (or set supabase.dsn)")
		}
		if c.Supabase.Port <= 0 || c.Supabase.Port > 65535 {
			errs = append(errs, fmt.Sprintf("supabase: port must be 1-65535, got %d", c.Supabase.Port))
		}
		if c.Supabase.Database == "" {
			errs = append(errs, "supabase: database must not be empty")
		}
	}
	if c.Supabase.PoolMaxConns < 1 {
		errs = append(errs, "supabase: pool_max_conns must be >= 1")
	}
	if c.Supabase.PoolMinConns < 0 {
		errs = append(errs, "supabase: pool_min_conns must be >= 0")
	}
	if c.Supabase.PoolMinConns > c.Supabase.PoolMaxConns {
		errs = append(errs, "supabase: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}

	// Server
	if c.Server.Enabled || c.ServesAPI() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && !c.Redis.Enabled {
		errs = append(errs, "server: rate_limit requires redis.enabled")
	}

	// Assets
	seen := make(map[int64]bool, len(c.Assets))
	for _, a := range c.Assets {
		if seen[a.AssetID] {
			errs = append(errs, fmt.Sprintf("assets: asset_id %d listed twice", a.AssetID))
		}
		seen[a.AssetID] = true
		if a.LotNum <= 0 || a.LotDen <= 0 {
			errs = append(errs, fmt.Sprintf("assets: asset_id %d needs positive lot_num and lot_den", a.AssetID))
		}
		if a.BucketWidthX6 < 0 {
			errs = append(errs, fmt.Sprintf("assets: asset_id %d bucket_width_x6 must be >= 0", a.AssetID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateIngest() []string {
	var errs []string
	in := c.Ingest

	if c.Ledger.WSURL == "" {
		errs = append(errs, "ledger: ws_url must not be empty")
	} else if !strings.HasPrefix(c.Ledger.WSURL, "ws://") && !strings.HasPrefix(c.Ledger.WSURL, "wss://") {
		errs = append(errs, fmt.Sprintf("ledger: ws_url must be a ws:// or wss:// URL, got %q", c.Ledger.WSURL))
	}
	if !common.IsHexAddress(c.Ledger.ContractAddress) {
		errs = append(errs, fmt.Sprintf("ledger: contract_address %q is not a hex address", c.Ledger.ContractAddress))
	}

	if len(in.Streams) == 0 {
		errs = append(errs, "ingest: streams must not be empty")
	}
	for _, s := range in.Streams {
		if !validStreams[s] {
			errs = append(errs, fmt.Sprintf("ingest: unknown stream %q (valid: opened, executed, stops, removed)", s))
		}
	}
	if in.BatchBlocks == 0 {
		errs = append(errs, "ingest: batch_blocks must be > 0")
	}
	if in.DedupTTL.Duration <= 0 {
		errs = append(errs, "ingest: dedup_ttl must be > 0")
	}
	switch in.DedupBackend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "ingest: dedup_backend redis requires redis.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("ingest: unknown dedup_backend %q (valid: memory, redis)", in.DedupBackend))
	}
	if in.WriteAttempts < 1 {
		errs = append(errs, "ingest: write_attempts must be >= 1")
	}
	if in.MissingRowAttempts < 1 {
		errs = append(errs, "ingest: missing_row_attempts must be >= 1")
	}
	if in.MissingRowPasses < 0 {
		errs = append(errs, "ingest: missing_row_passes must be >= 0")
	}
	if in.WriteBackoff.Duration > in.MaxBackoff.Duration {
		errs = append(errs, "ingest: write_backoff must not exceed max_backoff")
	}
	if c.Redis.Enabled && in.LockTTL.Duration < 3*time.Second {
		errs = append(errs, "ingest: lock_ttl must be >= 3s")
	}
	if in.ArchiveBatches && !c.S3.Enabled {
		errs = append(errs, "ingest: archive_batches requires s3.enabled")
	}
	if in.PublishChanges {
		switch in.ChangeFeed {
		case "nats":
			if c.NATS.URL == "" {
				errs = append(errs, "ingest: change_feed nats requires nats.url")
			}
		case "redis":
			if !c.Redis.Enabled {
				errs = append(errs, "ingest: change_feed redis requires redis.enabled")
			}
		default:
			errs = append(errs, fmt.Sprintf("ingest: unknown change_feed %q (valid: nats, redis)", in.ChangeFeed))
		}
	}
	return errs
}
