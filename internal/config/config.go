// Package config defines the top-level configuration for the market daemon
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by MARKETD_* environment variables.
type Config struct {
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Chain    ChainConfig    `toml:"chain"`
	Verifier VerifierConfig `toml:"verifier"`
	Market   MarketConfig   `toml:"market"`
	Sweeper  SweeperConfig  `toml:"sweeper"`
	Secrets  SecretsConfig  `toml:"secrets"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters. When Enabled is
// false no archiver is wired and terminal markets are not exported.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ChainConfig holds the execution-client endpoint used as the block entropy
// source.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url"`
}

// VerifierConfig holds the identity-proof verifier endpoint and the scope
// constants every proof is checked against.
type VerifierConfig struct {
	BaseURL string `toml:"base_url"`
	ApiKey  string `toml:"api_key"`
	GroupID uint64 `toml:"group_id"`
	// Scope is hashed into the external nullifier so the same identity can
	// participate in other deployments without linking nullifiers.
	Scope string `toml:"scope"`
}

// MarketConfig holds the economic and temporal constants applied to every
// market. Percentages are integer numerators over 100 and truncate.
type MarketConfig struct {
	FoundationAccount string `toml:"foundation_account"`
	OperationsAccount string `toml:"operations_account"`

	FoundationFeePct uint64 `toml:"foundation_fee_pct"`
	OperationsFeePct uint64 `toml:"operations_fee_pct"`
	LotteryWinnerPct uint64 `toml:"lottery_winner_pct"`
	SlashPct         uint64 `toml:"slash_pct"`
	SellerDepositPct uint64 `toml:"seller_deposit_pct"`

	RevealMinWaitBlocks uint64   `toml:"reveal_min_wait_blocks"`
	RevealWindowBlocks  uint64   `toml:"reveal_window_blocks"`
	CommitTimeout       duration `toml:"commit_timeout"`
}

// SweeperConfig holds the background lifecycle sweeper parameters.
type SweeperConfig struct {
	Enabled  bool     `toml:"enabled"`
	Interval duration `toml:"interval"`
}

// SecretsConfig holds the commit-secret keeper parameters. When Dir is empty
// the keeper and its operator endpoints are disabled.
type SecretsConfig struct {
	Dir      string `toml:"dir"`
	Password string `toml:"password"`
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

// ServerConfig holds HTTP server parameters. OperatorKey guards the operator
// endpoints; when empty those routes are not registered. EntryRateLimit is
// the per-client entries-per-minute ceiling; zero disables the limiter.
type ServerConfig struct {
	Enabled        bool     `toml:"enabled"`
	Port           int      `toml:"port"`
	CORSOrigins    []string `toml:"cors_origins"`
	OperatorKey    string   `toml:"operator_key"`
	EntryRateLimit int      `toml:"entry_rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			DSN:           "",
			Host:          "localhost",
			Port:          5432,
			Database:      "marketd",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
			TLSEnabled: false,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "marketd-archive",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Chain: ChainConfig{
			RPCURL: "http://localhost:8545",
		},
		Verifier: VerifierConfig{
			BaseURL: "http://localhost:8443",
			GroupID: 1,
			Scope:   "marketd-entry-v1",
		},
		Market: MarketConfig{
			FoundationAccount:   "fees:foundation",
			OperationsAccount:   "fees:operations",
			FoundationFeePct:    3,
			OperationsFeePct:    2,
			LotteryWinnerPct:    95,
			SlashPct:            50,
			SellerDepositPct:    10,
			RevealMinWaitBlocks: 2,
			RevealWindowBlocks:  240,
			CommitTimeout:       duration{24 * time.Hour},
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Interval: duration{time.Minute},
		},
		Server: ServerConfig{
			Enabled:        true,
			Port:           8000,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			EntryRateLimit: 60,
		},
		Notify: NotifyConfig{
			Events: []string{"market.settled", "market.failed", "seller.slashed", "error"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"serve": true,
	"sweep": true,
	"full":  true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: serve, sweep, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when enabled")
		}
	}

	// Chain
	if c.Chain.RPCURL == "" {
		errs = append(errs, "chain: rpc_url must not be empty")
	}

	// Verifier
	if c.Verifier.BaseURL == "" {
		errs = append(errs, "verifier: base_url must not be empty")
	}
	if c.Verifier.GroupID == 0 {
		errs = append(errs, "verifier: group_id must not be zero")
	}
	if c.Verifier.Scope == "" {
		errs = append(errs, "verifier: scope must not be empty")
	}

	// Market. Fee shares come out of the same ticket and the winner share
	// out of the same pool, so each family must stay within 100.
	if c.Market.FoundationAccount == "" {
		errs = append(errs, "market: foundation_account must not be empty")
	}
	if c.Market.OperationsAccount == "" {
		errs = append(errs, "market: operations_account must not be empty")
	}
	if c.Market.FoundationFeePct+c.Market.OperationsFeePct > 100 {
		errs = append(errs, fmt.Sprintf("market: foundation_fee_pct + operations_fee_pct must be <= 100, got %d",
			c.Market.FoundationFeePct+c.Market.OperationsFeePct))
	}
	if c.Market.LotteryWinnerPct > 100 {
		errs = append(errs, fmt.Sprintf("market: lottery_winner_pct must be <= 100, got %d", c.Market.LotteryWinnerPct))
	}
	if c.Market.SlashPct > 100 {
		errs = append(errs, fmt.Sprintf("market: slash_pct must be <= 100, got %d", c.Market.SlashPct))
	}
	if c.Market.SellerDepositPct == 0 || c.Market.SellerDepositPct > 100 {
		errs = append(errs, fmt.Sprintf("market: seller_deposit_pct must be 1-100, got %d", c.Market.SellerDepositPct))
	}
	if c.Market.RevealWindowBlocks == 0 {
		errs = append(errs, "market: reveal_window_blocks must be > 0")
	}
	if c.Market.CommitTimeout.Duration <= 0 {
		errs = append(errs, "market: commit_timeout must be > 0")
	}

	// Sweeper
	if c.Sweeper.Enabled && c.Sweeper.Interval.Duration <= 0 {
		errs = append(errs, "sweeper: interval must be > 0 when enabled")
	}

	// Secrets
	if c.Secrets.Dir != "" && c.Secrets.Password == "" {
		errs = append(errs, "secrets: password is required when dir is set")
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.EntryRateLimit < 0 {
			errs = append(errs, "server: entry_rate_limit must be >= 0")
		}
	}

	// Mode sanity: the selected mode must have its component enabled.
	mode := strings.ToLower(c.Mode)
	if mode == "serve" && !c.Server.Enabled {
		errs = append(errs, "server: must be enabled in serve mode")
	}
	if mode == "sweep" && !c.Sweeper.Enabled {
		errs = append(errs, "sweeper: must be enabled in sweep mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
