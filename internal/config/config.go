// Package config defines the top-level configuration for the candle bot and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CANDLEBOT_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Trading    TradingConfig    `toml:"trading"`
	History    HistoryConfig    `toml:"history"`
	Alert      AlertConfig      `toml:"alert"`
	Feed       FeedConfig       `toml:"feed"`
	Notify     NotifyConfig     `toml:"notify"`
	Presets    []string         `toml:"presets"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds Ethereum wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds Polymarket API endpoints and chain parameters.
type PolymarketConfig struct {
	ClobHost      string `toml:"clob_host"`
	GammaHost     string `toml:"gamma_host"`
	WsHost        string `toml:"ws_host"`
	ChainID       int    `toml:"chain_id"`
	SignatureType int    `toml:"signature_type"`
	ApiKey        string `toml:"api_key"`
	ApiSecret     string `toml:"api_secret"`
	ApiPassphrase string `toml:"api_passphrase"`
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

// S3Config holds S3-compatible object storage parameters for cold-history
// archiving.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	RetentionDays  int    `toml:"retention_days"`
}

// TradingConfig holds position sizing and order execution parameters shared by
// all presets.
type TradingConfig struct {
	// EntryMode selects which outcome token to buy at window open:
	// "cheaper" (lower-priced side), "up", or "down".
	EntryMode string  `toml:"entry_mode"`
	EntrySize float64 `toml:"entry_size"`
	// MinEntryPrice / MaxEntryPrice bound the acceptable entry; outside the
	// band the window is skipped.
	MinEntryPrice float64 `toml:"min_entry_price"`
	MaxEntryPrice float64 `toml:"max_entry_price"`
	SizeDecimals  int     `toml:"size_decimals"`

	MaxRetries        int      `toml:"max_retries"`
	RetryInterval     duration `toml:"retry_interval"`
	OrderPollInterval duration `toml:"order_poll_interval"`
	AttemptTimeout    duration `toml:"attempt_timeout"`
	RepriceStep       float64  `toml:"reprice_step"`
	MaxSlippage       float64  `toml:"max_slippage"`
	// MarketableFallback makes the final attempt cross the book with a
	// fill-and-kill order at the slippage cap. When off the final attempt is
	// an ordinary repriced limit order.
	MarketableFallback bool `toml:"marketable_fallback"`

	// UrgencyExitDelta is how far the held token's price may fall below the
	// entry price before the monitor abandons limit pricing and exits at
	// market.
	UrgencyExitDelta float64 `toml:"urgency_exit_delta"`
	// ExitLeadTime is how long before window end the exit leg starts.
	ExitLeadTime duration `toml:"exit_lead_time"`
	TickInterval duration `toml:"tick_interval"`

	ResolveDeadline duration `toml:"resolve_deadline"`
	ResolveInterval duration `toml:"resolve_interval"`
}

// HistoryConfig holds integrity pipeline parameters.
type HistoryConfig struct {
	CheckInterval duration `toml:"check_interval"`
	// BackfillLookback bounds how far back the pipeline searches for
	// evidence when repairing gaps after downtime.
	BackfillLookback duration `toml:"backfill_lookback"`
	// IntegrityDiffThreshold is the max tolerated difference between a
	// window's official close and the next window's official open.
	IntegrityDiffThreshold float64 `toml:"integrity_diff_threshold"`
}

// AlertConfig holds candle alerting parameters.
type AlertConfig struct {
	Enabled bool `toml:"enabled"`
	// StreakThreshold is the run length of same-direction candles that
	// triggers a streak notification.
	StreakThreshold int `toml:"streak_threshold"`
}

// FeedConfig holds market websocket feed parameters.
type FeedConfig struct {
	Enabled          bool     `toml:"enabled"`
	ReconnectMin     duration `toml:"reconnect_min"`
	ReconnectMax     duration `toml:"reconnect_max"`
	StaleAfter       duration `toml:"stale_after"`
	FallbackInterval duration `toml:"fallback_interval"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
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
		Polymarket: PolymarketConfig{
			ClobHost:      "https://clob.polymarket.com",
			GammaHost:     "https://gamma-api.polymarket.com",
			WsHost:        "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:       137,
			SignatureType: 2,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "candlebot",
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
			Bucket:         "candlebot-history",
			Prefix:         "ledger",
			UseSSL:         false,
			ForcePathStyle: true,
			RetentionDays:  90,
		},
		Trading: TradingConfig{
			EntryMode:          "cheaper",
			EntrySize:          5.0,
			MinEntryPrice:      0.02,
			MaxEntryPrice:      0.98,
			SizeDecimals:       2,
			MaxRetries:         3,
			RetryInterval:      duration{2 * time.Second},
			OrderPollInterval:  duration{1 * time.Second},
			AttemptTimeout:     duration{20 * time.Second},
			RepriceStep:        0.01,
			MaxSlippage:        0.05,
			MarketableFallback: true,
			UrgencyExitDelta:   0.15,
			ExitLeadTime:       duration{30 * time.Second},
			TickInterval:       duration{2 * time.Second},
			ResolveDeadline:    duration{90 * time.Second},
			ResolveInterval:    duration{3 * time.Second},
		},
		History: HistoryConfig{
			CheckInterval:          duration{5 * time.Minute},
			BackfillLookback:       duration{48 * time.Hour},
			IntegrityDiffThreshold: 0.02,
		},
		Alert: AlertConfig{
			Enabled:         true,
			StreakThreshold: 3,
		},
		Feed: FeedConfig{
			Enabled:          true,
			ReconnectMin:     duration{time.Second},
			ReconnectMax:     duration{30 * time.Second},
			StaleAfter:       duration{15 * time.Second},
			FallbackInterval: duration{5 * time.Second},
		},
		Notify: NotifyConfig{
			Events: []string{
				"position.opened", "position.closed", "entry.skipped",
				"order.failed", "exit.retry", "urgency.exit",
				"streak.alert", "integrity.alert",
				"ledger.violation", "ledger.backfilled", "ledger.unresolved",
			},
		},
		Presets:  []string{"eth-1h"},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"trade":     true,
	"alert":     true,
	"reconcile": true,
	"archive":   true,
	"full":      true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validEntryModes enumerates the accepted values for Trading.EntryMode.
var validEntryModes = map[string]bool{
	"cheaper": true,
	"up":      true,
	"down":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	// Mode
	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: trade, alert, reconcile, archive, full)", c.Mode))
	}

	// LogLevel
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Wallet — at least one credential source must be specified for trading modes.
	needsWallet := c.Mode == "trade" || c.Mode == "full"
	if needsWallet {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	// Polymarket endpoints
	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.GammaHost == "" {
		errs = append(errs, "polymarket: gamma_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType != 1 && c.Polymarket.SignatureType != 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 1 (EOA) or 2 (Safe), got %d", c.Polymarket.SignatureType))
	}
	// API credentials must be set together, or all empty.
	ak := c.Polymarket.ApiKey != ""
	as := c.Polymarket.ApiSecret != ""
	ap := c.Polymarket.ApiPassphrase != ""
	if (ak || as || ap) && !(ak && as && ap) {
		errs = append(errs, "polymarket: api_key, api_secret, and api_passphrase must all be set together")
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

	// S3 — only checked when archiving is on.
	if c.S3.Enabled || c.Mode == "archive" {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.RetentionDays < 1 {
			errs = append(errs, "s3: retention_days must be >= 1")
		}
	}

	// Trading
	if !validEntryModes[c.Trading.EntryMode] {
		errs = append(errs, fmt.Sprintf("trading: unknown entry_mode %q (valid: cheaper, up, down)", c.Trading.EntryMode))
	}
	if c.Trading.EntrySize <= 0 {
		errs = append(errs, "trading: entry_size must be > 0")
	}
	if c.Trading.MinEntryPrice < 0 || c.Trading.MinEntryPrice >= 1 {
		errs = append(errs, "trading: min_entry_price must be in [0, 1)")
	}
	if c.Trading.MaxEntryPrice <= c.Trading.MinEntryPrice || c.Trading.MaxEntryPrice > 1 {
		errs = append(errs, "trading: max_entry_price must be in (min_entry_price, 1]")
	}
	if c.Trading.MaxRetries < 0 {
		errs = append(errs, "trading: max_retries must be >= 0")
	}
	if c.Trading.RetryInterval.Duration <= 0 {
		errs = append(errs, "trading: retry_interval must be > 0")
	}
	if c.Trading.OrderPollInterval.Duration <= 0 {
		errs = append(errs, "trading: order_poll_interval must be > 0")
	}
	if c.Trading.AttemptTimeout.Duration <= 0 {
		errs = append(errs, "trading: attempt_timeout must be > 0")
	}
	if c.Trading.RepriceStep < 0 {
		errs = append(errs, "trading: reprice_step must be >= 0")
	}
	if c.Trading.MaxSlippage < 0 || c.Trading.MaxSlippage >= 1 {
		errs = append(errs, "trading: max_slippage must be in [0, 1)")
	}
	if c.Trading.UrgencyExitDelta <= 0 || c.Trading.UrgencyExitDelta >= 1 {
		errs = append(errs, "trading: urgency_exit_delta must be in (0, 1)")
	}
	if c.Trading.TickInterval.Duration <= 0 {
		errs = append(errs, "trading: tick_interval must be > 0")
	}
	if c.Trading.ResolveDeadline.Duration <= 0 {
		errs = append(errs, "trading: resolve_deadline must be > 0")
	}
	if c.Trading.ResolveInterval.Duration <= 0 {
		errs = append(errs, "trading: resolve_interval must be > 0")
	}

	// History
	if c.History.CheckInterval.Duration <= 0 {
		errs = append(errs, "history: check_interval must be > 0")
	}
	if c.History.BackfillLookback.Duration <= 0 {
		errs = append(errs, "history: backfill_lookback must be > 0")
	}
	if c.History.IntegrityDiffThreshold <= 0 {
		errs = append(errs, "history: integrity_diff_threshold must be > 0")
	}

	// Alert
	if c.Alert.Enabled && c.Alert.StreakThreshold < 2 {
		errs = append(errs, "alert: streak_threshold must be >= 2")
	}

	// Presets
	if len(c.Presets) == 0 {
		errs = append(errs, "presets: at least one preset must be configured")
	}
	seen := map[string]bool{}
	for _, p := range c.Presets {
		if seen[p] {
			errs = append(errs, fmt.Sprintf("presets: duplicate preset %q", p))
		}
		seen[p] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
