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
// built-in defaults, applies CANDLEBOT_* environment variable overrides, and
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

// applyEnvOverrides reads well-known CANDLEBOT_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "CANDLEBOT_WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "CANDLEBOT_WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "CANDLEBOT_WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "CANDLEBOT_WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "CANDLEBOT_POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "CANDLEBOT_POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "CANDLEBOT_POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "CANDLEBOT_POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "CANDLEBOT_POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "CANDLEBOT_POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "CANDLEBOT_POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "CANDLEBOT_POLYMARKET_API_PASSPHRASE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CANDLEBOT_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CANDLEBOT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CANDLEBOT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CANDLEBOT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CANDLEBOT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CANDLEBOT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CANDLEBOT_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CANDLEBOT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CANDLEBOT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CANDLEBOT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "CANDLEBOT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CANDLEBOT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CANDLEBOT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CANDLEBOT_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CANDLEBOT_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CANDLEBOT_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CANDLEBOT_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CANDLEBOT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CANDLEBOT_S3_REGION")
	setStr(&cfg.S3.Bucket, "CANDLEBOT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "CANDLEBOT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "CANDLEBOT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CANDLEBOT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CANDLEBOT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CANDLEBOT_S3_FORCE_PATH_STYLE")
	setInt(&cfg.S3.RetentionDays, "CANDLEBOT_S3_RETENTION_DAYS")

	// ── Trading ──
	setStr(&cfg.Trading.EntryMode, "CANDLEBOT_TRADING_ENTRY_MODE")
	setFloat64(&cfg.Trading.EntrySize, "CANDLEBOT_TRADING_ENTRY_SIZE")
	setFloat64(&cfg.Trading.MinEntryPrice, "CANDLEBOT_TRADING_MIN_ENTRY_PRICE")
	setFloat64(&cfg.Trading.MaxEntryPrice, "CANDLEBOT_TRADING_MAX_ENTRY_PRICE")
	setInt(&cfg.Trading.SizeDecimals, "CANDLEBOT_TRADING_SIZE_DECIMALS")
	setInt(&cfg.Trading.MaxRetries, "CANDLEBOT_TRADING_MAX_RETRIES")
	setDuration(&cfg.Trading.RetryInterval, "CANDLEBOT_TRADING_RETRY_INTERVAL")
	setDuration(&cfg.Trading.OrderPollInterval, "CANDLEBOT_TRADING_ORDER_POLL_INTERVAL")
	setDuration(&cfg.Trading.AttemptTimeout, "CANDLEBOT_TRADING_ATTEMPT_TIMEOUT")
	setFloat64(&cfg.Trading.RepriceStep, "CANDLEBOT_TRADING_REPRICE_STEP")
	setFloat64(&cfg.Trading.MaxSlippage, "CANDLEBOT_TRADING_MAX_SLIPPAGE")
	setBool(&cfg.Trading.MarketableFallback, "CANDLEBOT_TRADING_MARKETABLE_FALLBACK")
	setFloat64(&cfg.Trading.UrgencyExitDelta, "CANDLEBOT_TRADING_URGENCY_EXIT_DELTA")
	setDuration(&cfg.Trading.ExitLeadTime, "CANDLEBOT_TRADING_EXIT_LEAD_TIME")
	setDuration(&cfg.Trading.TickInterval, "CANDLEBOT_TRADING_TICK_INTERVAL")
	setDuration(&cfg.Trading.ResolveDeadline, "CANDLEBOT_TRADING_RESOLVE_DEADLINE")
	setDuration(&cfg.Trading.ResolveInterval, "CANDLEBOT_TRADING_RESOLVE_INTERVAL")

	// ── History ──
	setDuration(&cfg.History.CheckInterval, "CANDLEBOT_HISTORY_CHECK_INTERVAL")
	setDuration(&cfg.History.BackfillLookback, "CANDLEBOT_HISTORY_BACKFILL_LOOKBACK")
	setFloat64(&cfg.History.IntegrityDiffThreshold, "CANDLEBOT_HISTORY_INTEGRITY_DIFF_THRESHOLD")

	// ── Alert ──
	setBool(&cfg.Alert.Enabled, "CANDLEBOT_ALERT_ENABLED")
	setInt(&cfg.Alert.StreakThreshold, "CANDLEBOT_ALERT_STREAK_THRESHOLD")

	// ── Feed ──
	setBool(&cfg.Feed.Enabled, "CANDLEBOT_FEED_ENABLED")
	setDuration(&cfg.Feed.ReconnectMin, "CANDLEBOT_FEED_RECONNECT_MIN")
	setDuration(&cfg.Feed.ReconnectMax, "CANDLEBOT_FEED_RECONNECT_MAX")
	setDuration(&cfg.Feed.StaleAfter, "CANDLEBOT_FEED_STALE_AFTER")
	setDuration(&cfg.Feed.FallbackInterval, "CANDLEBOT_FEED_FALLBACK_INTERVAL")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CANDLEBOT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CANDLEBOT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CANDLEBOT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CANDLEBOT_NOTIFY_EVENTS")

	// ── Top-level ──
	setStringSlice(&cfg.Presets, "CANDLEBOT_PRESETS")
	setStr(&cfg.Mode, "CANDLEBOT_MODE")
	setStr(&cfg.LogLevel, "CANDLEBOT_LOG_LEVEL")
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

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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
