package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/candlebot/internal/blob/s3"
	"github.com/alanyoungcy/candlebot/internal/cache/redis"
	"github.com/alanyoungcy/candlebot/internal/config"
	"github.com/alanyoungcy/candlebot/internal/crypto"
	"github.com/alanyoungcy/candlebot/internal/domain"
	"github.com/alanyoungcy/candlebot/internal/notify"
	"github.com/alanyoungcy/candlebot/internal/platform/polymarket"
	"github.com/alanyoungcy/candlebot/internal/store/postgres"
)

// CLOB rate limit shared across all instances on the same Redis.
const (
	clobRateLimit  = 8
	clobRateWindow = time.Second
)

// Dependencies bundles everything the application modes need. Wire constructs
// it and the returned cleanup function tears it down.
type Dependencies struct {
	Presets []domain.Preset
	// Wallet is the funding address orders settle against: the Safe address
	// for signature type 2, otherwise the signer's own address.
	Wallet string

	// Stores
	Positions domain.PositionStore
	Orders    domain.OrderStore
	History   domain.HistoryStore
	Candles   domain.CandleStore
	Audit     domain.AuditStore

	// Caches
	Prices domain.PriceCache
	Locks  domain.LockManager
	Bus    domain.SignalBus

	// Platform clients
	Clob  *polymarket.ClobClient
	Gamma *polymarket.GammaClient
	WS    *polymarket.WSClient

	// Events fans lifecycle events out to the bus, the audit log, and chat.
	Events *notify.EventPublisher

	// Archiver is nil unless the mode wires object storage.
	Archiver *s3blob.Archiver
}

// needsWallet returns true for modes that sign and place orders.
func needsWallet(mode string) bool {
	return mode == "trade" || mode == "full"
}

// needsS3 returns true when the mode exports cold history.
func needsS3(cfg *config.Config) bool {
	return cfg.Mode == "archive" || (cfg.Mode == "full" && cfg.S3.Enabled)
}

// Wire constructs every concrete dependency from the configuration. The
// returned cleanup releases resources in reverse construction order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Presets ---
	for _, name := range cfg.Presets {
		preset, err := domain.ParsePreset(name)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: preset %q: %w", name, err)
		}
		deps.Presets = append(deps.Presets, preset)
	}

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

	pool := pgClient.Pool()
	historyStore := postgres.NewHistoryStore(pool)
	auditStore := postgres.NewAuditStore(pool)
	deps.Positions = postgres.NewPositionStore(pool)
	deps.Orders = postgres.NewOrderStore(pool)
	deps.History = historyStore
	deps.Candles = postgres.NewCandleStore(pool)
	deps.Audit = auditStore

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

	deps.Prices = redis.NewPriceCache(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)
	limiter := redis.NewRateLimiter(redisClient)

	// --- Signer and wallet (only for trading modes) ---
	var signer *crypto.Signer
	if needsWallet(cfg.Mode) {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: wallet key: %w", err)
		}
		signer, err = crypto.NewSigner(key, cfg.Polymarket.ChainID)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: signer: %w", err)
		}

		deps.Wallet = cfg.Wallet.SafeAddress
		if deps.Wallet == "" {
			deps.Wallet = signer.Address().Hex()
		}
	}

	// --- Polymarket clients ---
	var hmacAuth *crypto.HMACAuth
	if cfg.Polymarket.ApiKey != "" {
		hmacAuth = &crypto.HMACAuth{
			Key:        cfg.Polymarket.ApiKey,
			Secret:     cfg.Polymarket.ApiSecret,
			Passphrase: cfg.Polymarket.ApiPassphrase,
		}
	}

	deps.Clob = polymarket.NewClobClient(
		cfg.Polymarket.ClobHost, signer, hmacAuth,
		cfg.Polymarket.SignatureType, cfg.Wallet.SafeAddress,
	)
	deps.Clob.SetRateLimiter(limiter, clobRateLimit, clobRateWindow)
	deps.Gamma = polymarket.NewGammaClient(cfg.Polymarket.GammaHost)

	// Without preconfigured API credentials, derive them from the signer.
	if signer != nil && hmacAuth == nil {
		if err := deps.Clob.DeriveAPIKey(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: derive api key: %w", err)
		}
	}

	if needsWallet(cfg.Mode) && cfg.Feed.Enabled {
		deps.WS = polymarket.NewWSClient(cfg.Polymarket.WsHost)
		deps.WS.SetReconnectBackoff(cfg.Feed.ReconnectMin.Duration, cfg.Feed.ReconnectMax.Duration)
	}

	// --- S3 cold-history archiver ---
	if needsS3(cfg) {
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

		deps.Archiver = s3blob.NewArchiver(
			s3blob.NewWriter(s3Client),
			s3blob.NewReader(s3Client),
			historyStore,
			auditStore,
			auditStore,
			s3blob.Config{
				Prefix:        cfg.S3.Prefix,
				RetentionDays: cfg.S3.RetentionDays,
			},
			logger,
		)
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
	notifier := notify.NewNotifier(senders, cfg.Notify.Events, logger)
	deps.Events = notify.NewEventPublisher(deps.Bus, deps.Audit, notifier, logger)

	return deps, cleanup, nil
}
