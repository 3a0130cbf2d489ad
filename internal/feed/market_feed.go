// Package feed keeps the price cache fresh. A websocket subscription to the
// CLOB market channel delivers live trades and quote moves for every token
// the bot currently holds; a REST fallback fills in whenever the socket goes
// quiet.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
	"github.com/alanyoungcy/candlebot/internal/platform/polymarket"
)

// wsAPI is the slice of the websocket client the feed needs.
type wsAPI interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, tokenIDs []string) error
	Unsubscribe(ctx context.Context, tokenIDs []string) error
	OnPrice(handler polymarket.PriceHandler)
	Close() error
}

// gammaAPI refreshes a market snapshot for the REST fallback.
type gammaAPI interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.MarketSnapshot, error)
}

// Config holds feed staleness and fallback cadence.
type Config struct {
	// StaleAfter is how old a cached price may get before the fallback
	// refreshes it over REST.
	StaleAfter time.Duration
	// FallbackInterval is the cadence of the staleness sweep.
	FallbackInterval time.Duration
	// SyncInterval is how often token subscriptions are reconciled against
	// the active positions.
	SyncInterval time.Duration
}

// MarketFeed subscribes to the tokens of every active position and writes
// each observed price into the cache. Subscriptions follow the position
// store: a token is tracked while its position is active and dropped after.
type MarketFeed struct {
	ws        wsAPI
	gamma     gammaAPI
	positions domain.PositionStore
	prices    domain.PriceCache
	logger    *slog.Logger
	cfg       Config

	mu      sync.Mutex
	tracked map[string]string // tokenID -> market slug
}

// NewMarketFeed creates a MarketFeed.
func NewMarketFeed(ws wsAPI, gamma gammaAPI, positions domain.PositionStore, prices domain.PriceCache, cfg Config, logger *slog.Logger) *MarketFeed {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 2 * time.Second
	}
	return &MarketFeed{
		ws:        ws,
		gamma:     gamma,
		positions: positions,
		prices:    prices,
		logger:    logger.With(slog.String("component", "feed")),
		cfg:       cfg,
		tracked:   map[string]string{},
	}
}

// Run connects the socket and reconciles subscriptions and staleness until
// the context ends.
func (f *MarketFeed) Run(ctx context.Context) error {
	f.ws.OnPrice(func(point domain.PricePoint) {
		// Handler runs on the socket's read loop; the cache write is fast.
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := f.prices.SetPrice(writeCtx, point.TokenID, point.Price, point.At); err != nil {
			f.logger.Warn("price cache write failed",
				slog.String("token", point.TokenID),
				slog.String("error", err.Error()))
		}
	})

	if err := f.ws.Connect(ctx); err != nil {
		return err
	}
	defer f.ws.Close()

	f.logger.Info("market feed started",
		slog.Duration("fallback", f.cfg.FallbackInterval),
		slog.Duration("stale_after", f.cfg.StaleAfter))

	syncTicker := time.NewTicker(f.cfg.SyncInterval)
	defer syncTicker.Stop()
	fallbackTicker := time.NewTicker(f.cfg.FallbackInterval)
	defer fallbackTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info("market feed stopped")
			return ctx.Err()
		case <-syncTicker.C:
			f.syncSubscriptions(ctx)
		case <-fallbackTicker.C:
			f.refreshStale(ctx)
		}
	}
}

// syncSubscriptions reconciles the tracked token set against the active
// positions.
func (f *MarketFeed) syncSubscriptions(ctx context.Context) {
	active, err := f.positions.ListActive(ctx)
	if err != nil {
		f.logger.Warn("active position sweep failed",
			slog.String("error", err.Error()))
		return
	}

	want := make(map[string]string, len(active))
	for _, pos := range active {
		if pos.TokenID != "" {
			want[pos.TokenID] = pos.Slug
		}
	}

	f.mu.Lock()
	var add, drop []string
	for token, slug := range want {
		if _, ok := f.tracked[token]; !ok {
			add = append(add, token)
		}
		f.tracked[token] = slug
	}
	for token := range f.tracked {
		if _, ok := want[token]; !ok {
			drop = append(drop, token)
			delete(f.tracked, token)
		}
	}
	f.mu.Unlock()

	if len(add) > 0 {
		if err := f.ws.Subscribe(ctx, add); err != nil {
			f.logger.Warn("subscribe failed",
				slog.Int("tokens", len(add)),
				slog.String("error", err.Error()))
		} else {
			f.logger.Info("tokens subscribed", slog.Int("count", len(add)))
		}
	}
	if len(drop) > 0 {
		if err := f.ws.Unsubscribe(ctx, drop); err != nil {
			f.logger.Warn("unsubscribe failed",
				slog.Int("tokens", len(drop)),
				slog.String("error", err.Error()))
		}
	}
}

// refreshStale re-fetches the market snapshot for every tracked token whose
// cached price has gone stale, covering websocket gaps.
func (f *MarketFeed) refreshStale(ctx context.Context) {
	f.mu.Lock()
	snapshot := make(map[string]string, len(f.tracked))
	for token, slug := range f.tracked {
		snapshot[token] = slug
	}
	f.mu.Unlock()

	now := time.Now().UTC()
	refreshed := map[string]bool{}
	for token, slug := range snapshot {
		_, ts, err := f.prices.GetPrice(ctx, token)
		if err == nil && now.Sub(ts) < f.cfg.StaleAfter {
			continue
		}
		if slug == "" || refreshed[slug] {
			continue
		}
		refreshed[slug] = true

		snap, err := f.gamma.GetMarketBySlug(ctx, slug)
		if err != nil {
			f.logger.Warn("fallback snapshot failed",
				slog.String("slug", slug),
				slog.String("error", err.Error()))
			continue
		}
		f.storePrice(ctx, snap.UpTokenID, snap.UpPrice, snap.FetchedAt)
		f.storePrice(ctx, snap.DownTokenID, snap.DownPrice, snap.FetchedAt)
		f.logger.Debug("stale price refreshed over REST",
			slog.String("slug", slug))
	}
}

func (f *MarketFeed) storePrice(ctx context.Context, tokenID string, price float64, at time.Time) {
	if tokenID == "" || price <= 0 {
		return
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := f.prices.SetPrice(ctx, tokenID, price, at); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("token", tokenID),
			slog.String("error", err.Error()))
	}
}
