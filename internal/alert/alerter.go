// Package alert records candle snapshots as preset windows close, tracks
// same-direction streaks, and raises integrity alerts when adjacent windows
// disagree about the price at their shared boundary.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// resolverAPI resolves a preset window to its market.
type resolverAPI interface {
	Resolve(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error)
}

// priceHistoryAPI fetches the CLOB price series for one token.
type priceHistoryAPI interface {
	GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error)
}

// notifierAPI delivers alert notifications.
type notifierAPI interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds alerting thresholds.
type Config struct {
	// StreakThreshold is the run length of same-direction candles that
	// triggers a streak notification.
	StreakThreshold int
	// IntegrityDiffThreshold is the max tolerated gap between a window's
	// close and the next window's open.
	IntegrityDiffThreshold float64
	// Lookback bounds how many past candles the streak scan loads.
	Lookback int
}

// Alerter closes candles for a set of presets. One instance serves all
// presets; each preset keeps its own boundary bookkeeping.
type Alerter struct {
	presets  []domain.Preset
	resolver resolverAPI
	history  priceHistoryAPI
	prices   domain.PriceCache
	candles  domain.CandleStore
	notifier notifierAPI
	logger   *slog.Logger
	cfg      Config

	// lastClosed tracks the newest window start already recorded per preset,
	// so each boundary is processed once per process.
	lastClosed map[string]int64
}

// NewAlerter creates an Alerter.
func NewAlerter(presets []domain.Preset, resolver resolverAPI, history priceHistoryAPI, prices domain.PriceCache, candles domain.CandleStore, notifier notifierAPI, cfg Config, logger *slog.Logger) *Alerter {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 24
	}
	return &Alerter{
		presets:    presets,
		resolver:   resolver,
		history:    history,
		prices:     prices,
		candles:    candles,
		notifier:   notifier,
		logger:     logger.With(slog.String("component", "alert")),
		cfg:        cfg,
		lastClosed: map[string]int64{},
	}
}

// Run checks for freshly closed windows on a short cadence until the context
// ends. The cadence is the smallest preset timeframe divided down so a
// boundary is never missed by more than a few seconds.
func (a *Alerter) Run(ctx context.Context) error {
	interval := a.tickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("alerter started",
		slog.Int("presets", len(a.presets)),
		slog.Duration("tick", interval))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("alerter stopped")
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			for _, preset := range a.presets {
				if err := a.checkBoundary(ctx, preset, now); err != nil {
					a.logger.Error("candle close failed",
						slog.String("preset", preset.Name),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (a *Alerter) tickInterval() time.Duration {
	min := time.Duration(24) * time.Hour
	for _, p := range a.presets {
		d := time.Duration(p.WindowSeconds) * time.Second
		if d < min {
			min = d
		}
	}
	interval := min / 30
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// checkBoundary records the candle for the most recently closed window of the
// preset, once.
func (a *Alerter) checkBoundary(ctx context.Context, preset domain.Preset, now time.Time) error {
	current := preset.WindowAt(now)
	closedStart := current.Start.Add(-time.Duration(preset.WindowSeconds) * time.Second)
	if a.lastClosed[preset.Name] >= closedStart.Unix() {
		return nil
	}

	window := preset.WindowAt(closedStart)
	if err := a.CloseCandle(ctx, preset, window); err != nil {
		return err
	}
	a.lastClosed[preset.Name] = closedStart.Unix()
	return nil
}

// CloseCandle builds and persists the candle for a closed window, then runs
// the streak scan and the boundary integrity check.
func (a *Alerter) CloseCandle(ctx context.Context, preset domain.Preset, window domain.Window) error {
	candle, err := a.buildCandle(ctx, preset, window)
	if err != nil {
		return fmt.Errorf("alert: build candle %s %d: %w", preset.Name, window.Start.Unix(), err)
	}

	a.bridgeCheck(ctx, preset, &candle)

	if err := a.candles.Upsert(ctx, candle); err != nil {
		return fmt.Errorf("alert: upsert candle %s %d: %w", preset.Name, window.Start.Unix(), err)
	}

	a.logger.Info("candle closed",
		slog.String("preset", preset.Name),
		slog.Time("window_start", window.Start),
		slog.String("direction", string(candle.Direction)),
		slog.Bool("estimated", candle.OpenEstimated || candle.CloseEstimated))
	a.notify(ctx, domain.EventCandleClosed, "Candle closed",
		fmt.Sprintf("%s: %s candle at %s", preset.Name, candle.Direction,
			window.Start.Format(time.RFC3339)))

	a.streakScan(ctx, preset, candle)
	return nil
}

// buildCandle assembles open/close for the window from the up token's price
// series, falling back to the live cache and the previous candle's close.
// Every fallback marks the value estimated and names its source.
func (a *Alerter) buildCandle(ctx context.Context, preset domain.Preset, window domain.Window) (domain.Candle, error) {
	candle := domain.Candle{
		Preset:      preset.Name,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		UpdatedAt:   time.Now().UTC(),
	}

	snap, err := a.resolver.Resolve(ctx, preset, window)
	if err != nil && !errors.Is(err, domain.ErrMarketUnresolved) {
		return candle, err
	}

	if err == nil && snap.UpTokenID != "" {
		points, herr := a.history.GetPriceHistory(ctx, snap.UpTokenID, window.Start, window.End)
		if herr != nil {
			a.logger.Warn("price history fetch failed",
				slog.String("preset", preset.Name),
				slog.String("error", herr.Error()))
		} else if len(points) > 0 {
			open := points[0].Price
			close := points[len(points)-1].Price
			candle.Open = &open
			candle.Close = &close
			candle.OpenSource = "clob-history"
			candle.CloseSource = "clob-history"
		}

		// The live cache beats history for the close if it is fresher than
		// the last history point.
		if price, ts, perr := a.prices.GetPrice(ctx, snap.UpTokenID); perr == nil && price > 0 {
			if candle.Close == nil || ts.After(window.End.Add(-time.Minute)) {
				candle.Close = &price
				candle.CloseSource = "feed"
			}
		}
	}

	// Previous candle's close stands in for a missing open.
	if candle.Open == nil {
		prevStart := window.Start.Add(-time.Duration(preset.WindowSeconds) * time.Second)
		if prev, perr := a.candles.Get(ctx, preset.Name, prevStart); perr == nil && prev.Close != nil {
			candle.Open = prev.Close
			candle.OpenEstimated = true
			candle.OpenSource = "prev-close"
		}
	}
	if candle.Close == nil {
		candle.CloseEstimated = true
	}
	if candle.CloseSource == "feed" {
		candle.CloseEstimated = true
	}

	if candle.Open != nil && candle.Close != nil {
		delta := *candle.Close - *candle.Open
		candle.Delta = &delta
	}
	candle.Direction = domain.DirectionFromPrices(candle.Open, candle.Close)
	return candle, nil
}

// bridgeCheck compares this candle's open against the previous candle's
// close. Officially recorded values at a shared boundary must agree; a gap
// beyond the threshold flags the new candle and raises an alert.
func (a *Alerter) bridgeCheck(ctx context.Context, preset domain.Preset, candle *domain.Candle) {
	if candle.Open == nil || candle.OpenEstimated {
		return
	}
	prevStart := candle.WindowStart.Add(-time.Duration(preset.WindowSeconds) * time.Second)
	prev, err := a.candles.Get(ctx, preset.Name, prevStart)
	if err != nil || prev.Close == nil || prev.CloseEstimated {
		return
	}

	diff := *candle.Open - *prev.Close
	if diff < 0 {
		diff = -diff
	}
	if diff <= a.cfg.IntegrityDiffThreshold {
		return
	}

	candle.IntegrityAlert = true
	candle.IntegrityDiff = &diff
	a.logger.Warn("boundary integrity breach",
		slog.String("preset", preset.Name),
		slog.Time("window_start", candle.WindowStart),
		slog.Float64("diff", diff))
	a.notify(ctx, domain.EventIntegrityAlert, "Integrity alert",
		fmt.Sprintf("%s: close %.3f vs next open %.3f differs by %.3f",
			preset.Name, *prev.Close, *candle.Open, diff))
}

// streakScan recomputes the current same-direction run from persisted candles
// and alerts when it reaches the threshold. Recomputing from the store keeps
// the counter correct across restarts.
func (a *Alerter) streakScan(ctx context.Context, preset domain.Preset, latest domain.Candle) {
	if a.cfg.StreakThreshold < 2 {
		return
	}
	if latest.Direction != domain.DirectionUp && latest.Direction != domain.DirectionDown {
		return
	}

	from := latest.WindowStart.Add(-time.Duration(a.cfg.Lookback*preset.WindowSeconds) * time.Second)
	candles, err := a.candles.ListRange(ctx, preset.Name, from, latest.WindowEnd)
	if err != nil {
		a.logger.Warn("streak scan failed",
			slog.String("preset", preset.Name),
			slog.String("error", err.Error()))
		return
	}

	streak := CurrentStreak(candles)
	if streak.Direction != latest.Direction || streak.Length < a.cfg.StreakThreshold {
		return
	}
	// Alert exactly when the threshold is reached, then on every extension.
	a.logger.Info("direction streak",
		slog.String("preset", preset.Name),
		slog.String("direction", string(streak.Direction)),
		slog.Int("length", streak.Length))
	a.notify(ctx, domain.EventStreakAlert, "Streak alert",
		fmt.Sprintf("%s: %d %s candles in a row", preset.Name, streak.Length, streak.Direction))
}

// CurrentStreak walks the candle series from newest to oldest and returns the
// trailing run of same-direction candles. Flat and unknown candles end the
// run.
func CurrentStreak(candles []domain.Candle) domain.Streak {
	if len(candles) == 0 {
		return domain.Streak{}
	}
	// ListRange returns ascending window start.
	newest := candles[len(candles)-1]
	streak := domain.Streak{
		Preset:    newest.Preset,
		Direction: newest.Direction,
		UpdatedAt: newest.UpdatedAt,
	}
	if newest.Direction != domain.DirectionUp && newest.Direction != domain.DirectionDown {
		return streak
	}
	for i := len(candles) - 1; i >= 0; i-- {
		if candles[i].Direction != newest.Direction {
			break
		}
		streak.Length++
	}
	return streak
}

func (a *Alerter) notify(ctx context.Context, event, title, message string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, event, title, message); err != nil {
		a.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
