package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/candlebot/internal/alert"
	"github.com/alanyoungcy/candlebot/internal/executor"
	"github.com/alanyoungcy/candlebot/internal/feed"
	"github.com/alanyoungcy/candlebot/internal/history"
	"github.com/alanyoungcy/candlebot/internal/market"
	"github.com/alanyoungcy/candlebot/internal/monitor"
)

// archiveSweepInterval is the cadence of the cold-history export in full mode.
const archiveSweepInterval = 24 * time.Hour

// buildResolver constructs the market resolver shared by trading and alerting.
func (a *App) buildResolver(deps *Dependencies) *market.Resolver {
	return market.NewResolver(deps.Gamma, a.logger,
		a.cfg.Trading.ResolveDeadline.Duration,
		a.cfg.Trading.ResolveInterval.Duration)
}

// buildScheduler constructs one position monitor per preset behind the
// distributed lock scheduler.
func (a *App) buildScheduler(deps *Dependencies) *monitor.Scheduler {
	resolver := a.buildResolver(deps)
	balances := executor.NewBalanceGateway(deps.Clob, a.logger)
	engine := executor.NewEngine(deps.Clob, balances, deps.Orders, deps.Wallet, executor.Config{
		MaxRetries:        a.cfg.Trading.MaxRetries,
		RetryInterval:     a.cfg.Trading.RetryInterval.Duration,
		OrderPollInterval: a.cfg.Trading.OrderPollInterval.Duration,
		AttemptTimeout:    a.cfg.Trading.AttemptTimeout.Duration,
		RepriceStep:       a.cfg.Trading.RepriceStep,
		MaxSlippage:       a.cfg.Trading.MaxSlippage,
		SizeDecimals:      a.cfg.Trading.SizeDecimals,
		FallbackEnabled:   a.cfg.Trading.MarketableFallback,
	}, a.logger)
	recorder := history.NewRecorder(deps.History, a.logger)

	monitorCfg := monitor.Config{
		EntryMode:        a.cfg.Trading.EntryMode,
		EntrySize:        a.cfg.Trading.EntrySize,
		MinEntryPrice:    a.cfg.Trading.MinEntryPrice,
		MaxEntryPrice:    a.cfg.Trading.MaxEntryPrice,
		SizeDecimals:     a.cfg.Trading.SizeDecimals,
		UrgencyExitDelta: a.cfg.Trading.UrgencyExitDelta,
		ExitLeadTime:     a.cfg.Trading.ExitLeadTime.Duration,
		TickInterval:     a.cfg.Trading.TickInterval.Duration,
	}

	monitors := make([]*monitor.Monitor, 0, len(deps.Presets))
	for _, preset := range deps.Presets {
		monitors = append(monitors, monitor.NewMonitor(
			preset, resolver, engine, deps.Clob, balances,
			deps.Positions, recorder, deps.Prices, deps.Events,
			deps.Wallet, monitorCfg, a.logger,
		))
	}
	return monitor.NewScheduler(monitors, deps.Locks, a.logger)
}

// buildPipeline constructs the ledger integrity pipeline.
func (a *App) buildPipeline(deps *Dependencies) *history.Pipeline {
	return history.NewPipeline(deps.History, deps.Candles, deps.Positions, deps.Events, history.Config{
		CheckInterval:    a.cfg.History.CheckInterval.Duration,
		BackfillLookback: a.cfg.History.BackfillLookback.Duration,
	}, a.logger)
}

// buildAlerter constructs the candle and streak alerter.
func (a *App) buildAlerter(deps *Dependencies) *alert.Alerter {
	return alert.NewAlerter(deps.Presets, a.buildResolver(deps), deps.Clob,
		deps.Prices, deps.Candles, deps.Events, alert.Config{
			StreakThreshold:        a.cfg.Alert.StreakThreshold,
			IntegrityDiffThreshold: a.cfg.History.IntegrityDiffThreshold,
		}, a.logger)
}

// buildFeed constructs the market price feed, or nil when the feed is off.
func (a *App) buildFeed(deps *Dependencies) *feed.MarketFeed {
	if deps.WS == nil {
		return nil
	}
	return feed.NewMarketFeed(deps.WS, deps.Gamma, deps.Positions, deps.Prices, feed.Config{
		StaleAfter:       a.cfg.Feed.StaleAfter.Duration,
		FallbackInterval: a.cfg.Feed.FallbackInterval.Duration,
	}, a.logger)
}

// TradeMode runs the per-preset position monitors with the WS feed and the
// integrity pipeline alongside.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)

	if mf := a.buildFeed(deps); mf != nil {
		g.Go(func() error { return mf.Run(ctx) })
	}

	scheduler := a.buildScheduler(deps)
	g.Go(func() error { return scheduler.Run(ctx) })

	pipeline := a.buildPipeline(deps)
	g.Go(func() error { return pipeline.Run(ctx, deps.Presets) })

	return g.Wait()
}

// AlertMode runs candle and streak alerting only. No orders are placed.
func (a *App) AlertMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting alert mode")
	return a.buildAlerter(deps).Run(ctx)
}

// ReconcileMode audits every preset's ledger once and exits.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")

	pipeline := a.buildPipeline(deps)
	for _, preset := range deps.Presets {
		if err := pipeline.Reconcile(ctx, preset); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveMode exports cold history once and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	_, err := deps.Archiver.Run(ctx)
	return err
}

// FullMode runs trading, alerting, the integrity pipeline, and the periodic
// cold-history export together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	if mf := a.buildFeed(deps); mf != nil {
		g.Go(func() error { return mf.Run(ctx) })
	}

	scheduler := a.buildScheduler(deps)
	g.Go(func() error { return scheduler.Run(ctx) })

	pipeline := a.buildPipeline(deps)
	g.Go(func() error { return pipeline.Run(ctx, deps.Presets) })

	if a.cfg.Alert.Enabled {
		alerter := a.buildAlerter(deps)
		g.Go(func() error { return alerter.Run(ctx) })
	}

	if deps.Archiver != nil {
		g.Go(func() error { return a.runArchiveLoop(ctx, deps) })
	}

	return g.Wait()
}

// runArchiveLoop exports cold history on startup and then once per sweep
// interval. Export failures are logged and retried at the next sweep.
func (a *App) runArchiveLoop(ctx context.Context, deps *Dependencies) error {
	ticker := time.NewTicker(archiveSweepInterval)
	defer ticker.Stop()

	for {
		if _, err := deps.Archiver.Run(ctx); err != nil {
			a.logger.Error("archive sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
