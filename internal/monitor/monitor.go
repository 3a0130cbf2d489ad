// Package monitor drives the per-preset trading loop: resolve the window's
// market, enter a position, watch its price, and exit before the window
// closes. One monitor owns one preset; a distributed lock guarantees a single
// loop per preset across processes.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
	"github.com/alanyoungcy/candlebot/internal/executor"
)

// resolverAPI is the slice of the market resolver the monitor needs.
type resolverAPI interface {
	Resolve(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error)
	Snapshot(ctx context.Context, slug string) (domain.MarketSnapshot, error)
}

// engineAPI executes one order intent to completion.
type engineAPI interface {
	Execute(ctx context.Context, intent domain.OrderIntent) (executor.Result, error)
}

// orderProbe resolves the fate of orders left in flight across a restart. A
// still-live order must be cancelled before its fill can be trusted as final.
type orderProbe interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// recorderAPI writes ledger rows for opens and closes.
type recorderAPI interface {
	RecordOpen(ctx context.Context, pos domain.Position) error
	RecordClose(ctx context.Context, pos domain.Position, exitPrice float64) error
}

// notifierAPI delivers lifecycle notifications.
type notifierAPI interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds entry gating and exit timing for one monitor.
type Config struct {
	EntryMode        string // "cheaper", "up", or "down"
	EntrySize        float64
	MinEntryPrice    float64
	MaxEntryPrice    float64
	SizeDecimals     int
	UrgencyExitDelta float64
	ExitLeadTime     time.Duration
	TickInterval     time.Duration
}

// Monitor runs the position lifecycle for a single preset.
type Monitor struct {
	preset    domain.Preset
	resolver  resolverAPI
	engine    engineAPI
	clob      orderProbe
	balances  *executor.BalanceGateway
	positions domain.PositionStore
	recorder  recorderAPI
	prices    domain.PriceCache
	notifier  notifierAPI
	logger    *slog.Logger
	cfg       Config
	wallet    string

	// skipped remembers windows this process already declined, so a skip is
	// decided (and announced) once per window.
	skipped map[int64]bool

	// retryNotified marks that the current closing position's exit trouble
	// has been announced; later retries stay quiet.
	retryNotified bool
}

// NewMonitor creates a Monitor for one preset.
func NewMonitor(preset domain.Preset, resolver resolverAPI, engine engineAPI, clob orderProbe, balances *executor.BalanceGateway, positions domain.PositionStore, recorder recorderAPI, prices domain.PriceCache, notifier notifierAPI, wallet string, cfg Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		preset:    preset,
		resolver:  resolver,
		engine:    engine,
		clob:      clob,
		balances:  balances,
		positions: positions,
		recorder:  recorder,
		prices:    prices,
		notifier:  notifier,
		logger: logger.With(
			slog.String("component", "monitor"),
			slog.String("preset", preset.Name)),
		cfg:     cfg,
		wallet:  wallet,
		skipped: map[int64]bool{},
	}
}

// Run ticks the lifecycle until the context ends. Resume is called first so
// positions left mid-flight by a previous process are reconciled before any
// new decision is made.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.Resume(ctx); err != nil {
		m.logger.Error("resume failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.logger.Info("monitor started",
		slog.Duration("tick", m.cfg.TickInterval))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx, time.Now().UTC())
		}
	}
}

// tick runs one lifecycle step: manage the active position if one exists,
// otherwise consider entering the current window.
func (m *Monitor) tick(ctx context.Context, now time.Time) {
	pos, err := m.positions.GetActive(ctx, m.preset.Name)
	switch {
	case err == nil:
		m.manage(ctx, pos, now)
	case errors.Is(err, domain.ErrNotFound):
		m.maybeEnter(ctx, now)
	default:
		m.logger.Error("active position lookup failed",
			slog.String("error", err.Error()))
	}
}

// maybeEnter gates and performs entry for the window containing now. Each
// gate failure skips the whole window, not just the tick.
func (m *Monitor) maybeEnter(ctx context.Context, now time.Time) {
	window := m.preset.WindowAt(now)
	key := window.Start.Unix()
	if m.skipped[key] {
		return
	}

	// Too close to the exit phase to be worth entering.
	exitAt := window.End.Add(-m.cfg.ExitLeadTime)
	if !now.Before(exitAt) {
		m.skip(ctx, window, "window nearly over")
		return
	}

	snap, err := m.resolver.Resolve(ctx, m.preset, window)
	if err != nil {
		m.skip(ctx, window, "market unresolved")
		return
	}

	dir, tokenID, price := m.chooseEntry(snap)
	if tokenID == "" {
		m.skip(ctx, window, "no token for entry mode "+m.cfg.EntryMode)
		return
	}
	if price < m.cfg.MinEntryPrice || price > m.cfg.MaxEntryPrice {
		m.skip(ctx, window, fmt.Sprintf("entry price %.3f outside [%.2f, %.2f]",
			price, m.cfg.MinEntryPrice, m.cfg.MaxEntryPrice))
		return
	}

	collateral, err := m.balances.Collateral(ctx)
	if err != nil {
		m.logger.Warn("collateral check failed",
			slog.String("error", err.Error()))
		return // transient, retry next tick
	}
	cost := m.cfg.EntrySize * price
	if cost > collateral {
		m.skip(ctx, window, fmt.Sprintf("need %.2f USDC, have %.2f", cost, collateral))
		return
	}

	m.enter(ctx, window, snap, dir, tokenID, price)
}

// chooseEntry picks the outcome token for the configured entry mode.
func (m *Monitor) chooseEntry(snap domain.MarketSnapshot) (domain.CandleDirection, string, float64) {
	switch m.cfg.EntryMode {
	case "up":
		return domain.DirectionUp, snap.UpTokenID, snap.UpPrice
	case "down":
		return domain.DirectionDown, snap.DownTokenID, snap.DownPrice
	default: // cheaper
		if snap.UpPrice <= snap.DownPrice {
			return domain.DirectionUp, snap.UpTokenID, snap.UpPrice
		}
		return domain.DirectionDown, snap.DownTokenID, snap.DownPrice
	}
}

// enter creates the pending position row and runs the entry leg.
func (m *Monitor) enter(ctx context.Context, window domain.Window, snap domain.MarketSnapshot, dir domain.CandleDirection, tokenID string, price float64) {
	pos := domain.Position{
		ID:          domain.PositionID(m.preset.Name, window.Start),
		Preset:      m.preset.Name,
		Slug:        snap.Slug,
		TokenID:     tokenID,
		Wallet:      m.wallet,
		Direction:   dir,
		WindowStart: window.Start,
		WindowEnd:   window.End,
		EntryPrice:  price,
		Size:        m.cfg.EntrySize,
		Status:      domain.PositionStatusPending,
		OpenedAt:    time.Now().UTC(),
	}
	if err := m.positions.Create(ctx, pos); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Another process (or a previous run) owns this window.
			m.skipped[window.Start.Unix()] = true
			return
		}
		m.logger.Error("position insert failed",
			slog.String("error", err.Error()))
		return
	}

	res, err := m.engine.Execute(ctx, domain.OrderIntent{
		PositionID: pos.ID,
		Preset:     m.preset.Name,
		TokenID:    tokenID,
		Side:       domain.OrderSideBuy,
		Price:      price,
		Size:       m.cfg.EntrySize,
	})
	if len(res.OrderIDs) > 0 {
		pos.EntryOrderID = res.OrderIDs[len(res.OrderIDs)-1]
	}
	if err != nil && res.FilledSize <= 0 {
		pos.Status = domain.PositionStatusFailed
		if uerr := m.positions.Update(ctx, pos); uerr != nil {
			m.logger.Error("position update failed",
				slog.String("error", uerr.Error()))
		}
		m.skipped[window.Start.Unix()] = true
		m.logger.Warn("entry failed",
			slog.String("error", err.Error()))
		m.notify(ctx, domain.EventOrderFailed, "Entry failed",
			fmt.Sprintf("%s: entry did not fill: %v", m.preset.Name, err))
		return
	}

	// A partial entry still opens the position at whatever filled.
	pos.EntryPrice = res.AvgPrice
	pos.Size = res.FilledSize
	pos.Status = domain.PositionStatusOpen
	if err := m.positions.Update(ctx, pos); err != nil {
		m.logger.Error("position update failed",
			slog.String("error", err.Error()))
	}
	if err := m.recorder.RecordOpen(ctx, pos); err != nil {
		m.logger.Error("ledger open failed",
			slog.String("error", err.Error()))
	}

	m.logger.Info("position opened",
		slog.String("position", pos.ID),
		slog.String("direction", string(dir)),
		slog.Float64("price", pos.EntryPrice),
		slog.Float64("size", pos.Size))
	m.notify(ctx, domain.EventPositionOpened, "Position opened",
		fmt.Sprintf("%s: %s %.2f @ %.3f", m.preset.Name, dir, pos.Size, pos.EntryPrice))
}

// manage advances an active position: urgency exits first, the scheduled exit
// near window end, and closing retries.
func (m *Monitor) manage(ctx context.Context, pos domain.Position, now time.Time) {
	switch pos.Status {
	case domain.PositionStatusPending:
		// Entry is synchronous; a pending row here survived a crash.
		m.resumePending(ctx, pos)
	case domain.PositionStatusOpen:
		if m.urgencyTriggered(ctx, pos) {
			m.notify(ctx, domain.EventUrgencyExit, "Urgency exit",
				fmt.Sprintf("%s: %s fell %.2f below entry %.3f",
					m.preset.Name, pos.Direction, m.cfg.UrgencyExitDelta, pos.EntryPrice))
			m.exit(ctx, pos, "urgency")
			return
		}
		if !now.Before(pos.WindowEnd.Add(-m.cfg.ExitLeadTime)) {
			m.exit(ctx, pos, "scheduled")
		}
	case domain.PositionStatusClosing:
		m.exit(ctx, pos, "retry")
	}
}

// urgencyTriggered reports whether the held token has dropped far enough below
// entry to abandon the window early. A stale or missing cached price never
// triggers.
func (m *Monitor) urgencyTriggered(ctx context.Context, pos domain.Position) bool {
	price, _, err := m.prices.GetPrice(ctx, pos.TokenID)
	if err != nil || price <= 0 {
		return false
	}
	return pos.EntryPrice-price >= m.cfg.UrgencyExitDelta
}

// exit runs the sell leg. The position moves to closing first so a crash
// mid-exit resumes here instead of re-entering.
func (m *Monitor) exit(ctx context.Context, pos domain.Position, reason string) {
	if pos.Status != domain.PositionStatusClosing {
		pos.Status = domain.PositionStatusClosing
		if err := m.positions.Update(ctx, pos); err != nil {
			m.logger.Error("position update failed",
				slog.String("error", err.Error()))
			return
		}
	}

	bal, err := m.balances.TokenBalance(ctx, pos.TokenID)
	if err != nil {
		m.logger.Warn("exit balance read failed",
			slog.String("error", err.Error()))
		return // stays closing, retried next tick
	}
	size := executor.ExitSize(bal, m.cfg.SizeDecimals)
	if size <= 0 {
		// Nothing left to sell: the tokens are gone (resolved or already
		// sold). Close at the best known price.
		m.finalize(ctx, pos, m.lastKnownPrice(ctx, pos), reason)
		return
	}

	price := m.exitAnchor(ctx, pos)
	res, err := m.engine.Execute(ctx, domain.OrderIntent{
		PositionID: pos.ID,
		Preset:     m.preset.Name,
		TokenID:    pos.TokenID,
		Side:       domain.OrderSideSell,
		Price:      price,
		Size:       size,
	})
	if len(res.OrderIDs) > 0 {
		pos.ExitOrderID = res.OrderIDs[len(res.OrderIDs)-1]
		if uerr := m.positions.Update(ctx, pos); uerr != nil {
			m.logger.Error("position update failed",
				slog.String("error", uerr.Error()))
		}
	}
	if err != nil {
		// Partial exits stay closing; the next tick sells the remainder.
		m.logger.Warn("exit incomplete",
			slog.String("reason", reason),
			slog.Float64("filled", res.FilledSize),
			slog.String("error", err.Error()))
		if !m.retryNotified {
			m.retryNotified = true
			m.notify(ctx, domain.EventExitRetry, "Exit retry",
				fmt.Sprintf("%s: exit incomplete for %s, retrying", m.preset.Name, pos.ID))
		}
		return
	}

	m.finalize(ctx, pos, res.AvgPrice, reason)
}

// exitAnchor picks the limit price the sell starts from: the cached live
// price, a market snapshot as fallback, and the entry price as last resort.
func (m *Monitor) exitAnchor(ctx context.Context, pos domain.Position) float64 {
	if price, _, err := m.prices.GetPrice(ctx, pos.TokenID); err == nil && price > 0 {
		return price
	}
	if snap, err := m.resolver.Snapshot(ctx, pos.Slug); err == nil {
		if price := snap.PriceFor(pos.Direction); price > 0 {
			return price
		}
	}
	return pos.EntryPrice
}

// lastKnownPrice is the exit anchor without the entry-price fallback bias;
// used only for bookkeeping a position whose tokens are already gone.
func (m *Monitor) lastKnownPrice(ctx context.Context, pos domain.Position) float64 {
	return m.exitAnchor(ctx, pos)
}

// finalize closes the position row, writes the ledger close, and announces.
func (m *Monitor) finalize(ctx context.Context, pos domain.Position, exitPrice float64, reason string) {
	closedAt := time.Now().UTC()
	if err := m.positions.Close(ctx, pos.ID, exitPrice, closedAt); err != nil {
		m.logger.Error("position close failed",
			slog.String("error", err.Error()))
		return
	}
	pos.ExitPrice = &exitPrice
	pos.ClosedAt = &closedAt
	pos.Status = domain.PositionStatusClosed
	m.retryNotified = false

	if err := m.recorder.RecordClose(ctx, pos, exitPrice); err != nil {
		m.logger.Error("ledger close failed",
			slog.String("error", err.Error()))
	}

	outcome := pos.Outcome()
	m.logger.Info("position closed",
		slog.String("position", pos.ID),
		slog.String("reason", reason),
		slog.Float64("exit_price", exitPrice),
		slog.String("outcome", string(outcome)))
	m.notify(ctx, domain.EventPositionClosed, "Position closed",
		fmt.Sprintf("%s: exited @ %.3f (%s, %s)", m.preset.Name, exitPrice, outcome, reason))
}

// Resume reconciles positions left active by a previous process. Pending
// entries are resolved through their last order; closing positions either
// finish from their exit order or fall back into the closing retry path.
func (m *Monitor) Resume(ctx context.Context) error {
	pos, err := m.positions.GetActive(ctx, m.preset.Name)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("monitor: resume %s: %w", m.preset.Name, err)
	}

	m.logger.Info("resuming position",
		slog.String("position", pos.ID),
		slog.String("status", string(pos.Status)))

	switch pos.Status {
	case domain.PositionStatusPending:
		m.resumePending(ctx, pos)
	case domain.PositionStatusClosing:
		m.resumeClosing(ctx, pos)
	}
	// Open positions need no reconciliation; the tick loop manages them.
	return nil
}

// settleOrder pins down the final fill of an order left in flight. A
// still-live order is cancelled first so it cannot keep filling behind the
// bot's back, then re-probed to capture whatever filled before the cancel
// landed. ok is false when the exchange could not be consulted; the caller
// retries on a later tick.
func (m *Monitor) settleOrder(ctx context.Context, orderID, leg string) (domain.Order, bool) {
	order, err := m.clob.GetOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Order{}, true
	}
	if err != nil {
		m.logger.Warn(leg+" order probe failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return domain.Order{}, false
	}
	if order.Status.Terminal() {
		return order, true
	}

	if err := m.clob.CancelOrder(ctx, orderID); err != nil {
		m.logger.Warn(leg+" order cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return domain.Order{}, false
	}
	m.logger.Info(leg+" order cancelled on resume",
		slog.String("order_id", orderID))
	if settled, err := m.clob.GetOrder(ctx, orderID); err == nil {
		return settled, true
	}
	return order, true
}

// resumePending settles a pending position from its entry order's fate.
func (m *Monitor) resumePending(ctx context.Context, pos domain.Position) {
	if pos.EntryOrderID != "" {
		order, ok := m.settleOrder(ctx, pos.EntryOrderID, "entry")
		if !ok {
			return // retried next tick
		}
		if order.FilledSize > 0 {
			pos.Size = order.FilledSize
			if order.LimitPrice > 0 {
				pos.EntryPrice = order.LimitPrice
			}
			pos.Status = domain.PositionStatusOpen
			if uerr := m.positions.Update(ctx, pos); uerr != nil {
				m.logger.Error("position update failed",
					slog.String("error", uerr.Error()))
				return
			}
			if rerr := m.recorder.RecordOpen(ctx, pos); rerr != nil {
				m.logger.Error("ledger open failed",
					slog.String("error", rerr.Error()))
			}
			m.logger.Info("pending entry recovered as open",
				slog.String("position", pos.ID),
				slog.Float64("size", pos.Size))
			return
		}
	}

	// No order or no fill: the entry never happened.
	pos.Status = domain.PositionStatusFailed
	if err := m.positions.Update(ctx, pos); err != nil {
		m.logger.Error("position update failed",
			slog.String("error", err.Error()))
		return
	}
	m.skipped[pos.WindowStart.Unix()] = true
	m.logger.Warn("pending entry abandoned",
		slog.String("position", pos.ID))
}

// resumeClosing settles a closing position from its exit order's fate. A
// fully filled exit finalizes; anything else leaves the book clean (the stale
// sell is cancelled by settleOrder) and the closing retry path sells whatever
// balance remains.
func (m *Monitor) resumeClosing(ctx context.Context, pos domain.Position) {
	if pos.ExitOrderID == "" {
		return
	}
	order, ok := m.settleOrder(ctx, pos.ExitOrderID, "exit")
	if !ok {
		return
	}
	if order.Status == domain.OrderStatusFilled {
		price := order.LimitPrice
		if price <= 0 {
			price = m.exitAnchor(ctx, pos)
		}
		m.finalize(ctx, pos, price, "resumed")
	}
}

// skip declines the window once: remembered, logged, announced.
func (m *Monitor) skip(ctx context.Context, window domain.Window, reason string) {
	m.skipped[window.Start.Unix()] = true
	m.pruneSkipped(window.Start)
	m.logger.Info("window skipped",
		slog.Time("window_start", window.Start),
		slog.String("reason", reason))
	m.notify(ctx, domain.EventEntrySkipped, "Entry skipped",
		fmt.Sprintf("%s: window %s skipped: %s",
			m.preset.Name, window.Start.Format(time.RFC3339), reason))
}

// pruneSkipped drops markers older than two windows.
func (m *Monitor) pruneSkipped(current time.Time) {
	cutoff := current.Add(-2 * time.Duration(m.preset.WindowSeconds) * time.Second).Unix()
	for key := range m.skipped {
		if key < cutoff {
			delete(m.skipped, key)
		}
	}
}

// notify delivers a lifecycle notification. Failures are logged only.
func (m *Monitor) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
