package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/candlebot/internal/domain"
	"github.com/alanyoungcy/candlebot/internal/executor"
)

type fakeResolver struct {
	snap domain.MarketSnapshot
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

func (f *fakeResolver) Snapshot(ctx context.Context, slug string) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeEngine struct {
	results []executor.Result
	errs    []error
	intents []domain.OrderIntent
}

func (f *fakeEngine) Execute(ctx context.Context, intent domain.OrderIntent) (executor.Result, error) {
	i := len(f.intents)
	f.intents = append(f.intents, intent)
	if i >= len(f.results) {
		return executor.Result{}, fmt.Errorf("unexpected execute call %d", i)
	}
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return f.results[i], err
}

type fakeProbe struct {
	orders    map[string]domain.Order
	cancelled []string
	// afterCancel overrides what GetOrder reports once the order has been
	// cancelled, e.g. a fill that landed just before the cancel.
	afterCancel map[string]domain.Order
}

func (f *fakeProbe) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := f.orders[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

func (f *fakeProbe) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	if order, ok := f.afterCancel[orderID]; ok {
		f.orders[orderID] = order
		return nil
	}
	if order, ok := f.orders[orderID]; ok {
		order.Status = domain.OrderStatusCancelled
		f.orders[orderID] = order
	}
	return nil
}

type fakeBalances struct {
	collateral float64
	tokens     map[string]float64
}

func (f *fakeBalances) GetBalance(ctx context.Context, assetType, tokenID string) (float64, error) {
	if assetType == "COLLATERAL" {
		return f.collateral, nil
	}
	return f.tokens[tokenID], nil
}

type memPositions struct {
	rows map[string]domain.Position
}

func newMemPositions() *memPositions {
	return &memPositions{rows: map[string]domain.Position{}}
}

func (m *memPositions) Create(ctx context.Context, pos domain.Position) error {
	if _, ok := m.rows[pos.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.rows[pos.ID] = pos
	return nil
}

func (m *memPositions) Update(ctx context.Context, pos domain.Position) error {
	m.rows[pos.ID] = pos
	return nil
}

func (m *memPositions) Close(ctx context.Context, id string, exitPrice float64, closedAt time.Time) error {
	pos, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	pos.Status = domain.PositionStatusClosed
	pos.ExitPrice = &exitPrice
	pos.ClosedAt = &closedAt
	m.rows[id] = pos
	return nil
}

func (m *memPositions) GetByID(ctx context.Context, id string) (domain.Position, error) {
	pos, ok := m.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) GetActive(ctx context.Context, preset string) (domain.Position, error) {
	for _, pos := range m.rows {
		if pos.Preset == preset && pos.Status.Active() {
			return pos, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (m *memPositions) ListActive(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	for _, pos := range m.rows {
		if pos.Status.Active() {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (m *memPositions) ListHistory(ctx context.Context, preset string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type fakeRecorder struct {
	opens  []domain.Position
	closes []float64
}

func (f *fakeRecorder) RecordOpen(ctx context.Context, pos domain.Position) error {
	f.opens = append(f.opens, pos)
	return nil
}

func (f *fakeRecorder) RecordClose(ctx context.Context, pos domain.Position, exitPrice float64) error {
	f.closes = append(f.closes, exitPrice)
	return nil
}

type fakePrices struct {
	prices map[string]float64
}

func (f *fakePrices) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	if f.prices == nil {
		f.prices = map[string]float64{}
	}
	f.prices[tokenID] = price
	return nil
}

func (f *fakePrices) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	price, ok := f.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, time.Now(), nil
}

func (f *fakePrices) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	return f.prices, nil
}

type captureNotifier struct {
	events []string
}

func (c *captureNotifier) Notify(ctx context.Context, event, title, message string) error {
	c.events = append(c.events, event)
	return nil
}

func (c *captureNotifier) count(name string) int {
	n := 0
	for _, e := range c.events {
		if e == name {
			n++
		}
	}
	return n
}

type fixture struct {
	monitor   *Monitor
	resolver  *fakeResolver
	engine    *fakeEngine
	probe     *fakeProbe
	positions *memPositions
	recorder  *fakeRecorder
	prices    *fakePrices
	notifier  *captureNotifier
	preset    domain.Preset
}

func testConfig() Config {
	return Config{
		EntryMode:        "cheaper",
		EntrySize:        5,
		MinEntryPrice:    0.02,
		MaxEntryPrice:    0.98,
		SizeDecimals:     2,
		UrgencyExitDelta: 0.15,
		ExitLeadTime:     30 * time.Second,
		TickInterval:     time.Millisecond,
	}
}

func newFixture(t *testing.T, bal *fakeBalances) *fixture {
	t.Helper()
	preset, err := domain.NewPreset("ETH", "1h")
	require.NoError(t, err)

	f := &fixture{
		resolver:  &fakeResolver{},
		engine:    &fakeEngine{},
		probe:     &fakeProbe{orders: map[string]domain.Order{}},
		positions: newMemPositions(),
		recorder:  &fakeRecorder{},
		prices:    &fakePrices{prices: map[string]float64{}},
		notifier:  &captureNotifier{},
		preset:    preset,
	}
	gw := executor.NewBalanceGateway(bal, slog.Default())
	f.monitor = NewMonitor(preset, f.resolver, f.engine, f.probe, gw,
		f.positions, f.recorder, f.prices, f.notifier, "0xwallet", testConfig(), slog.Default())
	return f
}

func tradableSnap(upPrice, downPrice float64) domain.MarketSnapshot {
	return domain.MarketSnapshot{
		Slug:            "eth-updown-1h-1756461600",
		UpTokenID:       "up-token",
		DownTokenID:     "down-token",
		UpPrice:         upPrice,
		DownPrice:       downPrice,
		Active:          true,
		AcceptingOrders: true,
	}
}

// windowMid is safely inside an hourly window, well before the exit phase.
var windowMid = time.Date(2026, 8, 29, 10, 10, 0, 0, time.UTC)

func TestEntryOpensPosition(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	f.resolver.snap = tradableSnap(0.42, 0.58)
	f.engine.results = []executor.Result{
		{FilledSize: 5, AvgPrice: 0.43, Attempts: 1, OrderIDs: []string{"o1"}},
	}

	f.monitor.tick(context.Background(), windowMid)

	require.Len(t, f.engine.intents, 1)
	intent := f.engine.intents[0]
	assert.Equal(t, domain.OrderSideBuy, intent.Side)
	assert.Equal(t, "up-token", intent.TokenID) // cheaper side
	assert.InDelta(t, 0.42, intent.Price, 1e-9)

	pos, err := f.positions.GetActive(context.Background(), "eth-1h")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, pos.Status)
	assert.InDelta(t, 0.43, pos.EntryPrice, 1e-9)
	assert.Equal(t, "o1", pos.EntryOrderID)
	assert.Len(t, f.recorder.opens, 1)
	assert.Contains(t, f.notifier.events, domain.EventPositionOpened)
}

func TestEntryModeDownPicksDownToken(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	f.monitor.cfg.EntryMode = "down"
	f.resolver.snap = tradableSnap(0.42, 0.58)
	f.engine.results = []executor.Result{
		{FilledSize: 5, AvgPrice: 0.58, Attempts: 1, OrderIDs: []string{"o1"}},
	}

	f.monitor.tick(context.Background(), windowMid)

	require.Len(t, f.engine.intents, 1)
	assert.Equal(t, "down-token", f.engine.intents[0].TokenID)
}

func TestEntrySkippedOutsidePriceBand(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	f.resolver.snap = tradableSnap(0.01, 0.99)

	f.monitor.tick(context.Background(), windowMid)
	// Second tick in the same window must not re-evaluate.
	f.monitor.tick(context.Background(), windowMid.Add(time.Minute))

	assert.Empty(t, f.engine.intents)
	assert.Equal(t, []string{domain.EventEntrySkipped}, f.notifier.events)
}

func TestEntrySkippedInsufficientCollateral(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 1})
	f.resolver.snap = tradableSnap(0.42, 0.58)

	f.monitor.tick(context.Background(), windowMid)

	assert.Empty(t, f.engine.intents)
	assert.Contains(t, f.notifier.events, domain.EventEntrySkipped)
}

func TestEntrySkippedWhenUnresolved(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	f.resolver.err = domain.ErrMarketUnresolved

	f.monitor.tick(context.Background(), windowMid)

	assert.Empty(t, f.engine.intents)
	assert.Contains(t, f.notifier.events, domain.EventEntrySkipped)
}

func openPosition(f *fixture, entryPrice float64) domain.Position {
	start := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	pos := domain.Position{
		ID:          domain.PositionID("eth-1h", start),
		Preset:      "eth-1h",
		Slug:        "eth-updown-1h-1756461600",
		TokenID:     "up-token",
		Direction:   domain.DirectionUp,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		EntryPrice:  entryPrice,
		Size:        5,
		Status:      domain.PositionStatusOpen,
	}
	f.positions.rows[pos.ID] = pos
	return pos
}

func TestScheduledExitClosesPosition(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{"up-token": 5}})
	pos := openPosition(f, 0.43)
	f.prices.prices["up-token"] = 0.61
	f.engine.results = []executor.Result{
		{FilledSize: 4.99, AvgPrice: 0.60, Attempts: 1, OrderIDs: []string{"x1"}},
	}

	// Inside the exit lead window.
	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-10*time.Second))

	require.Len(t, f.engine.intents, 1)
	intent := f.engine.intents[0]
	assert.Equal(t, domain.OrderSideSell, intent.Side)
	assert.InDelta(t, 0.61, intent.Price, 1e-9)       // cached price anchors
	assert.InDelta(t, 4.99, intent.Size, 1e-9)        // ExitSize(5) at 2 decimals
	got := f.positions.rows[pos.ID]
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.60, *got.ExitPrice, 1e-9)
	assert.Equal(t, []float64{0.60}, f.recorder.closes)
	assert.Contains(t, f.notifier.events, domain.EventPositionClosed)
}

func TestNoExitBeforeLeadTime(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{"up-token": 5}})
	pos := openPosition(f, 0.43)

	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-5*time.Minute))

	assert.Empty(t, f.engine.intents)
	assert.Equal(t, domain.PositionStatusOpen, f.positions.rows[pos.ID].Status)
}

func TestUrgencyExit(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{"up-token": 5}})
	pos := openPosition(f, 0.50)
	// Price collapsed well past the urgency delta.
	f.prices.prices["up-token"] = 0.30
	f.engine.results = []executor.Result{
		{FilledSize: 4.99, AvgPrice: 0.30, Attempts: 1, OrderIDs: []string{"x1"}},
	}

	// Mid-window, long before the scheduled exit.
	f.monitor.tick(context.Background(), pos.WindowStart.Add(10*time.Minute))

	require.Len(t, f.engine.intents, 1)
	assert.Equal(t, domain.OrderSideSell, f.engine.intents[0].Side)
	assert.Contains(t, f.notifier.events, domain.EventUrgencyExit)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.rows[pos.ID].Status)
}

func TestFailedExitStaysClosing(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{"up-token": 5}})
	pos := openPosition(f, 0.43)
	f.engine.results = []executor.Result{
		{Attempts: 4, OrderIDs: []string{"x1"}},
		{Attempts: 4, OrderIDs: []string{"x2"}},
		{FilledSize: 4.99, AvgPrice: 0.55, Attempts: 1, OrderIDs: []string{"x3"}},
	}
	f.engine.errs = []error{domain.ErrRetriesExhausted, domain.ErrRetriesExhausted, nil}

	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-10*time.Second))
	assert.Equal(t, domain.PositionStatusClosing, f.positions.rows[pos.ID].Status)

	// Later ticks retry until one succeeds.
	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-8*time.Second))
	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-6*time.Second))
	assert.Equal(t, domain.PositionStatusClosed, f.positions.rows[pos.ID].Status)
	// The trouble is announced once, not per retry tick.
	assert.Equal(t, 1, f.notifier.count(domain.EventExitRetry))
}

func TestExitWithNoTokensFinalizes(t *testing.T) {
	// Wallet holds nothing: the tokens resolved away. No sell is attempted.
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{}})
	pos := openPosition(f, 0.43)
	f.prices.prices["up-token"] = 0.98

	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-10*time.Second))

	assert.Empty(t, f.engine.intents)
	got := f.positions.rows[pos.ID]
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.98, *got.ExitPrice, 1e-9)
}

func TestResumePendingEntryFilled(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusPending
	pos.EntryOrderID = "o1"
	f.positions.rows[pos.ID] = pos
	f.probe.orders["o1"] = domain.Order{
		ID: "o1", Status: domain.OrderStatusFilled, FilledSize: 5, LimitPrice: 0.44,
	}

	require.NoError(t, f.monitor.Resume(context.Background()))

	got := f.positions.rows[pos.ID]
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.InDelta(t, 0.44, got.EntryPrice, 1e-9)
	assert.Len(t, f.recorder.opens, 1)
}

func TestResumePendingEntryAbandoned(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusPending
	pos.EntryOrderID = "o1"
	f.positions.rows[pos.ID] = pos
	// Probe knows nothing about o1.

	require.NoError(t, f.monitor.Resume(context.Background()))

	assert.Equal(t, domain.PositionStatusFailed, f.positions.rows[pos.ID].Status)
	assert.Empty(t, f.recorder.opens)
	// The failed window is not re-entered.
	assert.True(t, f.monitor.skipped[pos.WindowStart.Unix()])
}

func TestEntryFailureSkipsWindow(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	f.resolver.snap = tradableSnap(0.42, 0.58)
	f.engine.results = []executor.Result{
		{Attempts: 4, OrderIDs: []string{"o1"}},
	}
	f.engine.errs = []error{domain.ErrRetriesExhausted}

	f.monitor.tick(context.Background(), windowMid)
	// Later ticks in the same window must not try again.
	f.monitor.tick(context.Background(), windowMid.Add(time.Minute))
	f.monitor.tick(context.Background(), windowMid.Add(2*time.Minute))

	require.Len(t, f.engine.intents, 1)
	windowStart := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	pos := f.positions.rows[domain.PositionID("eth-1h", windowStart)]
	assert.Equal(t, domain.PositionStatusFailed, pos.Status)
	assert.Empty(t, f.recorder.opens)
	assert.Empty(t, f.recorder.closes)
	assert.Equal(t, 1, f.notifier.count(domain.EventOrderFailed))
	assert.True(t, f.monitor.skipped[windowStart.Unix()])
}

func TestResumeClosingExitFilled(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusClosing
	pos.ExitOrderID = "x1"
	f.positions.rows[pos.ID] = pos
	f.probe.orders["x1"] = domain.Order{
		ID: "x1", Status: domain.OrderStatusFilled, FilledSize: 5, LimitPrice: 0.57,
	}

	require.NoError(t, f.monitor.Resume(context.Background()))

	got := f.positions.rows[pos.ID]
	assert.Equal(t, domain.PositionStatusClosed, got.Status)
	require.NotNil(t, got.ExitPrice)
	assert.InDelta(t, 0.57, *got.ExitPrice, 1e-9)
	assert.Equal(t, []float64{0.57}, f.recorder.closes)
	// The filled order is final; nothing to cancel.
	assert.Empty(t, f.probe.cancelled)
}

func TestResumePendingCancelsLiveEntry(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusPending
	pos.EntryOrderID = "o1"
	f.positions.rows[pos.ID] = pos
	// The entry order is still resting on the exchange with no fill.
	f.probe.orders["o1"] = domain.Order{
		ID: "o1", Status: domain.OrderStatusSubmitted, FilledSize: 0, LimitPrice: 0.43,
	}

	require.NoError(t, f.monitor.Resume(context.Background()))

	// The live order is taken down before the entry is abandoned, so it
	// cannot fill after the position is written off.
	assert.Equal(t, []string{"o1"}, f.probe.cancelled)
	assert.Equal(t, domain.PositionStatusFailed, f.positions.rows[pos.ID].Status)
	assert.Empty(t, f.recorder.opens)
	assert.True(t, f.monitor.skipped[pos.WindowStart.Unix()])
}

func TestResumePendingKeepsFillCaughtByCancel(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusPending
	pos.EntryOrderID = "o1"
	f.positions.rows[pos.ID] = pos
	f.probe.orders["o1"] = domain.Order{
		ID: "o1", Status: domain.OrderStatusSubmitted, FilledSize: 0, LimitPrice: 0.43,
	}
	// Part of the order filled in the race between the probe and the cancel.
	f.probe.afterCancel = map[string]domain.Order{
		"o1": {ID: "o1", Status: domain.OrderStatusCancelled, FilledSize: 3, LimitPrice: 0.43},
	}

	require.NoError(t, f.monitor.Resume(context.Background()))

	assert.Equal(t, []string{"o1"}, f.probe.cancelled)
	got := f.positions.rows[pos.ID]
	assert.Equal(t, domain.PositionStatusOpen, got.Status)
	assert.InDelta(t, 3.0, got.Size, 1e-9)
	assert.Len(t, f.recorder.opens, 1)
}

func TestResumeClosingCancelsStaleExit(t *testing.T) {
	f := newFixture(t, &fakeBalances{collateral: 100, tokens: map[string]float64{"up-token": 5}})
	pos := openPosition(f, 0.43)
	pos.Status = domain.PositionStatusClosing
	pos.ExitOrderID = "x1"
	f.positions.rows[pos.ID] = pos
	// The previous process left its sell resting, unfilled.
	f.probe.orders["x1"] = domain.Order{
		ID: "x1", Status: domain.OrderStatusSubmitted, FilledSize: 0, LimitPrice: 0.55,
	}
	f.prices.prices["up-token"] = 0.56
	f.engine.results = []executor.Result{
		{FilledSize: 4.99, AvgPrice: 0.56, Attempts: 1, OrderIDs: []string{"x2"}},
	}

	require.NoError(t, f.monitor.Resume(context.Background()))

	// The stale sell is off the book before any new one is submitted.
	assert.Equal(t, []string{"x1"}, f.probe.cancelled)
	assert.Equal(t, domain.PositionStatusClosing, f.positions.rows[pos.ID].Status)
	assert.Empty(t, f.engine.intents)

	// The retry path then sells the remaining balance exactly once.
	f.monitor.tick(context.Background(), pos.WindowEnd.Add(-10*time.Second))
	require.Len(t, f.engine.intents, 1)
	assert.Equal(t, domain.OrderSideSell, f.engine.intents[0].Side)
	assert.Equal(t, domain.PositionStatusClosed, f.positions.rows[pos.ID].Status)
}
