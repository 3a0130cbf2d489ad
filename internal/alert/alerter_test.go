package alert

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

type fakeResolver struct {
	snap domain.MarketSnapshot
	err  error
}

func (f *fakeResolver) Resolve(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error) {
	return f.snap, f.err
}

type fakeHistory struct {
	points []domain.PricePoint
	err    error
}

func (f *fakeHistory) GetPriceHistory(ctx context.Context, tokenID string, from, to time.Time) ([]domain.PricePoint, error) {
	return f.points, f.err
}

type fakePrices struct {
	prices map[string]float64
	at     time.Time
}

func (f *fakePrices) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	return nil
}

func (f *fakePrices) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	price, ok := f.prices[tokenID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, f.at, nil
}

func (f *fakePrices) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	return f.prices, nil
}

type memCandles struct {
	rows map[string]domain.Candle
}

func newMemCandles() *memCandles {
	return &memCandles{rows: map[string]domain.Candle{}}
}

func key(preset string, start time.Time) string {
	return fmt.Sprintf("%s|%d", preset, start.Unix())
}

func (m *memCandles) Upsert(ctx context.Context, c domain.Candle) error {
	m.rows[key(c.Preset, c.WindowStart)] = c
	return nil
}

func (m *memCandles) Get(ctx context.Context, preset string, windowStart time.Time) (domain.Candle, error) {
	c, ok := m.rows[key(preset, windowStart)]
	if !ok {
		return domain.Candle{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCandles) ListRange(ctx context.Context, preset string, from, to time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	// Ascending window start.
	for start := from; start.Before(to); start = start.Add(time.Hour) {
		if c, ok := m.rows[key(preset, start)]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memCandles) Latest(ctx context.Context, preset string) (domain.Candle, error) {
	return domain.Candle{}, domain.ErrNotFound
}

type captureNotifier struct {
	events []string
}

func (c *captureNotifier) Notify(ctx context.Context, event, title, message string) error {
	c.events = append(c.events, event)
	return nil
}

var windowStart = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func testPreset(t *testing.T) domain.Preset {
	t.Helper()
	preset, err := domain.NewPreset("ETH", "1h")
	require.NoError(t, err)
	return preset
}

func newAlerter(resolver *fakeResolver, history *fakeHistory, prices *fakePrices, candles *memCandles, notifier *captureNotifier, preset domain.Preset) *Alerter {
	return NewAlerter([]domain.Preset{preset}, resolver, history, prices, candles, notifier, Config{
		StreakThreshold:        3,
		IntegrityDiffThreshold: 0.02,
	}, slog.Default())
}

func seedCandle(candles *memCandles, preset string, start time.Time, open, close float64, closeEstimated bool) {
	c := domain.Candle{
		Preset:         preset,
		WindowStart:    start,
		WindowEnd:      start.Add(time.Hour),
		Open:           &open,
		Close:          &close,
		CloseEstimated: closeEstimated,
	}
	c.Direction = domain.DirectionFromPrices(c.Open, c.Close)
	candles.rows[key(preset, start)] = c
}

func TestCloseCandleFromHistory(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{snap: domain.MarketSnapshot{UpTokenID: "up-token", Active: true, AcceptingOrders: true}}
	history := &fakeHistory{points: []domain.PricePoint{
		{TokenID: "up-token", Price: 0.44, At: windowStart},
		{TokenID: "up-token", Price: 0.52, At: windowStart.Add(30 * time.Minute)},
		{TokenID: "up-token", Price: 0.58, At: windowStart.Add(59 * time.Minute)},
	}}
	candles := newMemCandles()
	notifier := &captureNotifier{}

	a := newAlerter(resolver, history, &fakePrices{}, candles, notifier, preset)
	window := preset.WindowAt(windowStart)
	require.NoError(t, a.CloseCandle(context.Background(), preset, window))

	c, err := candles.Get(context.Background(), "eth-1h", windowStart)
	require.NoError(t, err)
	require.NotNil(t, c.Open)
	require.NotNil(t, c.Close)
	assert.InDelta(t, 0.44, *c.Open, 1e-9)
	assert.InDelta(t, 0.58, *c.Close, 1e-9)
	assert.Equal(t, domain.DirectionUp, c.Direction)
	assert.False(t, c.OpenEstimated)
	assert.Equal(t, "clob-history", c.CloseSource)
	assert.Contains(t, notifier.events, domain.EventCandleClosed)
}

func TestCloseCandleFallsBackToPrevClose(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{err: domain.ErrMarketUnresolved}
	candles := newMemCandles()
	seedCandle(candles, "eth-1h", windowStart.Add(-time.Hour), 0.40, 0.47, false)
	notifier := &captureNotifier{}

	a := newAlerter(resolver, &fakeHistory{}, &fakePrices{}, candles, notifier, preset)
	window := preset.WindowAt(windowStart)
	require.NoError(t, a.CloseCandle(context.Background(), preset, window))

	c, err := candles.Get(context.Background(), "eth-1h", windowStart)
	require.NoError(t, err)
	require.NotNil(t, c.Open)
	assert.InDelta(t, 0.47, *c.Open, 1e-9)
	assert.True(t, c.OpenEstimated)
	assert.Equal(t, "prev-close", c.OpenSource)
	assert.Nil(t, c.Close)
	assert.True(t, c.CloseEstimated)
	assert.Equal(t, domain.DirectionNone, c.Direction)
}

func TestIntegrityAlertOnBoundaryMismatch(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{snap: domain.MarketSnapshot{UpTokenID: "up-token", Active: true, AcceptingOrders: true}}
	history := &fakeHistory{points: []domain.PricePoint{
		{TokenID: "up-token", Price: 0.60, At: windowStart},
		{TokenID: "up-token", Price: 0.62, At: windowStart.Add(59 * time.Minute)},
	}}
	candles := newMemCandles()
	// Previous window officially closed at 0.47; this one opens at 0.60.
	seedCandle(candles, "eth-1h", windowStart.Add(-time.Hour), 0.40, 0.47, false)
	notifier := &captureNotifier{}

	a := newAlerter(resolver, history, &fakePrices{}, candles, notifier, preset)
	window := preset.WindowAt(windowStart)
	require.NoError(t, a.CloseCandle(context.Background(), preset, window))

	c, err := candles.Get(context.Background(), "eth-1h", windowStart)
	require.NoError(t, err)
	assert.True(t, c.IntegrityAlert)
	require.NotNil(t, c.IntegrityDiff)
	assert.InDelta(t, 0.13, *c.IntegrityDiff, 1e-9)
	assert.Contains(t, notifier.events, domain.EventIntegrityAlert)
}

func TestNoIntegrityAlertWithinThreshold(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{snap: domain.MarketSnapshot{UpTokenID: "up-token", Active: true, AcceptingOrders: true}}
	history := &fakeHistory{points: []domain.PricePoint{
		{TokenID: "up-token", Price: 0.48, At: windowStart},
		{TokenID: "up-token", Price: 0.50, At: windowStart.Add(59 * time.Minute)},
	}}
	candles := newMemCandles()
	seedCandle(candles, "eth-1h", windowStart.Add(-time.Hour), 0.40, 0.47, false)
	notifier := &captureNotifier{}

	a := newAlerter(resolver, history, &fakePrices{}, candles, notifier, preset)
	require.NoError(t, a.CloseCandle(context.Background(), preset, preset.WindowAt(windowStart)))

	c, err := candles.Get(context.Background(), "eth-1h", windowStart)
	require.NoError(t, err)
	assert.False(t, c.IntegrityAlert)
	assert.NotContains(t, notifier.events, domain.EventIntegrityAlert)
}

func TestStreakAlertAtThreshold(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{snap: domain.MarketSnapshot{UpTokenID: "up-token", Active: true, AcceptingOrders: true}}
	history := &fakeHistory{points: []domain.PricePoint{
		{TokenID: "up-token", Price: 0.50, At: windowStart},
		{TokenID: "up-token", Price: 0.56, At: windowStart.Add(59 * time.Minute)},
	}}
	candles := newMemCandles()
	// Two up candles already on the books.
	seedCandle(candles, "eth-1h", windowStart.Add(-2*time.Hour), 0.40, 0.44, false)
	seedCandle(candles, "eth-1h", windowStart.Add(-time.Hour), 0.44, 0.50, false)
	notifier := &captureNotifier{}

	a := newAlerter(resolver, history, &fakePrices{}, candles, notifier, preset)
	require.NoError(t, a.CloseCandle(context.Background(), preset, preset.WindowAt(windowStart)))

	assert.Contains(t, notifier.events, domain.EventStreakAlert)
}

func TestNoStreakAlertBelowThreshold(t *testing.T) {
	preset := testPreset(t)
	resolver := &fakeResolver{snap: domain.MarketSnapshot{UpTokenID: "up-token", Active: true, AcceptingOrders: true}}
	history := &fakeHistory{points: []domain.PricePoint{
		{TokenID: "up-token", Price: 0.50, At: windowStart},
		{TokenID: "up-token", Price: 0.56, At: windowStart.Add(59 * time.Minute)},
	}}
	candles := newMemCandles()
	// A down candle breaks the run one window back.
	seedCandle(candles, "eth-1h", windowStart.Add(-2*time.Hour), 0.48, 0.40, false)
	seedCandle(candles, "eth-1h", windowStart.Add(-time.Hour), 0.40, 0.50, false)
	notifier := &captureNotifier{}

	a := newAlerter(resolver, history, &fakePrices{}, candles, notifier, preset)
	require.NoError(t, a.CloseCandle(context.Background(), preset, preset.WindowAt(windowStart)))

	assert.NotContains(t, notifier.events, domain.EventStreakAlert)
}

func TestCurrentStreak(t *testing.T) {
	up, down := 0.6, 0.4
	mk := func(dir domain.CandleDirection, start time.Time) domain.Candle {
		c := domain.Candle{Preset: "eth-1h", WindowStart: start}
		switch dir {
		case domain.DirectionUp:
			c.Open, c.Close = &down, &up
		case domain.DirectionDown:
			c.Open, c.Close = &up, &down
		}
		c.Direction = dir
		return c
	}

	t0 := windowStart
	candles := []domain.Candle{
		mk(domain.DirectionUp, t0),
		mk(domain.DirectionDown, t0.Add(time.Hour)),
		mk(domain.DirectionDown, t0.Add(2*time.Hour)),
		mk(domain.DirectionDown, t0.Add(3*time.Hour)),
	}

	streak := CurrentStreak(candles)
	assert.Equal(t, domain.DirectionDown, streak.Direction)
	assert.Equal(t, 3, streak.Length)

	assert.Equal(t, 0, CurrentStreak(nil).Length)
}
