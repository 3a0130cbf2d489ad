package executor

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

// scripted response for one PlaceOrder call.
type placeStep struct {
	result domain.OrderResult
	err    error
	// order returned by subsequent GetOrder probes for this attempt.
	probe *domain.Order
}

type fakeClob struct {
	steps     []placeStep
	calls     int
	prices    []float64
	sizes     []float64
	types     []domain.OrderType
	cancelled []string
}

func (f *fakeClob) PlaceOrder(ctx context.Context, tokenID string, side domain.OrderSide, price, size float64, orderType domain.OrderType) (domain.OrderResult, error) {
	i := f.calls
	f.calls++
	f.prices = append(f.prices, price)
	f.sizes = append(f.sizes, size)
	f.types = append(f.types, orderType)
	if i >= len(f.steps) {
		return domain.OrderResult{}, fmt.Errorf("unexpected call %d", i)
	}
	return f.steps[i].result, f.steps[i].err
}

func (f *fakeClob) CancelOrder(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClob) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	for i := f.calls - 1; i >= 0; i-- {
		if i < len(f.steps) && f.steps[i].result.OrderID == orderID && f.steps[i].probe != nil {
			return *f.steps[i].probe, nil
		}
	}
	return domain.Order{ID: orderID, Status: domain.OrderStatusSubmitted}, nil
}

type memOrderStore struct {
	created []domain.Order
	updated map[string]domain.OrderStatus
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{updated: map[string]domain.OrderStatus{}}
}

func (m *memOrderStore) Create(ctx context.Context, order domain.Order) error {
	m.created = append(m.created, order)
	return nil
}

func (m *memOrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, filled float64) error {
	m.updated[id] = status
	return nil
}

func (m *memOrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (m *memOrderStore) ListByPosition(ctx context.Context, positionID string) ([]domain.Order, error) {
	return nil, nil
}

func (m *memOrderStore) ListOpen(ctx context.Context, wallet string) ([]domain.Order, error) {
	return nil, nil
}

func testConfig() Config {
	return Config{
		MaxRetries:        3,
		RetryInterval:     time.Millisecond,
		OrderPollInterval: time.Millisecond,
		AttemptTimeout:    10 * time.Millisecond,
		RepriceStep:       0.01,
		MaxSlippage:       0.05,
		SizeDecimals:      2,
		FallbackEnabled:   true,
	}
}

func testEngine(clob *fakeClob, bal balanceAPI, store domain.OrderStore) *Engine {
	gw := NewBalanceGateway(bal, slog.Default())
	return NewEngine(clob, gw, store, "0xwallet", testConfig(), slog.Default())
}

func buyIntent(size float64) domain.OrderIntent {
	return domain.OrderIntent{
		PositionID: "eth-1h-20260829T120000Z",
		Preset:     "eth-1h",
		TokenID:    "111",
		Side:       domain.OrderSideBuy,
		Price:      0.50,
		Size:       size,
	}
}

func TestExecuteImmediateFill(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{result: domain.OrderResult{Success: true, OrderID: "o1", Status: domain.OrderStatusFilled, FilledPrice: 0.51}},
	}}
	store := newMemOrderStore()

	res, err := testEngine(clob, &staticBalances{}, store).Execute(context.Background(), buyIntent(5))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res.FilledSize, 1e-9)
	assert.InDelta(t, 0.51, res.AvgPrice, 1e-9)
	assert.Equal(t, 1, res.Attempts)
	require.Len(t, store.created, 1)
	assert.Equal(t, 0, store.created[0].RetryCount)
}

func TestExecuteRestingFill(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{
			result: domain.OrderResult{Success: true, OrderID: "o1", Status: domain.OrderStatusSubmitted},
			probe:  &domain.Order{ID: "o1", Status: domain.OrderStatusFilled, FilledSize: 5, LimitPrice: 0.50},
		},
	}}

	res, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res.FilledSize, 1e-9)
	assert.Empty(t, clob.cancelled)
}

func TestExecuteRepricesAfterTimeout(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		// First order rests forever; times out and is cancelled.
		{result: domain.OrderResult{Success: true, OrderID: "o1", Status: domain.OrderStatusSubmitted}},
		// Second attempt fills at the conceded price.
		{result: domain.OrderResult{Success: true, OrderID: "o2", Status: domain.OrderStatusFilled, FilledPrice: 0.51}},
	}}

	res, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"o1"}, clob.cancelled)
	require.Len(t, clob.prices, 2)
	assert.InDelta(t, 0.50, clob.prices[0], 1e-9)
	assert.InDelta(t, 0.51, clob.prices[1], 1e-9) // one RepriceStep up for a BUY
}

func TestExecutePartialFillCarriesRemainder(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{
			result: domain.OrderResult{Success: true, OrderID: "o1", Status: domain.OrderStatusSubmitted},
			probe:  &domain.Order{ID: "o1", Status: domain.OrderStatusCancelled, FilledSize: 3, LimitPrice: 0.50},
		},
		{result: domain.OrderResult{Success: true, OrderID: "o2", Status: domain.OrderStatusFilled, FilledPrice: 0.51}},
	}}

	res, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, res.FilledSize, 1e-9)
	require.Len(t, clob.sizes, 2)
	assert.InDelta(t, 5.0, clob.sizes[0], 1e-9)
	assert.InDelta(t, 2.0, clob.sizes[1], 1e-9)
	// Weighted average: 3 @ 0.50 + 2 @ 0.51.
	assert.InDelta(t, (3*0.50+2*0.51)/5, res.AvgPrice, 1e-9)
}

func TestExecuteSellShrinksOnInsufficientBalance(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{err: fmt.Errorf("clob: %w", domain.ErrInsufficientBalance)},
		{result: domain.OrderResult{Success: true, OrderID: "o2", Status: domain.OrderStatusFilled, FilledPrice: 0.60}},
	}}
	// Wallet actually holds 4.5 tokens.
	bal := &staticBalances{tokens: map[string]float64{"111": 4.5}}

	intent := domain.OrderIntent{
		PositionID: "eth-1h-20260829T120000Z",
		Preset:     "eth-1h",
		TokenID:    "111",
		Side:       domain.OrderSideSell,
		Price:      0.60,
		Size:       5,
	}

	res, err := testEngine(clob, bal, newMemOrderStore()).Execute(context.Background(), intent)
	require.NoError(t, err)
	require.Len(t, clob.sizes, 2)
	assert.InDelta(t, 5.0, clob.sizes[0], 1e-9)
	assert.InDelta(t, 4.49, clob.sizes[1], 1e-9) // ExitSize(4.5) floored to 2 decimals
	assert.InDelta(t, 4.49, res.FilledSize, 1e-9)
}

func TestExecuteRejectionFailsFast(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{err: fmt.Errorf("clob: %w", domain.ErrMarketClosed)},
	}}

	_, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMarketClosed)
	assert.Equal(t, 1, clob.calls)
}

func TestExecuteRetriesExhausted(t *testing.T) {
	steps := make([]placeStep, 4)
	for i := range steps {
		steps[i] = placeStep{result: domain.OrderResult{
			Success: true, OrderID: fmt.Sprintf("o%d", i+1), Status: domain.OrderStatusSubmitted,
		}}
	}
	clob := &fakeClob{steps: steps}

	_, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	assert.Equal(t, 4, clob.calls) // initial attempt + MaxRetries
	// Final attempt crosses the book.
	assert.Equal(t, domain.OrderTypeFAK, clob.types[3])
	// Concession is capped at MaxSlippage.
	assert.InDelta(t, 0.55, clob.prices[3], 1e-9)
}

func TestExecuteFallbackDisabledKeepsLimitOrders(t *testing.T) {
	steps := make([]placeStep, 4)
	for i := range steps {
		steps[i] = placeStep{result: domain.OrderResult{
			Success: true, OrderID: fmt.Sprintf("o%d", i+1), Status: domain.OrderStatusSubmitted,
		}}
	}
	clob := &fakeClob{steps: steps}

	cfg := testConfig()
	cfg.FallbackEnabled = false
	gw := NewBalanceGateway(&staticBalances{}, slog.Default())
	engine := NewEngine(clob, gw, newMemOrderStore(), "0xwallet", cfg, slog.Default())

	_, err := engine.Execute(context.Background(), buyIntent(5))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRetriesExhausted)
	// Every attempt, the last included, stays a limit order.
	for _, typ := range clob.types {
		assert.Equal(t, domain.OrderTypeGTC, typ)
	}
	// The last attempt still concedes up to the slippage cap.
	assert.InDelta(t, 0.55, clob.prices[3], 1e-9)
}

func TestRecordedOrderTypeMatchesAttempt(t *testing.T) {
	steps := make([]placeStep, 4)
	for i := range steps {
		steps[i] = placeStep{result: domain.OrderResult{
			Success: true, OrderID: fmt.Sprintf("o%d", i+1), Status: domain.OrderStatusSubmitted,
		}}
	}
	clob := &fakeClob{steps: steps}
	store := newMemOrderStore()

	_, err := testEngine(clob, &staticBalances{}, store).Execute(context.Background(), buyIntent(5))
	require.Error(t, err)
	require.Len(t, store.created, 4)
	for _, order := range store.created[:3] {
		assert.Equal(t, domain.OrderTypeGTC, order.Type)
	}
	assert.Equal(t, domain.OrderTypeFAK, store.created[3].Type)
}

func TestExecuteTransientErrorRetries(t *testing.T) {
	clob := &fakeClob{steps: []placeStep{
		{err: fmt.Errorf("clob: %w", domain.ErrRateLimited)},
		{result: domain.OrderResult{Success: true, OrderID: "o2", Status: domain.OrderStatusFilled, FilledPrice: 0.51}},
	}}

	res, err := testEngine(clob, &staticBalances{}, newMemOrderStore()).Execute(context.Background(), buyIntent(5))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}
