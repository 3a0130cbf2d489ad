// Package executor turns order intents into filled positions: it signs and
// submits CLOB orders, probes their status, and retries with bounded
// re-pricing until the intent is satisfied or the budget runs out.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// clobAPI is the slice of the CLOB client the engine needs.
type clobAPI interface {
	PlaceOrder(ctx context.Context, tokenID string, side domain.OrderSide, price, size float64, orderType domain.OrderType) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// Config holds the retry and re-pricing budget for the engine.
type Config struct {
	MaxRetries        int           // re-priced attempts after the first
	RetryInterval     time.Duration // pause after a transient failure
	OrderPollInterval time.Duration // order status poll cadence
	AttemptTimeout    time.Duration // how long one resting order may wait
	RepriceStep       float64       // price concession per attempt
	MaxSlippage       float64       // cap on total concession from the anchor
	SizeDecimals      int
	// FallbackEnabled lets the final attempt cross the book with a
	// fill-and-kill order at the slippage cap. When false the final attempt
	// stays a repriced limit order.
	FallbackEnabled bool
}

// Result summarizes what an Execute call accomplished across all attempts.
type Result struct {
	FilledSize float64
	AvgPrice   float64
	Attempts   int
	OrderIDs   []string
}

// Complete reports whether at least the dust-adjusted intent size filled.
func (r Result) Complete(intentSize float64) bool {
	return r.FilledSize >= intentSize-dustMargin
}

// Engine is the order retry engine. One Execute call owns one intent; every
// attempt becomes its own persisted order row tied to the intent's position.
type Engine struct {
	clob     clobAPI
	balances *BalanceGateway
	orders   domain.OrderStore
	logger   *slog.Logger
	cfg      Config
	wallet   string
}

// NewEngine creates an Engine.
func NewEngine(clob clobAPI, balances *BalanceGateway, orders domain.OrderStore, wallet string, cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		clob:     clob,
		balances: balances,
		orders:   orders,
		logger:   logger.With(slog.String("component", "executor.engine")),
		cfg:      cfg,
		wallet:   wallet,
	}
}

// Execute works the intent until it fills, a terminal rejection occurs, or
// the retry budget is exhausted. Partial fills carry across attempts: only
// the unfilled remainder is resubmitted. The final attempt abandons limit
// pricing and crosses the book at the slippage cap.
func (e *Engine) Execute(ctx context.Context, intent domain.OrderIntent) (Result, error) {
	res := Result{}
	remaining := FloorSize(intent.Size, e.cfg.SizeDecimals)
	if remaining <= 0 {
		return res, fmt.Errorf("executor: %w: size %.6f", domain.ErrInvalidOrder, intent.Size)
	}

	totalCost := 0.0
	log := e.logger.With(
		slog.String("position", intent.PositionID),
		slog.String("preset", intent.Preset),
		slog.String("side", string(intent.Side)),
	)

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("executor: %w", domain.ErrContextDone)
		}

		price := e.attemptPrice(intent.Side, intent.Price, attempt)
		orderType := domain.OrderTypeGTC
		if attempt == e.cfg.MaxRetries && e.cfg.FallbackEnabled {
			// Last attempt: cross the book for whatever is there.
			orderType = domain.OrderTypeFAK
		}

		res.Attempts = attempt + 1
		result, err := e.clob.PlaceOrder(ctx, intent.TokenID, intent.Side, price, remaining, orderType)
		if err != nil {
			newRemaining, placeErr := e.handlePlaceError(ctx, intent, remaining, err, log)
			if placeErr != nil {
				return res, placeErr
			}
			remaining = newRemaining
			if !domain.IsRejection(err) {
				// Transient failure: pause before the next attempt.
				if !e.pause(ctx, e.cfg.RetryInterval) {
					return res, fmt.Errorf("executor: %w", domain.ErrContextDone)
				}
			}
			continue
		}

		e.recordOrder(ctx, intent, result, orderType, price, remaining, attempt)
		res.OrderIDs = append(res.OrderIDs, result.OrderID)

		if result.Status == domain.OrderStatusFilled {
			fillPrice := result.FilledPrice
			if fillPrice <= 0 {
				fillPrice = price
			}
			res.FilledSize += remaining
			totalCost += remaining * fillPrice
			res.AvgPrice = totalCost / res.FilledSize
			log.Info("order filled immediately",
				slog.String("order_id", result.OrderID),
				slog.Float64("price", fillPrice),
				slog.Float64("size", remaining))
			return res, nil
		}

		filled, fillPrice := e.awaitFill(ctx, result.OrderID, price, log)
		if filled > 0 {
			res.FilledSize += filled
			totalCost += filled * fillPrice
			res.AvgPrice = totalCost / res.FilledSize
		}

		remaining = FloorSize(remaining-filled, e.cfg.SizeDecimals)
		if remaining <= 0 {
			log.Info("intent satisfied",
				slog.Float64("filled", res.FilledSize),
				slog.Int("attempts", res.Attempts))
			return res, nil
		}

		// Unfilled remainder: cancel the resting order before re-pricing.
		if err := e.clob.CancelOrder(ctx, result.OrderID); err != nil {
			log.Warn("cancel before reprice failed",
				slog.String("order_id", result.OrderID),
				slog.String("error", err.Error()))
		}
		log.Info("repricing remainder",
			slog.Float64("remaining", remaining),
			slog.Int("attempt", attempt+1))
	}

	if res.FilledSize > 0 {
		// Partially done is still a failure of the intent; the caller
		// decides whether the partial position stands.
		return res, fmt.Errorf("executor: %.4f of %.4f filled: %w",
			res.FilledSize, intent.Size, domain.ErrRetriesExhausted)
	}
	return res, fmt.Errorf("executor: intent unfilled after %d attempts: %w",
		res.Attempts, domain.ErrRetriesExhausted)
}

// handlePlaceError decides what a placement error means for the intent.
// Insufficient balance on a SELL shrinks the order to what the wallet
// actually holds; other rejections are terminal; transient errors keep the
// current size.
func (e *Engine) handlePlaceError(ctx context.Context, intent domain.OrderIntent, remaining float64, err error, log *slog.Logger) (float64, error) {
	if errors.Is(err, domain.ErrInsufficientBalance) && intent.Side == domain.OrderSideSell {
		shrunk := e.shrinkToBalance(ctx, intent.TokenID, remaining, log)
		if shrunk <= 0 {
			return 0, fmt.Errorf("executor: sell size unrecoverable: %w", domain.ErrInsufficientBalance)
		}
		log.Warn("sell shrunk to wallet balance",
			slog.Float64("was", remaining),
			slog.Float64("now", shrunk))
		return shrunk, nil
	}
	if domain.IsRejection(err) {
		return 0, fmt.Errorf("executor: order rejected: %w", err)
	}
	log.Warn("transient placement failure",
		slog.String("error", err.Error()))
	return remaining, nil
}

// shrinkToBalance re-reads the wallet's token balance and returns the largest
// sellable size. Falls back to 98% of the attempted size when the balance
// read itself fails.
func (e *Engine) shrinkToBalance(ctx context.Context, tokenID string, attempted float64, log *slog.Logger) float64 {
	bal, err := e.balances.TokenBalance(ctx, tokenID)
	if err != nil {
		log.Warn("balance refresh failed, shrinking blind",
			slog.String("error", err.Error()))
		return FloorSize(attempted*0.98, e.cfg.SizeDecimals)
	}
	size := ExitSize(bal, e.cfg.SizeDecimals)
	if size >= attempted {
		// Balance says the original size should fit; shave anyway so the
		// retry differs from the rejected order.
		size = FloorSize(attempted*0.98, e.cfg.SizeDecimals)
	}
	return size
}

// awaitFill polls the resting order until it fills, terminates, or the
// attempt timeout elapses. It returns the filled size and its price.
func (e *Engine) awaitFill(ctx context.Context, orderID string, limitPrice float64, log *slog.Logger) (float64, float64) {
	deadline := time.NewTimer(e.cfg.AttemptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.OrderPollInterval)
	defer ticker.Stop()

	lastFilled := 0.0
	lastPrice := limitPrice

	for {
		select {
		case <-ctx.Done():
			return lastFilled, lastPrice
		case <-deadline.C:
			return lastFilled, lastPrice
		case <-ticker.C:
			order, err := e.clob.GetOrder(ctx, orderID)
			if err != nil {
				log.Warn("order status probe failed",
					slog.String("order_id", orderID),
					slog.String("error", err.Error()))
				continue
			}
			lastFilled = order.FilledSize
			if order.LimitPrice > 0 {
				lastPrice = order.LimitPrice
			}
			if order.Status.Terminal() {
				e.updateOrder(ctx, orderID, order.Status, order.FilledSize)
				return lastFilled, lastPrice
			}
		}
	}
}

// attemptPrice concedes RepriceStep per attempt in the aggressive direction,
// capped by MaxSlippage from the anchor and clamped to the valid band.
func (e *Engine) attemptPrice(side domain.OrderSide, anchor float64, attempt int) float64 {
	concession := float64(attempt) * e.cfg.RepriceStep
	if attempt == e.cfg.MaxRetries || concession > e.cfg.MaxSlippage {
		concession = e.cfg.MaxSlippage
	}

	var p float64
	if side == domain.OrderSideBuy {
		p = anchor + concession
	} else {
		p = anchor - concession
	}

	if p < 0.01 {
		p = 0.01
	}
	if p > 0.99 {
		p = 0.99
	}
	return p
}

// recordOrder persists the attempt's order row. Store failures are logged,
// not fatal: the exchange order is already live.
func (e *Engine) recordOrder(ctx context.Context, intent domain.OrderIntent, result domain.OrderResult, orderType domain.OrderType, price, size float64, attempt int) {
	if e.orders == nil {
		return
	}
	order := domain.Order{
		ID:         result.OrderID,
		PositionID: intent.PositionID,
		Preset:     intent.Preset,
		TokenID:    intent.TokenID,
		Wallet:     e.wallet,
		Side:       intent.Side,
		Type:       orderType,
		LimitPrice: price,
		Size:       size,
		Status:     result.Status,
		RetryCount: attempt,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.orders.Create(ctx, order); err != nil {
		e.logger.Warn("order row insert failed",
			slog.String("order_id", result.OrderID),
			slog.String("error", err.Error()))
	}
}

// updateOrder records a terminal order status. Best effort.
func (e *Engine) updateOrder(ctx context.Context, orderID string, status domain.OrderStatus, filled float64) {
	if e.orders == nil {
		return
	}
	if err := e.orders.UpdateStatus(ctx, orderID, status, filled); err != nil {
		e.logger.Warn("order status update failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
	}
}

// pause sleeps for d unless the context ends first.
func (e *Engine) pause(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
