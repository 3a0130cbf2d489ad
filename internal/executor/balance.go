package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/alanyoungcy/candlebot/internal/platform/polymarket"
)

// dustMargin is shaved off a full-balance exit so rounding in the exchange's
// base-unit arithmetic never pushes the order over the held amount.
const dustMargin = 1e-6

// balanceAPI is the slice of the CLOB client the gateway needs.
type balanceAPI interface {
	GetBalance(ctx context.Context, assetType, tokenID string) (float64, error)
}

// BalanceGateway reads wallet balances from the exchange and normalizes the
// units. The balance endpoint reports collateral in 6-decimal base units but
// historically flip-flopped for conditional tokens, so values are
// heuristically normalized before use.
type BalanceGateway struct {
	clob   balanceAPI
	logger *slog.Logger
}

// NewBalanceGateway creates a BalanceGateway on top of a CLOB client.
func NewBalanceGateway(clob balanceAPI, logger *slog.Logger) *BalanceGateway {
	return &BalanceGateway{
		clob:   clob,
		logger: logger.With(slog.String("component", "executor.balance")),
	}
}

// Collateral returns the available USDC balance in display units.
func (g *BalanceGateway) Collateral(ctx context.Context) (float64, error) {
	raw, err := g.clob.GetBalance(ctx, polymarket.AssetTypeCollateral, "")
	if err != nil {
		return 0, fmt.Errorf("executor: collateral balance: %w", err)
	}
	return NormalizeBalance(raw), nil
}

// TokenBalance returns the held amount of an outcome token in display units.
func (g *BalanceGateway) TokenBalance(ctx context.Context, tokenID string) (float64, error) {
	raw, err := g.clob.GetBalance(ctx, polymarket.AssetTypeConditional, tokenID)
	if err != nil {
		return 0, fmt.Errorf("executor: token balance %s: %w", tokenID, err)
	}
	return NormalizeBalance(raw), nil
}

// NormalizeBalance converts an exchange-reported balance to display units.
// Values above 1000 are taken to be 6-decimal base units; no real position in
// these markets reaches a thousand display units.
func NormalizeBalance(raw float64) float64 {
	if raw > 1000 {
		return raw / 1e6
	}
	return raw
}

// FloorSize truncates size down to the given number of decimals. Orders must
// never round up past what the wallet holds.
func FloorSize(size float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	scale := math.Pow(10, float64(decimals))
	return math.Floor(size*scale) / scale
}

// ExitSize computes the sellable size for a full-position exit: the held
// balance minus the dust margin, floored to the allowed decimals. Returns 0
// when the remainder is not a positive order.
func ExitSize(balance float64, decimals int) float64 {
	s := FloorSize(balance-dustMargin, decimals)
	if s <= 0 {
		return 0
	}
	return s
}
