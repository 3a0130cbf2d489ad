package domain

import "time"

// MarketSnapshot is the resolver's view of one up-or-down market on the
// exchange: the two outcome tokens, their latest prices, and lifecycle flags.
type MarketSnapshot struct {
	Slug            string
	ConditionID     string
	Question        string
	UpTokenID       string
	DownTokenID     string
	UpPrice         float64
	DownPrice       float64
	Active          bool
	Closed          bool
	AcceptingOrders bool
	EndDate         time.Time
	FetchedAt       time.Time
}

// TokenFor returns the outcome token ID for a candle direction. Only Up and
// Down map to tokens.
func (m MarketSnapshot) TokenFor(dir CandleDirection) string {
	switch dir {
	case DirectionUp:
		return m.UpTokenID
	case DirectionDown:
		return m.DownTokenID
	default:
		return ""
	}
}

// PriceFor returns the latest price of the outcome token for dir.
func (m MarketSnapshot) PriceFor(dir CandleDirection) float64 {
	switch dir {
	case DirectionUp:
		return m.UpPrice
	case DirectionDown:
		return m.DownPrice
	default:
		return 0
	}
}

// Tradable reports whether the market can accept new orders right now.
func (m MarketSnapshot) Tradable() bool {
	return m.Active && !m.Closed && m.AcceptingOrders &&
		m.UpTokenID != "" && m.DownTokenID != ""
}

// PricePoint is a timestamped price observation for one token, as delivered
// by the market websocket feed or REST polling.
type PricePoint struct {
	TokenID string
	Price   float64
	At      time.Time
}
