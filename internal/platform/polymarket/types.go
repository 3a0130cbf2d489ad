package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	MarketID      string  `json:"market"`
	AssetID       string  `json:"asset_id"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Type          string  `json:"type"` // "GTC", "GTD", "FOK", "FAK"
	OriginalSize  string  `json:"original_size"`
	SizeMatched   string  `json:"size_matched"`
	Price         string  `json:"price"`
	Owner         string  `json:"owner"`
	Signature     string  `json:"signature"`
	Expiration    string  `json:"expiration"`
	SignatureType int     `json:"signature_type"`
	CreatedAt     string  `json:"created_at"`
	FilledAt      *string `json:"filled_at,omitempty"`
	CancelledAt   *string `json:"cancelled_at,omitempty"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool     `json:"success"`
	ErrorMsg    string   `json:"errorMsg,omitempty"`
	OrderID     string   `json:"orderID,omitempty"`
	Status      string   `json:"status,omitempty"`
	TransactID  string   `json:"transactID,omitempty"`
	ShouldRetry bool     `json:"shouldRetry,omitempty"`
	MakingAmt   string   `json:"makingAmount,omitempty"`
	TakingAmt   string   `json:"takingAmount,omitempty"`
	OrderHashes []string `json:"orderHashes,omitempty"`
}

// APIBalanceAllowance is the response from the balance-allowance endpoint.
// Balance is a base-unit integer string (6 decimals).
type APIBalanceAllowance struct {
	Balance   string `json:"balance"`
	Allowance string `json:"allowance"`
}

// APIPricePoint is one sample from the prices-history endpoint.
type APIPricePoint struct {
	T int64   `json:"t"` // unix seconds
	P float64 `json:"p"`
}

// APIPriceHistory is the prices-history response envelope.
type APIPriceHistory struct {
	History []APIPricePoint `json:"history"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes, OutcomePrices, and ClobTokenIDs arrive as JSON-encoded strings
// (e.g. "[\"Up\",\"Down\"]").
type APIMarket struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	ConditionID     string   `json:"conditionId"`
	Slug            string   `json:"slug"`
	Active          flexBool `json:"active"`
	Closed          bool     `json:"closed"`
	AcceptingOrders flexBool `json:"acceptingOrders"`
	Outcomes        string   `json:"outcomes"`
	OutcomePrices   string   `json:"outcomePrices"`
	ClobTokenIDs    string   `json:"clobTokenIds"`
	Volume          string   `json:"volume"`
	EndDateISO      string   `json:"endDateIso"`
	CreatedAt       string   `json:"createdAt"`
	UpdatedAt       string   `json:"updatedAt"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// PriceChangeMessage represents an incremental orderbook price-level update.
type PriceChangeMessage struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// LastTradeMessage represents the most recent trade price for an asset.
type LastTradeMessage struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

// WSCommand is the JSON payload sent to the WebSocket to subscribe/unsubscribe.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
	Markets []string `json:"markets,omitempty"`
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ToDomainOrder converts an APIOrder to a domain.Order.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		ID:        a.ID,
		TokenID:   a.AssetID,
		Wallet:    a.Owner,
		Signature: a.Signature,
	}

	switch a.Side {
	case "BUY":
		o.Side = domain.OrderSideBuy
	case "SELL":
		o.Side = domain.OrderSideSell
	}

	switch a.Type {
	case "FOK":
		o.Type = domain.OrderTypeFOK
	case "FAK":
		o.Type = domain.OrderTypeFAK
	default:
		o.Type = domain.OrderTypeGTC
	}

	o.Status = mapOrderStatus(a.Status, a.SizeMatched, a.OriginalSize)

	if p, err := strconv.ParseFloat(a.Price, 64); err == nil {
		o.LimitPrice = p
	}
	if s, err := strconv.ParseFloat(a.OriginalSize, 64); err == nil {
		o.Size = s
	}
	if m, err := strconv.ParseFloat(a.SizeMatched, 64); err == nil {
		o.FilledSize = m
	}

	if t, err := time.Parse(time.RFC3339, a.CreatedAt); err == nil {
		o.CreatedAt = t
	}
	if a.FilledAt != nil {
		if t, err := time.Parse(time.RFC3339, *a.FilledAt); err == nil {
			o.FilledAt = &t
		}
	}
	if a.CancelledAt != nil {
		if t, err := time.Parse(time.RFC3339, *a.CancelledAt); err == nil {
			o.CancelledAt = &t
		}
	}

	return o
}

// mapOrderStatus maps a CLOB status string to a domain order status. A "live"
// order with partial matches is reported as partially filled.
func mapOrderStatus(status, matched, original string) domain.OrderStatus {
	m, _ := strconv.ParseFloat(matched, 64)
	orig, _ := strconv.ParseFloat(original, 64)

	switch status {
	case "live", "open", "delayed":
		if m > 0 && m < orig {
			return domain.OrderStatusPartiallyFilled
		}
		return domain.OrderStatusSubmitted
	case "matched", "filled":
		return domain.OrderStatusFilled
	case "cancelled", "canceled":
		return domain.OrderStatusCancelled
	case "rejected", "failed":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:     r.Success,
		OrderID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
	}

	switch r.Status {
	case "matched":
		result.Status = domain.OrderStatusFilled
	case "live", "open", "delayed":
		result.Status = domain.OrderStatusSubmitted
	default:
		if r.Success {
			result.Status = domain.OrderStatusSubmitted
		} else {
			result.Status = domain.OrderStatusRejected
		}
	}

	// When the order matched immediately the making/taking amounts give the
	// realized price.
	if result.Status == domain.OrderStatusFilled {
		making, err1 := strconv.ParseFloat(r.MakingAmt, 64)
		taking, err2 := strconv.ParseFloat(r.TakingAmt, 64)
		if err1 == nil && err2 == nil && taking > 0 {
			result.FilledPrice = making / taking
		}
	}

	return result
}

// ToSnapshot converts a Gamma APIMarket to a domain.MarketSnapshot, pairing
// each outcome label with its token ID and latest price.
func (m *APIMarket) ToSnapshot() (domain.MarketSnapshot, error) {
	snap := domain.MarketSnapshot{
		Slug:            m.Slug,
		ConditionID:     m.ConditionID,
		Question:        m.Question,
		Active:          bool(m.Active),
		Closed:          m.Closed,
		AcceptingOrders: bool(m.AcceptingOrders),
		FetchedAt:       time.Now().UTC(),
	}

	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			snap.EndDate = t
		}
	}

	var outcomes, tokenIDs, prices []string
	if err := json.Unmarshal([]byte(m.Outcomes), &outcomes); err != nil {
		return snap, err
	}
	if err := json.Unmarshal([]byte(m.ClobTokenIDs), &tokenIDs); err != nil {
		return snap, err
	}
	// OutcomePrices can be absent for brand-new markets.
	if m.OutcomePrices != "" {
		_ = json.Unmarshal([]byte(m.OutcomePrices), &prices)
	}

	for i, outcome := range outcomes {
		if i >= len(tokenIDs) {
			break
		}
		var price float64
		if i < len(prices) {
			price, _ = strconv.ParseFloat(prices[i], 64)
		}
		switch strings.ToLower(outcome) {
		case "up", "yes":
			snap.UpTokenID = tokenIDs[i]
			snap.UpPrice = price
		case "down", "no":
			snap.DownTokenID = tokenIDs[i]
			snap.DownPrice = price
		}
	}

	return snap, nil
}
