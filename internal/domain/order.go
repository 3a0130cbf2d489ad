package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the order lifecycle. Submitted and PartiallyFilled are
// live states; Filled, Cancelled, and Rejected are terminal.
type OrderStatus string

const (
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// Terminal reports whether the status is final for an order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Order is a single limit order submitted to the CLOB. A Position may own
// several Orders: each re-priced retry produces a new Order row tied to the
// same PositionID.
type Order struct {
	ID          string
	PositionID  string
	Preset      string
	TokenID     string
	Wallet      string
	Side        OrderSide
	Type        OrderType
	LimitPrice  float64
	Size        float64
	FilledSize  float64
	Status      OrderStatus
	RetryCount  int
	Signature   string // EIP-712 hex
	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// OrderResult wraps the CLOB API response after order submission.
type OrderResult struct {
	Success     bool
	OrderID     string
	Status      OrderStatus
	Message     string
	ShouldRetry bool
	FilledPrice float64 // filled price when matched immediately
}

// OrderIntent describes what the Order Retry Engine should accomplish: trade
// Size of TokenID on Side, anchored at Price. The engine owns how many
// individual Orders that takes.
type OrderIntent struct {
	PositionID string
	Preset     string
	TokenID    string
	Side       OrderSide
	Price      float64
	Size       float64
}
