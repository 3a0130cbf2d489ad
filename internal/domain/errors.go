package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketClosed        = errors.New("market closed")
	ErrMarketUnresolved    = errors.New("market not resolvable yet")
	ErrSigningFailed       = errors.New("signing failed")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrContextDone         = errors.New("context cancelled")
	ErrLockHeld            = errors.New("lock already held")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrRetriesExhausted    = errors.New("retry budget exhausted")
)

// IsTransient reports whether err represents a failure that is expected to
// clear on its own (network flakiness, rate limits, upstream timeouts). The
// Order Retry Engine retries transient failures within its attempt budget.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrWSDisconnect)
}

// IsRejection reports whether err is a terminal exchange rejection for the
// current attempt: insufficient balance, closed market, or an order the CLOB
// considers invalid. Rejections are surfaced as decision outcomes, not
// retried blindly.
func IsRejection(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrMarketClosed) ||
		errors.Is(err, ErrInvalidOrder) ||
		errors.Is(err, ErrUnauthorized)
}
