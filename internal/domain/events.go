package domain

import "time"

// Lifecycle event names, used as audit log event keys, signal bus channels,
// and notification subjects.
const (
	EventPositionOpened   = "position.opened"
	EventPositionClosed   = "position.closed"
	EventEntrySkipped     = "entry.skipped"
	EventExitRetry        = "exit.retry"
	EventUrgencyExit      = "urgency.exit"
	EventOrderSubmitted   = "order.submitted"
	EventOrderFilled      = "order.filled"
	EventOrderFailed      = "order.failed"
	EventCandleClosed     = "candle.closed"
	EventStreakAlert      = "streak.alert"
	EventIntegrityAlert   = "integrity.alert"
	EventLedgerViolation  = "ledger.violation"
	EventLedgerBackfilled = "ledger.backfilled"
	EventLedgerUnresolved = "ledger.unresolved"
)

// StreamLifecycle is the durable stream carrying every lifecycle event.
const StreamLifecycle = "candlebot:events"

// Event is the envelope published on the signal bus and appended to the
// lifecycle stream.
type Event struct {
	Name   string            `json:"name"`
	Preset string            `json:"preset,omitempty"`
	Detail map[string]string `json:"detail,omitempty"`
	At     time.Time         `json:"at"`
}
