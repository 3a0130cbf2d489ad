package domain

import "time"

// PositionStatus tracks the position lifecycle. Pending, Open, and Closing
// are active states; at most one active position exists per preset.
type PositionStatus string

const (
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosing PositionStatus = "closing"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// Active reports whether the position still requires monitoring.
func (s PositionStatus) Active() bool {
	switch s {
	case PositionStatusPending, PositionStatusOpen, PositionStatusClosing:
		return true
	default:
		return false
	}
}

// Outcome labels how a closed position resolved relative to its entry.
type Outcome string

const (
	OutcomeWin     Outcome = "win"
	OutcomeLoss    Outcome = "loss"
	OutcomeFlat    Outcome = "flat"
	OutcomeUnknown Outcome = "unknown"
)

// Position is one trade per preset per window. Its ID is derived from the
// preset name and the window start so restarts re-key to the same row.
type Position struct {
	ID          string
	Preset      string
	Slug        string
	TokenID     string
	Wallet      string
	Direction   CandleDirection // up or down outcome token held
	WindowStart time.Time
	WindowEnd   time.Time
	EntryPrice  float64
	Size        float64
	ExitPrice   *float64
	Status      PositionStatus
	// EntryOrderID / ExitOrderID are the most recent CLOB order IDs for each
	// leg; used on restart to resolve orders left in flight.
	EntryOrderID string
	ExitOrderID  string
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// PositionID builds the canonical position key for a preset window.
func PositionID(preset string, windowStart time.Time) string {
	return preset + "-" + windowStart.UTC().Format("20060102T150405Z")
}

// Outcome classifies the realized result of a closed position.
func (p Position) Outcome() Outcome {
	if p.ExitPrice == nil {
		return OutcomeUnknown
	}
	switch {
	case *p.ExitPrice > p.EntryPrice:
		return OutcomeWin
	case *p.ExitPrice < p.EntryPrice:
		return OutcomeLoss
	default:
		return OutcomeFlat
	}
}
