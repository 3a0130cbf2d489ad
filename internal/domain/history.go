package domain

import "time"

// RecordKind distinguishes the two lifecycle events the ledger tracks. For a
// given preset the kinds must alternate strictly: open, close, open, close.
type RecordKind string

const (
	RecordKindOpen  RecordKind = "open"
	RecordKindClose RecordKind = "close"
)

// RecordOrigin marks how a history record came to exist. Live records are
// written by the Position Monitor as trades happen; backfill records are
// synthesized by the integrity pipeline from exchange/price evidence after
// downtime.
type RecordOrigin string

const (
	RecordOriginLive     RecordOrigin = "live"
	RecordOriginBackfill RecordOrigin = "backfill"
)

// HistoryRecord is one append-only ledger row. Rows are never mutated or
// deleted; corrections are made by appending compensating rows.
type HistoryRecord struct {
	SequenceID  int64 // monotonically increasing per preset
	Preset      string
	Kind        RecordKind
	PositionID  string
	WindowStart time.Time
	Price       float64
	Outcome     Outcome // meaningful on close records
	Origin      RecordOrigin
	// Unresolved marks a record (or the slot it compensates for) that the
	// pipeline could not repair from evidence; it is surfaced to the
	// operator and left in place.
	Unresolved bool
	Note       string
	CreatedAt  time.Time
}

// ViolationKind classifies an integrity finding in a preset's ledger.
type ViolationKind string

const (
	// ViolationDuplicateKind: two consecutive records of the same kind.
	ViolationDuplicateKind ViolationKind = "duplicate_kind"
	// ViolationOrphanClose: a close record with no preceding open.
	ViolationOrphanClose ViolationKind = "orphan_close"
	// ViolationSequenceGap: a hole in sequence IDs that breaks alternation.
	ViolationSequenceGap ViolationKind = "sequence_gap"
	// ViolationContinuityArtifact: a sequence ID hole whose surrounding
	// records still alternate correctly. Diagnostic only, not an error.
	ViolationContinuityArtifact ViolationKind = "continuity_artifact"
)

// Violation is a single integrity finding, anchored at the sequence ID where
// it was detected.
type Violation struct {
	Preset     string
	Kind       ViolationKind
	SequenceID int64
	Detail     string
}

// Candle is a persisted snapshot of one closed preset window: official or
// estimated open/close and the derived direction. It doubles as backfill
// evidence for the integrity pipeline.
type Candle struct {
	Preset         string
	WindowStart    time.Time
	WindowEnd      time.Time
	Open           *float64
	Close          *float64
	Delta          *float64
	Direction      CandleDirection
	OpenEstimated  bool
	CloseEstimated bool
	OpenSource     string
	CloseSource    string
	// IntegrityAlert is set when the official close diverges from the next
	// window's official open beyond the configured threshold.
	IntegrityAlert bool
	IntegrityDiff  *float64
	UpdatedAt      time.Time
}

// CandleDirection is the up/down/flat result of a window.
type CandleDirection string

const (
	DirectionUp   CandleDirection = "up"
	DirectionDown CandleDirection = "down"
	DirectionFlat CandleDirection = "flat"
	DirectionNone CandleDirection = ""
)

// DirectionFromPrices derives a candle direction from open/close values.
func DirectionFromPrices(open, close *float64) CandleDirection {
	if open == nil || close == nil {
		return DirectionNone
	}
	switch {
	case *close > *open:
		return DirectionUp
	case *close < *open:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// Streak tracks the current run of same-direction candles for a preset.
type Streak struct {
	Preset    string
	Direction CandleDirection
	Length    int
	UpdatedAt time.Time
}
