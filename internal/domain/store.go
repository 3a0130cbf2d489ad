package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists positions.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	Close(ctx context.Context, id string, exitPrice float64, closedAt time.Time) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetActive returns the single active position for a preset, or
	// ErrNotFound when the preset is idle.
	GetActive(ctx context.Context, preset string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, preset string, opts ListOpts) ([]Position, error)
}

// OrderStore persists CLOB orders. Every retry attempt is its own row.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus, filledSize float64) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByPosition(ctx context.Context, positionID string) ([]Order, error)
	ListOpen(ctx context.Context, wallet string) ([]Order, error)
}

// HistoryStore persists the append-only trade ledger. Append must be
// idempotent on (preset, kind, window_start): replaying the same event is a
// no-op, never a duplicate row.
type HistoryStore interface {
	Append(ctx context.Context, rec HistoryRecord) error
	LastForPreset(ctx context.Context, preset string) (HistoryRecord, error)
	ListByPreset(ctx context.Context, preset string, opts ListOpts) ([]HistoryRecord, error)
	ListSince(ctx context.Context, preset string, seq int64) ([]HistoryRecord, error)
	MarkUnresolved(ctx context.Context, preset string, seq int64, note string) error
}

// CandleStore persists closed-window candles, which double as backfill
// evidence for the history pipeline.
type CandleStore interface {
	Upsert(ctx context.Context, c Candle) error
	Get(ctx context.Context, preset string, windowStart time.Time) (Candle, error)
	ListRange(ctx context.Context, preset string, from, to time.Time) ([]Candle, error)
	Latest(ctx context.Context, preset string) (Candle, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
