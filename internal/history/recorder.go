// Package history owns the append-only trade ledger: live recording of
// position opens and closes, and the integrity pipeline that audits and
// repairs the ledger after downtime.
package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// Recorder writes live ledger rows as the monitor trades. Appends are
// idempotent on (preset, kind, window start), so replays after a crash are
// harmless.
type Recorder struct {
	store  domain.HistoryStore
	logger *slog.Logger
}

// NewRecorder creates a Recorder.
func NewRecorder(store domain.HistoryStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger.With(slog.String("component", "history.recorder")),
	}
}

// RecordOpen appends the OPEN row for a freshly entered position.
func (r *Recorder) RecordOpen(ctx context.Context, pos domain.Position) error {
	rec := domain.HistoryRecord{
		Preset:      pos.Preset,
		Kind:        domain.RecordKindOpen,
		PositionID:  pos.ID,
		WindowStart: pos.WindowStart,
		Price:       pos.EntryPrice,
		Origin:      domain.RecordOriginLive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("history: record open %s: %w", pos.ID, err)
	}
	r.logger.Info("ledger open recorded",
		slog.String("preset", pos.Preset),
		slog.String("position", pos.ID),
		slog.Float64("price", pos.EntryPrice))
	return nil
}

// RecordClose appends the CLOSE row for a closed position.
func (r *Recorder) RecordClose(ctx context.Context, pos domain.Position, exitPrice float64) error {
	outcome := domain.OutcomeUnknown
	switch {
	case exitPrice > pos.EntryPrice:
		outcome = domain.OutcomeWin
	case exitPrice < pos.EntryPrice:
		outcome = domain.OutcomeLoss
	default:
		outcome = domain.OutcomeFlat
	}

	rec := domain.HistoryRecord{
		Preset:      pos.Preset,
		Kind:        domain.RecordKindClose,
		PositionID:  pos.ID,
		WindowStart: pos.WindowStart,
		Price:       exitPrice,
		Outcome:     outcome,
		Origin:      domain.RecordOriginLive,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.Append(ctx, rec); err != nil {
		return fmt.Errorf("history: record close %s: %w", pos.ID, err)
	}
	r.logger.Info("ledger close recorded",
		slog.String("preset", pos.Preset),
		slog.String("position", pos.ID),
		slog.Float64("price", exitPrice),
		slog.String("outcome", string(outcome)))
	return nil
}
