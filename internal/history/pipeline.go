package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// notifierAPI is the slice of the notifier the pipeline needs.
type notifierAPI interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config holds pipeline cadence and lookback.
type Config struct {
	CheckInterval    time.Duration
	BackfillLookback time.Duration
}

// Pipeline audits each preset's ledger for alternation and continuity
// violations and repairs what the surviving evidence supports. It never
// mutates existing rows: repairs are appended with a backfill origin, and
// slots with no evidence are flagged unresolved for the operator.
type Pipeline struct {
	history   domain.HistoryStore
	candles   domain.CandleStore
	positions domain.PositionStore
	notifier  notifierAPI
	logger    *slog.Logger
	cfg       Config

	// now is swapped out in tests; window-end checks must not depend on the
	// wall clock of the test run.
	now func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(history domain.HistoryStore, candles domain.CandleStore, positions domain.PositionStore, notifier notifierAPI, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		history:   history,
		candles:   candles,
		positions: positions,
		notifier:  notifier,
		logger:    logger.With(slog.String("component", "history.pipeline")),
		cfg:       cfg,
		now:       time.Now,
	}
}

// Run audits every preset on the configured cadence until the context ends.
func (p *Pipeline) Run(ctx context.Context, presets []domain.Preset) error {
	p.logger.Info("integrity pipeline started",
		slog.Duration("interval", p.cfg.CheckInterval))

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		for _, preset := range presets {
			if err := p.Reconcile(ctx, preset); err != nil {
				p.logger.Error("ledger reconcile failed",
					slog.String("preset", preset.Name),
					slog.String("error", err.Error()))
			}
		}

		select {
		case <-ctx.Done():
			p.logger.Info("integrity pipeline stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Reconcile audits one preset's recent ledger and repairs it from evidence.
func (p *Pipeline) Reconcile(ctx context.Context, preset domain.Preset) error {
	now := p.now().UTC()
	since := now.Add(-p.cfg.BackfillLookback)
	recs, err := p.history.ListByPreset(ctx, preset.Name, domain.ListOpts{Since: &since})
	if err != nil {
		return fmt.Errorf("history: list %s: %w", preset.Name, err)
	}

	violations := Audit(preset, recs, now)
	if len(violations) == 0 {
		return nil
	}

	for _, v := range violations {
		switch v.Kind {
		case domain.ViolationContinuityArtifact:
			// Alternation holds; the hole is bookkeeping noise.
			p.logger.Debug("sequence hole without alternation break",
				slog.String("preset", v.Preset),
				slog.Int64("seq", v.SequenceID))
		case domain.ViolationSequenceGap:
			p.notify(ctx, domain.EventLedgerViolation, "Ledger violation",
				fmt.Sprintf("%s: sequence gap at #%d (%s)", v.Preset, v.SequenceID, v.Detail))
		case domain.ViolationDuplicateKind, domain.ViolationOrphanClose:
			if err := p.repair(ctx, preset, v, recs); err != nil {
				p.logger.Error("ledger repair failed",
					slog.String("preset", v.Preset),
					slog.String("kind", string(v.Kind)),
					slog.String("error", err.Error()))
			}
		}
	}

	return nil
}

// Audit inspects a preset's ledger slice and reports every violation. Records
// are grouped per window; each closed window is expected to hold exactly one
// OPEN followed by one CLOSE. Sequence holes that do not break alternation
// are reported as diagnostic continuity artifacts.
func Audit(preset domain.Preset, recs []domain.HistoryRecord, now time.Time) []domain.Violation {
	if len(recs) == 0 {
		return nil
	}

	sorted := make([]domain.HistoryRecord, len(recs))
	copy(sorted, recs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].WindowStart.Equal(sorted[j].WindowStart) {
			return sorted[i].WindowStart.Before(sorted[j].WindowStart)
		}
		return sorted[i].Kind == domain.RecordKindOpen && sorted[j].Kind == domain.RecordKindClose
	})

	var violations []domain.Violation

	// Per-window pairing.
	type slot struct {
		open, close *domain.HistoryRecord
	}
	slots := map[int64]*slot{}
	var starts []int64
	for i := range sorted {
		rec := &sorted[i]
		key := rec.WindowStart.Unix()
		s, ok := slots[key]
		if !ok {
			s = &slot{}
			slots[key] = s
			starts = append(starts, key)
		}
		if rec.Kind == domain.RecordKindOpen {
			s.open = rec
		} else {
			s.close = rec
		}
	}

	windowDur := time.Duration(preset.WindowSeconds) * time.Second
	for _, key := range starts {
		s := slots[key]
		windowEnd := time.Unix(key, 0).UTC().Add(windowDur)
		switch {
		case s.open != nil && s.close == nil && now.After(windowEnd):
			violations = append(violations, domain.Violation{
				Preset:     preset.Name,
				Kind:       domain.ViolationDuplicateKind,
				SequenceID: s.open.SequenceID,
				Detail:     fmt.Sprintf("window %d has open without close", key),
			})
		case s.open == nil && s.close != nil:
			violations = append(violations, domain.Violation{
				Preset:     preset.Name,
				Kind:       domain.ViolationOrphanClose,
				SequenceID: s.close.SequenceID,
				Detail:     fmt.Sprintf("window %d has close without open", key),
			})
		}
	}

	// Sequence continuity, in seq order.
	bySeq := make([]domain.HistoryRecord, len(recs))
	copy(bySeq, recs)
	sort.Slice(bySeq, func(i, j int) bool { return bySeq[i].SequenceID < bySeq[j].SequenceID })
	alternationBroken := len(violations) > 0
	for i := 1; i < len(bySeq); i++ {
		if bySeq[i].SequenceID == bySeq[i-1].SequenceID+1 {
			continue
		}
		kind := domain.ViolationContinuityArtifact
		if alternationBroken {
			kind = domain.ViolationSequenceGap
		}
		violations = append(violations, domain.Violation{
			Preset:     preset.Name,
			Kind:       kind,
			SequenceID: bySeq[i].SequenceID,
			Detail: fmt.Sprintf("hole between #%d and #%d",
				bySeq[i-1].SequenceID, bySeq[i].SequenceID),
		})
	}

	return violations
}

// repair appends the compensating row for a missing open or close, sourcing
// the price from the position row first and the candle store second. With no
// evidence the anchoring record is flagged unresolved instead.
func (p *Pipeline) repair(ctx context.Context, preset domain.Preset, v domain.Violation, recs []domain.HistoryRecord) error {
	var anchor *domain.HistoryRecord
	for i := range recs {
		if recs[i].SequenceID == v.SequenceID {
			anchor = &recs[i]
			break
		}
	}
	if anchor == nil {
		return fmt.Errorf("history: violation anchor #%d not found", v.SequenceID)
	}

	missing := domain.RecordKindClose
	if v.Kind == domain.ViolationOrphanClose {
		missing = domain.RecordKindOpen
	}

	price, note, ok := p.findEvidence(ctx, preset, anchor, missing)
	if !ok {
		if err := p.history.MarkUnresolved(ctx, preset.Name, anchor.SequenceID,
			fmt.Sprintf("no evidence for missing %s", missing)); err != nil {
			return fmt.Errorf("history: mark unresolved #%d: %w", anchor.SequenceID, err)
		}
		p.notify(ctx, domain.EventLedgerUnresolved, "Ledger gap unresolved",
			fmt.Sprintf("%s: window %d missing %s and no evidence survives",
				preset.Name, anchor.WindowStart.Unix(), missing))
		return nil
	}

	rec := domain.HistoryRecord{
		Preset:      preset.Name,
		Kind:        missing,
		PositionID:  anchor.PositionID,
		WindowStart: anchor.WindowStart,
		Price:       price,
		Origin:      domain.RecordOriginBackfill,
		Note:        note,
		CreatedAt:   time.Now().UTC(),
	}
	if missing == domain.RecordKindClose {
		rec.Outcome = closeOutcome(anchor.Price, price)
	}

	if err := p.history.Append(ctx, rec); err != nil {
		return fmt.Errorf("history: backfill %s window %d: %w",
			missing, anchor.WindowStart.Unix(), err)
	}

	p.logger.Info("ledger backfilled",
		slog.String("preset", preset.Name),
		slog.String("kind", string(missing)),
		slog.Time("window_start", anchor.WindowStart),
		slog.String("evidence", note))
	p.notify(ctx, domain.EventLedgerBackfilled, "Ledger backfilled",
		fmt.Sprintf("%s: %s for window %d reconstructed from %s",
			preset.Name, missing, anchor.WindowStart.Unix(), note))
	return nil
}

// findEvidence locates a price for the missing record: the position row is
// authoritative, the candle store is the fallback estimate.
func (p *Pipeline) findEvidence(ctx context.Context, preset domain.Preset, anchor *domain.HistoryRecord, missing domain.RecordKind) (float64, string, bool) {
	if anchor.PositionID != "" {
		pos, err := p.positions.GetByID(ctx, anchor.PositionID)
		if err == nil {
			if missing == domain.RecordKindClose && pos.ExitPrice != nil {
				return *pos.ExitPrice, "position exit price", true
			}
			if missing == domain.RecordKindOpen && pos.EntryPrice > 0 {
				return pos.EntryPrice, "position entry price", true
			}
		} else if !errors.Is(err, domain.ErrNotFound) {
			p.logger.Warn("position evidence lookup failed",
				slog.String("position", anchor.PositionID),
				slog.String("error", err.Error()))
		}
	}

	candle, err := p.candles.Get(ctx, preset.Name, anchor.WindowStart)
	if err == nil {
		if missing == domain.RecordKindClose && candle.Close != nil {
			return *candle.Close, "candle close", true
		}
		if missing == domain.RecordKindOpen && candle.Open != nil {
			return *candle.Open, "candle open", true
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		p.logger.Warn("candle evidence lookup failed",
			slog.String("preset", preset.Name),
			slog.String("error", err.Error()))
	}

	return 0, "", false
}

// closeOutcome labels a backfilled close against the recorded open price.
func closeOutcome(openPrice, closePrice float64) domain.Outcome {
	switch {
	case closePrice > openPrice:
		return domain.OutcomeWin
	case closePrice < openPrice:
		return domain.OutcomeLoss
	default:
		return domain.OutcomeFlat
	}
}

// notify delivers a pipeline event. Failures are logged, never propagated:
// the ledger work itself must not depend on notification delivery.
func (p *Pipeline) notify(ctx context.Context, event, title, message string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, event, title, message); err != nil {
		p.logger.Warn("notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}
