package history

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

type memHistory struct {
	recs []domain.HistoryRecord
	// Sequences count per preset, mirroring the store's assignment.
	nextSeq map[string]int64
}

func (m *memHistory) key(rec domain.HistoryRecord) string {
	return fmt.Sprintf("%s|%s|%d", rec.Preset, rec.Kind, rec.WindowStart.Unix())
}

func (m *memHistory) Append(ctx context.Context, rec domain.HistoryRecord) error {
	for _, existing := range m.recs {
		if m.key(existing) == m.key(rec) {
			return nil
		}
	}
	if m.nextSeq == nil {
		m.nextSeq = map[string]int64{}
	}
	m.nextSeq[rec.Preset]++
	rec.SequenceID = m.nextSeq[rec.Preset]
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memHistory) LastForPreset(ctx context.Context, preset string) (domain.HistoryRecord, error) {
	for i := len(m.recs) - 1; i >= 0; i-- {
		if m.recs[i].Preset == preset {
			return m.recs[i], nil
		}
	}
	return domain.HistoryRecord{}, domain.ErrNotFound
}

func (m *memHistory) ListByPreset(ctx context.Context, preset string, opts domain.ListOpts) ([]domain.HistoryRecord, error) {
	var out []domain.HistoryRecord
	for _, rec := range m.recs {
		if rec.Preset != preset {
			continue
		}
		if opts.Since != nil && rec.WindowStart.Before(*opts.Since) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *memHistory) ListSince(ctx context.Context, preset string, seq int64) ([]domain.HistoryRecord, error) {
	var out []domain.HistoryRecord
	for _, rec := range m.recs {
		if rec.Preset == preset && rec.SequenceID > seq {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memHistory) MarkUnresolved(ctx context.Context, preset string, seq int64, note string) error {
	for i := range m.recs {
		if m.recs[i].Preset == preset && m.recs[i].SequenceID == seq {
			m.recs[i].Unresolved = true
			m.recs[i].Note = note
			return nil
		}
	}
	return domain.ErrNotFound
}

// seed inserts a record with an explicit sequence ID, bypassing dedup.
func (m *memHistory) seed(rec domain.HistoryRecord) {
	m.recs = append(m.recs, rec)
	if m.nextSeq == nil {
		m.nextSeq = map[string]int64{}
	}
	if rec.SequenceID > m.nextSeq[rec.Preset] {
		m.nextSeq[rec.Preset] = rec.SequenceID
	}
}

type memCandles struct {
	candles map[string]domain.Candle
}

func candleKey(preset string, start time.Time) string {
	return fmt.Sprintf("%s|%d", preset, start.Unix())
}

func (m *memCandles) Upsert(ctx context.Context, c domain.Candle) error {
	if m.candles == nil {
		m.candles = map[string]domain.Candle{}
	}
	m.candles[candleKey(c.Preset, c.WindowStart)] = c
	return nil
}

func (m *memCandles) Get(ctx context.Context, preset string, windowStart time.Time) (domain.Candle, error) {
	c, ok := m.candles[candleKey(preset, windowStart)]
	if !ok {
		return domain.Candle{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCandles) ListRange(ctx context.Context, preset string, from, to time.Time) ([]domain.Candle, error) {
	return nil, nil
}

func (m *memCandles) Latest(ctx context.Context, preset string) (domain.Candle, error) {
	return domain.Candle{}, domain.ErrNotFound
}

type memPositions struct {
	byID map[string]domain.Position
}

func (m *memPositions) Create(ctx context.Context, pos domain.Position) error { return nil }
func (m *memPositions) Update(ctx context.Context, pos domain.Position) error { return nil }
func (m *memPositions) Close(ctx context.Context, id string, exitPrice float64, closedAt time.Time) error {
	return nil
}

func (m *memPositions) GetByID(ctx context.Context, id string) (domain.Position, error) {
	pos, ok := m.byID[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (m *memPositions) GetActive(ctx context.Context, preset string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (m *memPositions) ListActive(ctx context.Context) ([]domain.Position, error) { return nil, nil }
func (m *memPositions) ListHistory(ctx context.Context, preset string, opts domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type captureNotifier struct {
	events []string
}

func (c *captureNotifier) Notify(ctx context.Context, event, title, message string) error {
	c.events = append(c.events, event)
	return nil
}

func testPreset(t *testing.T) domain.Preset {
	t.Helper()
	preset, err := domain.NewPreset("ETH", "1h")
	require.NoError(t, err)
	return preset
}

func rec(seq int64, kind domain.RecordKind, start time.Time, price float64) domain.HistoryRecord {
	return domain.HistoryRecord{
		SequenceID:  seq,
		Preset:      "eth-1h",
		Kind:        kind,
		PositionID:  domain.PositionID("eth-1h", start),
		WindowStart: start,
		Price:       price,
		Origin:      domain.RecordOriginLive,
		CreatedAt:   start,
	}
}

var baseWindow = time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

func TestAuditCleanLedger(t *testing.T) {
	preset := testPreset(t)
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindOpen, baseWindow, 0.48),
		rec(2, domain.RecordKindClose, baseWindow, 0.55),
		rec(3, domain.RecordKindOpen, baseWindow.Add(time.Hour), 0.51),
		rec(4, domain.RecordKindClose, baseWindow.Add(time.Hour), 0.44),
	}

	assert.Empty(t, Audit(preset, recs, baseWindow.Add(3*time.Hour)))
}

func TestAuditOpenWithoutClose(t *testing.T) {
	preset := testPreset(t)
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindOpen, baseWindow, 0.48),
	}

	violations := Audit(preset, recs, baseWindow.Add(2*time.Hour))
	require.Len(t, violations, 1)
	assert.Equal(t, domain.ViolationDuplicateKind, violations[0].Kind)
	assert.Equal(t, int64(1), violations[0].SequenceID)
}

func TestAuditOpenStillInsideWindow(t *testing.T) {
	preset := testPreset(t)
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindOpen, baseWindow, 0.48),
	}

	// The window has not ended yet, so the missing close is expected.
	assert.Empty(t, Audit(preset, recs, baseWindow.Add(30*time.Minute)))
}

func TestAuditOrphanClose(t *testing.T) {
	preset := testPreset(t)
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindClose, baseWindow, 0.55),
	}

	violations := Audit(preset, recs, baseWindow.Add(2*time.Hour))
	require.Len(t, violations, 1)
	assert.Equal(t, domain.ViolationOrphanClose, violations[0].Kind)
}

func TestAuditContinuityArtifact(t *testing.T) {
	preset := testPreset(t)
	// Sequence hole between #2 and #5, but every window pairs cleanly.
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindOpen, baseWindow, 0.48),
		rec(2, domain.RecordKindClose, baseWindow, 0.55),
		rec(5, domain.RecordKindOpen, baseWindow.Add(time.Hour), 0.51),
		rec(6, domain.RecordKindClose, baseWindow.Add(time.Hour), 0.44),
	}

	violations := Audit(preset, recs, baseWindow.Add(3*time.Hour))
	require.Len(t, violations, 1)
	assert.Equal(t, domain.ViolationContinuityArtifact, violations[0].Kind)
}

func TestAuditSequenceGap(t *testing.T) {
	preset := testPreset(t)
	// Sequence hole plus a window missing its close.
	recs := []domain.HistoryRecord{
		rec(1, domain.RecordKindOpen, baseWindow, 0.48),
		rec(4, domain.RecordKindOpen, baseWindow.Add(time.Hour), 0.51),
		rec(5, domain.RecordKindClose, baseWindow.Add(time.Hour), 0.44),
	}

	violations := Audit(preset, recs, baseWindow.Add(3*time.Hour))
	kinds := map[domain.ViolationKind]bool{}
	for _, v := range violations {
		kinds[v.Kind] = true
	}
	assert.True(t, kinds[domain.ViolationDuplicateKind])
	assert.True(t, kinds[domain.ViolationSequenceGap])
	assert.False(t, kinds[domain.ViolationContinuityArtifact])
}

func testPipeline(hist *memHistory, candles *memCandles, positions *memPositions, notifier *captureNotifier) *Pipeline {
	p := NewPipeline(hist, candles, positions, notifier, Config{
		CheckInterval:    time.Minute,
		BackfillLookback: 48 * time.Hour,
	}, slog.Default())
	// Pin the clock a few windows past the fixtures so window-end checks do
	// not depend on when the tests run.
	p.now = func() time.Time { return baseWindow.Add(3 * time.Hour) }
	return p
}

func TestReconcileBackfillsCloseFromPosition(t *testing.T) {
	preset := testPreset(t)
	hist := &memHistory{}
	hist.seed(rec(1, domain.RecordKindOpen, baseWindow, 0.48))

	exit := 0.62
	closedAt := baseWindow.Add(time.Hour)
	positions := &memPositions{byID: map[string]domain.Position{
		domain.PositionID("eth-1h", baseWindow): {
			ID:         domain.PositionID("eth-1h", baseWindow),
			Preset:     "eth-1h",
			EntryPrice: 0.48,
			ExitPrice:  &exit,
			Status:     domain.PositionStatusClosed,
			ClosedAt:   &closedAt,
		},
	}}
	notifier := &captureNotifier{}

	p := testPipeline(hist, &memCandles{}, positions, notifier)
	require.NoError(t, p.Reconcile(context.Background(), preset))

	require.Len(t, hist.recs, 2)
	backfilled := hist.recs[1]
	assert.Equal(t, domain.RecordKindClose, backfilled.Kind)
	assert.Equal(t, domain.RecordOriginBackfill, backfilled.Origin)
	assert.InDelta(t, 0.62, backfilled.Price, 1e-9)
	assert.Equal(t, domain.OutcomeWin, backfilled.Outcome)
	// The repair continues the preset's own sequence.
	assert.Equal(t, int64(2), backfilled.SequenceID)
	assert.Contains(t, notifier.events, domain.EventLedgerBackfilled)
}

func TestReconcileBackfillsOpenFromCandle(t *testing.T) {
	preset := testPreset(t)
	hist := &memHistory{}
	// Orphan close: its open never made it to the ledger.
	hist.seed(rec(3, domain.RecordKindClose, baseWindow, 0.55))

	open := 0.47
	candles := &memCandles{}
	require.NoError(t, candles.Upsert(context.Background(), domain.Candle{
		Preset:      "eth-1h",
		WindowStart: baseWindow,
		Open:        &open,
	}))
	notifier := &captureNotifier{}

	p := testPipeline(hist, candles, &memPositions{}, notifier)
	require.NoError(t, p.Reconcile(context.Background(), preset))

	require.Len(t, hist.recs, 2)
	backfilled := hist.recs[1]
	assert.Equal(t, domain.RecordKindOpen, backfilled.Kind)
	assert.Equal(t, domain.RecordOriginBackfill, backfilled.Origin)
	assert.InDelta(t, 0.47, backfilled.Price, 1e-9)
}

func TestReconcileMarksUnresolvedWithoutEvidence(t *testing.T) {
	preset := testPreset(t)
	hist := &memHistory{}
	hist.seed(rec(1, domain.RecordKindOpen, baseWindow, 0.48))
	notifier := &captureNotifier{}

	p := testPipeline(hist, &memCandles{}, &memPositions{}, notifier)
	require.NoError(t, p.Reconcile(context.Background(), preset))

	// No row appended; the open itself is flagged instead.
	require.Len(t, hist.recs, 1)
	assert.True(t, hist.recs[0].Unresolved)
	assert.Contains(t, notifier.events, domain.EventLedgerUnresolved)
}

func TestReconcileIsIdempotent(t *testing.T) {
	preset := testPreset(t)
	hist := &memHistory{}
	hist.seed(rec(1, domain.RecordKindOpen, baseWindow, 0.48))

	exit := 0.40
	positions := &memPositions{byID: map[string]domain.Position{
		domain.PositionID("eth-1h", baseWindow): {
			ID:        domain.PositionID("eth-1h", baseWindow),
			Preset:    "eth-1h",
			ExitPrice: &exit,
			Status:    domain.PositionStatusClosed,
		},
	}}

	p := testPipeline(hist, &memCandles{}, positions, &captureNotifier{})
	require.NoError(t, p.Reconcile(context.Background(), preset))
	require.NoError(t, p.Reconcile(context.Background(), preset))
	require.NoError(t, p.Reconcile(context.Background(), preset))

	assert.Len(t, hist.recs, 2)
}

func TestRecorderWritesLedgerRows(t *testing.T) {
	hist := &memHistory{}
	r := NewRecorder(hist, slog.Default())

	pos := domain.Position{
		ID:          domain.PositionID("eth-1h", baseWindow),
		Preset:      "eth-1h",
		WindowStart: baseWindow,
		EntryPrice:  0.48,
	}
	require.NoError(t, r.RecordOpen(context.Background(), pos))
	require.NoError(t, r.RecordClose(context.Background(), pos, 0.41))

	require.Len(t, hist.recs, 2)
	assert.Equal(t, domain.RecordKindOpen, hist.recs[0].Kind)
	assert.Equal(t, domain.RecordKindClose, hist.recs[1].Kind)
	assert.Equal(t, domain.OutcomeLoss, hist.recs[1].Outcome)
	assert.Equal(t, domain.RecordOriginLive, hist.recs[1].Origin)

	// Replaying the same close is a no-op.
	require.NoError(t, r.RecordClose(context.Background(), pos, 0.41))
	assert.Len(t, hist.recs, 2)
}
