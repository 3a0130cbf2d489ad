package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// HistoryStore implements domain.HistoryStore using PostgreSQL. The table is
// append-only: rows are never updated (except the unresolved flag) and never
// deleted, and Append is idempotent on (preset, kind, window_start).
type HistoryStore struct {
	pool *pgxpool.Pool
}

// NewHistoryStore creates a HistoryStore backed by the given pool.
func NewHistoryStore(pool *pgxpool.Pool) *HistoryStore {
	return &HistoryStore{pool: pool}
}

const historySelectCols = `sequence_id, preset, kind, position_id,
	window_start, price, outcome, origin, unresolved, note, created_at`

func scanHistory(row pgx.Row) (domain.HistoryRecord, error) {
	var r domain.HistoryRecord
	var kind, outcome, origin string

	err := row.Scan(
		&r.SequenceID, &r.Preset, &kind, &r.PositionID,
		&r.WindowStart, &r.Price, &outcome, &origin,
		&r.Unresolved, &r.Note, &r.CreatedAt,
	)
	if err != nil {
		return domain.HistoryRecord{}, err
	}
	r.Kind = domain.RecordKind(kind)
	r.Outcome = domain.Outcome(outcome)
	r.Origin = domain.RecordOrigin(origin)
	return r, nil
}

func scanHistoryRows(rows pgx.Rows) ([]domain.HistoryRecord, error) {
	var recs []domain.HistoryRecord
	for rows.Next() {
		r, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// Append inserts a ledger row with the preset's next sequence number.
// Replaying the same (preset, kind, window_start) is a no-op, never a
// duplicate. Writers for one preset are serialized by the per-preset lock, so
// the max+1 assignment cannot race.
func (s *HistoryStore) Append(ctx context.Context, r domain.HistoryRecord) error {
	const query = `
		INSERT INTO history_records (
			preset, sequence_id, kind, position_id, window_start,
			price, outcome, origin, unresolved, note, created_at
		)
		SELECT $1, COALESCE(MAX(sequence_id), 0) + 1, $2, $3, $4,
			$5, $6, $7, $8, $9, $10
		FROM history_records WHERE preset = $1
		ON CONFLICT (preset, kind, window_start) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		r.Preset, string(r.Kind), r.PositionID, r.WindowStart,
		r.Price, string(r.Outcome), string(r.Origin), r.Unresolved, r.Note, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: append history %s/%s: %w", r.Preset, r.Kind, err)
	}
	return nil
}

// LastForPreset returns the newest ledger row for a preset.
func (s *HistoryStore) LastForPreset(ctx context.Context, preset string) (domain.HistoryRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+historySelectCols+` FROM history_records
		 WHERE preset = $1
		 ORDER BY sequence_id DESC LIMIT 1`, preset)

	r, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.HistoryRecord{}, domain.ErrNotFound
		}
		return domain.HistoryRecord{}, fmt.Errorf("postgres: last history for %s: %w", preset, err)
	}
	return r, nil
}

// ListByPreset returns ledger rows for a preset ordered by sequence,
// optionally bounded to windows at or after opts.Since.
func (s *HistoryStore) ListByPreset(ctx context.Context, preset string, opts domain.ListOpts) ([]domain.HistoryRecord, error) {
	query := `SELECT ` + historySelectCols + ` FROM history_records WHERE preset = $1`
	args := []any{preset}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND window_start >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND window_start <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY sequence_id"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history for %s: %w", preset, err)
	}
	defer rows.Close()

	recs, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history for %s: %w", preset, err)
	}
	return recs, nil
}

// ListSince returns ledger rows for a preset with sequence IDs beyond seq.
func (s *HistoryStore) ListSince(ctx context.Context, preset string, seq int64) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historySelectCols+` FROM history_records
		 WHERE preset = $1 AND sequence_id > $2
		 ORDER BY sequence_id`, preset, seq)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history since #%d: %w", seq, err)
	}
	defer rows.Close()

	recs, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history since #%d: %w", seq, err)
	}
	return recs, nil
}

// ListBefore returns ledger rows across every preset whose window started
// strictly before the cutoff, ordered by preset then sequence. Used by the
// cold-history archiver.
func (s *HistoryStore) ListBefore(ctx context.Context, before time.Time) ([]domain.HistoryRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historySelectCols+` FROM history_records
		 WHERE window_start < $1
		 ORDER BY preset, sequence_id`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list history before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	recs, err := scanHistoryRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan history before %s: %w", before.Format(time.RFC3339), err)
	}
	return recs, nil
}

// MarkUnresolved flags a ledger row the pipeline could not repair. The only
// permitted mutation of an existing row.
func (s *HistoryStore) MarkUnresolved(ctx context.Context, preset string, seq int64, note string) error {
	const query = `
		UPDATE history_records SET unresolved = TRUE, note = $3
		WHERE preset = $1 AND sequence_id = $2`

	tag, err := s.pool.Exec(ctx, query, preset, seq, note)
	if err != nil {
		return fmt.Errorf("postgres: mark unresolved #%d: %w", seq, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
