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

// CandleStore implements domain.CandleStore using PostgreSQL.
type CandleStore struct {
	pool *pgxpool.Pool
}

// NewCandleStore creates a CandleStore backed by the given pool.
func NewCandleStore(pool *pgxpool.Pool) *CandleStore {
	return &CandleStore{pool: pool}
}

const candleSelectCols = `preset, window_start, window_end, open, close, delta,
	direction, open_estimated, close_estimated, open_source, close_source,
	integrity_alert, integrity_diff, updated_at`

func scanCandle(row pgx.Row) (domain.Candle, error) {
	var c domain.Candle
	var direction string

	err := row.Scan(
		&c.Preset, &c.WindowStart, &c.WindowEnd, &c.Open, &c.Close, &c.Delta,
		&direction, &c.OpenEstimated, &c.CloseEstimated, &c.OpenSource, &c.CloseSource,
		&c.IntegrityAlert, &c.IntegrityDiff, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Candle{}, err
	}
	c.Direction = domain.CandleDirection(direction)
	return c, nil
}

// Upsert writes a candle snapshot. Later writes for the same window replace
// earlier ones, so provisional values firm up as better sources arrive.
func (s *CandleStore) Upsert(ctx context.Context, c domain.Candle) error {
	const query = `
		INSERT INTO candles (
			preset, window_start, window_end, open, close, delta,
			direction, open_estimated, close_estimated, open_source, close_source,
			integrity_alert, integrity_diff, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, NOW()
		)
		ON CONFLICT (preset, window_start) DO UPDATE SET
			window_end      = EXCLUDED.window_end,
			open            = EXCLUDED.open,
			close           = EXCLUDED.close,
			delta           = EXCLUDED.delta,
			direction       = EXCLUDED.direction,
			open_estimated  = EXCLUDED.open_estimated,
			close_estimated = EXCLUDED.close_estimated,
			open_source     = EXCLUDED.open_source,
			close_source    = EXCLUDED.close_source,
			integrity_alert = EXCLUDED.integrity_alert,
			integrity_diff  = EXCLUDED.integrity_diff,
			updated_at      = NOW()`

	_, err := s.pool.Exec(ctx, query,
		c.Preset, c.WindowStart, c.WindowEnd, c.Open, c.Close, c.Delta,
		string(c.Direction), c.OpenEstimated, c.CloseEstimated, c.OpenSource, c.CloseSource,
		c.IntegrityAlert, c.IntegrityDiff,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert candle %s/%d: %w", c.Preset, c.WindowStart.Unix(), err)
	}
	return nil
}

// Get retrieves the candle for one preset window.
func (s *CandleStore) Get(ctx context.Context, preset string, windowStart time.Time) (domain.Candle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candleSelectCols+` FROM candles
		 WHERE preset = $1 AND window_start = $2`, preset, windowStart)

	c, err := scanCandle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Candle{}, domain.ErrNotFound
		}
		return domain.Candle{}, fmt.Errorf("postgres: get candle %s/%d: %w", preset, windowStart.Unix(), err)
	}
	return c, nil
}

// ListRange returns candles for a preset with window starts in [from, to),
// oldest first.
func (s *CandleStore) ListRange(ctx context.Context, preset string, from, to time.Time) ([]domain.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleSelectCols+` FROM candles
		 WHERE preset = $1 AND window_start >= $2 AND window_start < $3
		 ORDER BY window_start`, preset, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list candles for %s: %w", preset, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan candles for %s: %w", preset, err)
		}
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list candles rows: %w", err)
	}
	return candles, nil
}

// Latest returns the newest candle for a preset.
func (s *CandleStore) Latest(ctx context.Context, preset string) (domain.Candle, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+candleSelectCols+` FROM candles
		 WHERE preset = $1
		 ORDER BY window_start DESC LIMIT 1`, preset)

	c, err := scanCandle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Candle{}, domain.ErrNotFound
		}
		return domain.Candle{}, fmt.Errorf("postgres: latest candle for %s: %w", preset, err)
	}
	return c, nil
}
