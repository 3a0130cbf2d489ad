package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// priceTTL expires a token's price hash on its own. The monitors treat
// anything older than a few seconds as stale, so a price that outlives this
// TTL is dead weight either way.
const priceTTL = 2 * time.Minute

// PriceCache implements domain.PriceCache on Redis hashes. Each outcome
// token's latest observation lives at "candlebot:price:{tokenID}" with fields
// "price" and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.DB()}
}

func priceKey(tokenID string) string {
	return namespaced("price:" + tokenID)
}

// SetPrice stores the latest observation for a token and refreshes its TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, tokenID string, price float64, ts time.Time) error {
	key := priceKey(tokenID)

	pipe := pc.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", tokenID, err)
	}
	return nil
}

// GetPrice returns the latest observation for a token, or domain.ErrNotFound
// when none is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, tokenID string) (float64, time.Time, error) {
	vals, err := pc.rdb.HMGet(ctx, priceKey(tokenID), "price", "ts").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", tokenID, err)
	}

	price, ts, ok := parsePriceFields(vals)
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return price, ts, nil
}

// GetPrices returns the latest prices for multiple tokens in one pipeline.
// Tokens with nothing cached are omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	if len(tokenIDs) == 0 {
		return map[string]float64{}, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.SliceCmd, len(tokenIDs))
	for _, id := range tokenIDs {
		cmds[id] = pipe.HMGet(ctx, priceKey(id), "price", "ts")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	result := make(map[string]float64, len(tokenIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, ok := parsePriceFields(vals); ok {
			result[id] = price
		}
	}
	return result, nil
}

// parsePriceFields decodes the HMGet result for ("price", "ts"). ok is false
// when either field is missing or malformed.
func parsePriceFields(vals []interface{}) (float64, time.Time, bool) {
	if len(vals) < 2 {
		return 0, time.Time{}, false
	}
	priceStr, ok := vals[0].(string)
	if !ok {
		return 0, time.Time{}, false
	}
	tsStr, ok := vals[1].(string)
	if !ok {
		return 0, time.Time{}, false
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return price, time.Unix(0, tsNano), true
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
