package redis

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

func TestKeysLiveUnderBotNamespace(t *testing.T) {
	assert.Equal(t, "candlebot:price:tok-1", priceKey("tok-1"))
	assert.Equal(t, "candlebot:ratelimit:clob", rateLimitKey("clob"))
	assert.Equal(t, "candlebot:lock:preset:eth-1h", lockKey("preset:eth-1h"))
}

func TestBusChannelPrefixesBareNames(t *testing.T) {
	assert.Equal(t, "candlebot:position.opened", busChannel(domain.EventPositionOpened))
	assert.Equal(t, "candlebot:ledger.*", busChannel("ledger.*"))
	// Stream names arrive already qualified and pass through untouched.
	assert.Equal(t, domain.StreamLifecycle, busChannel(domain.StreamLifecycle))
}

func TestParsePriceFields(t *testing.T) {
	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	vals := []interface{}{"0.53", strconv.FormatInt(ts.UnixNano(), 10)}

	price, got, ok := parsePriceFields(vals)
	assert.True(t, ok)
	assert.Equal(t, 0.53, price)
	assert.True(t, got.Equal(ts))

	_, _, ok = parsePriceFields([]interface{}{nil, nil})
	assert.False(t, ok)
	_, _, ok = parsePriceFields([]interface{}{"not-a-number", "0"})
	assert.False(t, ok)
}

func TestDecodePayload(t *testing.T) {
	p, ok := decodePayload("raw")
	assert.True(t, ok)
	assert.Equal(t, []byte("raw"), p)

	_, ok = decodePayload(42)
	assert.False(t, ok)
}
