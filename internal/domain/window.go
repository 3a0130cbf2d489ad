package domain

import (
	"fmt"
	"strings"
	"time"
)

// Preset is an independently scheduled trading configuration: one instrument
// and timeframe with its own window cadence and position lifecycle.
type Preset struct {
	Name             string // e.g. "eth-1h"
	Symbol           string // e.g. "ETH"
	Timeframe        string // "15m", "1h", "4h", "1d"
	WindowSeconds    int
	SeriesSlug       string // e.g. "eth-up-or-down-1h"
	MarketSlugPrefix string // e.g. "eth-updown-1h"
}

// Window is the bounded interval during which one position may be open for a
// preset. Windows are derived from the cadence, never persisted.
type Window struct {
	Preset string
	Start  time.Time
	End    time.Time
}

// WindowAt returns the window of this preset containing t.
func (p Preset) WindowAt(t time.Time) Window {
	sec := int64(p.WindowSeconds)
	start := (t.UTC().Unix() / sec) * sec
	return Window{
		Preset: p.Name,
		Start:  time.Unix(start, 0).UTC(),
		End:    time.Unix(start+sec, 0).UTC(),
	}
}

// WindowStartingAt returns the window of this preset that begins exactly at
// start. start is truncated to the cadence grid first.
func (p Preset) WindowStartingAt(start time.Time) Window {
	return p.WindowAt(start)
}

// MarketSlug builds the canonical market slug for the window beginning at
// start, e.g. "eth-updown-1h-1756468800".
func (p Preset) MarketSlug(start time.Time) string {
	return fmt.Sprintf("%s-%d", p.MarketSlugPrefix, start.UTC().Unix())
}

// Contains reports whether t falls inside the window (start inclusive, end
// exclusive).
func (w Window) Contains(t time.Time) bool {
	u := t.UTC()
	return !u.Before(w.Start) && u.Before(w.End)
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// timeframeSeconds maps supported timeframe labels to window lengths.
var timeframeSeconds = map[string]int{
	"15m": 15 * 60,
	"1h":  60 * 60,
	"4h":  4 * 60 * 60,
	"1d":  24 * 60 * 60,
}

// seriesBases maps supported symbols to their Polymarket series and market
// slug bases.
var seriesBases = map[string]struct{ series, market string }{
	"ETH": {"eth-up-or-down", "eth-updown"},
	"BTC": {"btc-up-or-down", "btc-updown"},
	"SOL": {"solana-up-or-down", "sol-updown"},
	"XRP": {"xrp-up-or-down", "xrp-updown"},
}

// ParsePreset resolves a preset name like "eth-1h" from the supported matrix.
func ParsePreset(name string) (Preset, error) {
	sym, tf, ok := strings.Cut(name, "-")
	if !ok {
		return Preset{}, fmt.Errorf("domain: malformed preset name %q", name)
	}
	return NewPreset(strings.ToUpper(sym), tf)
}

// NewPreset builds the preset for a supported symbol and timeframe. It
// returns an error for combinations outside the supported matrix.
func NewPreset(symbol, timeframe string) (Preset, error) {
	base, ok := seriesBases[symbol]
	if !ok {
		return Preset{}, fmt.Errorf("domain: unsupported symbol %q", symbol)
	}
	sec, ok := timeframeSeconds[timeframe]
	if !ok {
		return Preset{}, fmt.Errorf("domain: unsupported timeframe %q", timeframe)
	}
	return Preset{
		Name:             fmt.Sprintf("%s-%s", strings.ToLower(symbol), timeframe),
		Symbol:           symbol,
		Timeframe:        timeframe,
		WindowSeconds:    sec,
		SeriesSlug:       fmt.Sprintf("%s-%s", base.series, timeframe),
		MarketSlugPrefix: fmt.Sprintf("%s-%s", base.market, timeframe),
	}, nil
}
