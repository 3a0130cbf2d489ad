// Package market resolves preset windows to tradable exchange markets.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

// gammaAPI is the slice of the Gamma client the resolver needs.
type gammaAPI interface {
	GetMarketBySlug(ctx context.Context, slug string) (domain.MarketSnapshot, error)
	ListMarketsBySeries(ctx context.Context, seriesSlug string, limit int) ([]domain.MarketSnapshot, error)
}

// Resolver maps a preset window to the up-or-down market listed for it. Slug
// timestamps drift between series, so several candidates are probed before
// falling back to a series listing.
type Resolver struct {
	gamma    gammaAPI
	logger   *slog.Logger
	deadline time.Duration
	interval time.Duration
}

// NewResolver creates a Resolver. deadline bounds how long Resolve keeps
// polling for a market that is not listed yet; interval is the poll cadence.
func NewResolver(gamma gammaAPI, logger *slog.Logger, deadline, interval time.Duration) *Resolver {
	return &Resolver{
		gamma:    gamma,
		logger:   logger.With(slog.String("component", "market.resolver")),
		deadline: deadline,
		interval: interval,
	}
}

// slugCandidates returns the market slugs that may identify the window
// starting at start. Hourly series sometimes anchor their slug timestamp up
// to 45 minutes before the window start, so quarter-hour offsets are probed
// as well.
func slugCandidates(p domain.Preset, start time.Time) []string {
	epoch := start.UTC().Unix()
	candidates := []string{fmt.Sprintf("%s-%d", p.MarketSlugPrefix, epoch)}
	if p.Timeframe == "1h" {
		for _, off := range []int64{900, 1800, 2700} {
			candidates = append(candidates,
				fmt.Sprintf("%s-%d", p.MarketSlugPrefix, epoch-off),
				fmt.Sprintf("%s-%d", p.MarketSlugPrefix, epoch+off),
			)
		}
	}
	return candidates
}

// Resolve finds the tradable market for the window. It probes slug candidates
// and the series listing until the deadline elapses, then returns
// domain.ErrMarketUnresolved.
func (r *Resolver) Resolve(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		snap, err := r.probe(ctx, preset, window)
		if err == nil {
			r.logger.Info("market resolved",
				slog.String("preset", preset.Name),
				slog.String("slug", snap.Slug),
				slog.Time("window_start", window.Start))
			return snap, nil
		}
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrMarketUnresolved) {
			// Transient upstream trouble still counts against the deadline
			// but is worth logging.
			r.logger.Warn("market probe failed",
				slog.String("preset", preset.Name),
				slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return domain.MarketSnapshot{}, fmt.Errorf("market: resolve %s window %d: %w",
				preset.Name, window.Start.Unix(), domain.ErrMarketUnresolved)
		case <-ticker.C:
		}
	}
}

// Snapshot refreshes the state of an already-resolved market by slug.
func (r *Resolver) Snapshot(ctx context.Context, slug string) (domain.MarketSnapshot, error) {
	return r.gamma.GetMarketBySlug(ctx, slug)
}

// probe runs one resolution round: every slug candidate, then the series
// listing.
func (r *Resolver) probe(ctx context.Context, preset domain.Preset, window domain.Window) (domain.MarketSnapshot, error) {
	for _, slug := range slugCandidates(preset, window.Start) {
		snap, err := r.gamma.GetMarketBySlug(ctx, slug)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return domain.MarketSnapshot{}, err
		}
		if snap.Tradable() {
			return snap, nil
		}
	}

	// Fall back to the series listing and match by prefix and end date.
	snaps, err := r.gamma.ListMarketsBySeries(ctx, preset.SeriesSlug, 20)
	if err != nil {
		return domain.MarketSnapshot{}, err
	}
	for _, snap := range snaps {
		if !strings.HasPrefix(snap.Slug, preset.MarketSlugPrefix+"-") {
			continue
		}
		if !snap.Tradable() {
			continue
		}
		// The market for this window settles at (or within a minute of) the
		// window end.
		if snap.EndDate.IsZero() {
			continue
		}
		diff := snap.EndDate.Sub(window.End)
		if diff < 0 {
			diff = -diff
		}
		if diff <= time.Minute {
			return snap, nil
		}
	}

	return domain.MarketSnapshot{}, fmt.Errorf("market: no listing for %s window %d: %w",
		preset.Name, window.Start.Unix(), domain.ErrMarketUnresolved)
}
