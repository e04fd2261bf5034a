package realm

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Leaderboard sort keys.
const (
	SortNetWorth = "net_worth"
	SortAssets   = "assets" // alias of net_worth
	SortGains    = "gains"
)

// Leaderboard ranks the participants of a realm by net worth or gains,
// highest first. Ties keep the order in which participants joined. An empty
// sortBy ranks by net worth.
func (a *Aggregator) Leaderboard(ctx context.Context, realmID, sortBy string) ([]model.LeaderboardEntry, error) {
	var byGains bool
	switch strings.ToLower(strings.TrimSpace(sortBy)) {
	case "", SortNetWorth, SortAssets:
	case SortGains:
		byGains = true
	default:
		return nil, model.Invalid("unknown sort key %q", sortBy)
	}
	if err := a.ensureRealm(ctx, realmID); err != nil {
		return nil, err
	}

	members, err := a.store.ListPortfolios(ctx, realmID)
	if err != nil {
		return nil, storageErr(err)
	}
	entries := make([]model.LeaderboardEntry, 0, len(members))
	for _, m := range members {
		p, positions, err := a.store.Snapshot(ctx, m.ID)
		if errors.Is(err, model.ErrNotFound) {
			// left between listing and valuation
			continue
		}
		if err != nil {
			return nil, storageErr(err)
		}
		nw := valuation.NetWorth(p.Cash, positions)
		entries = append(entries, model.LeaderboardEntry{
			PortfolioID: p.ID,
			OwnerID:     p.OwnerID,
			Baseline:    p.Baseline,
			Cash:        p.Cash,
			NetWorth:    nw,
			Gains:       valuation.Gains(nw, p.Baseline),
		})
	}

	key := func(e model.LeaderboardEntry) decimal.Decimal {
		if byGains {
			return e.Gains
		}
		return e.NetWorth
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return key(entries[i]).GreaterThan(key(entries[j]))
	})
	for i := range entries {
		e := &entries[i]
		e.Rank = i + 1
		e.Cash = e.Cash.Round(2)
		e.NetWorth = e.NetWorth.Round(2)
		e.Gains = e.Gains.Round(2)
	}
	return entries, nil
}

// RecordHistory appends the current net worth of a portfolio to its history.
func (a *Aggregator) RecordHistory(ctx context.Context, portfolioID string) (*model.HistorySample, error) {
	p, positions, err := a.store.Snapshot(ctx, portfolioID)
	if err != nil {
		return nil, storageErr(err)
	}
	h := &model.HistorySample{
		ID:          a.newID(),
		RealmID:     p.RealmID,
		PortfolioID: p.ID,
		Timestamp:   a.now(),
		NetWorth:    valuation.NetWorth(p.Cash, positions).Round(2),
	}
	if err := a.store.InsertHistory(ctx, h); err != nil {
		return nil, storageErr(err)
	}
	metrics.HistorySamples.Inc()
	return h, nil
}

// ReadHistory returns up to limit samples of a portfolio, oldest first.
// A non-positive limit reads DefaultHistoryLimit samples; larger limits are
// capped.
func (a *Aggregator) ReadHistory(ctx context.Context, portfolioID string, limit int) ([]model.HistorySample, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if a.historyMax > 0 && limit > a.historyMax {
		limit = a.historyMax
	}
	if _, err := a.store.GetPortfolio(ctx, portfolioID); err != nil {
		return nil, storageErr(err)
	}
	samples, err := a.store.ListHistory(ctx, portfolioID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	if samples == nil {
		samples = []model.HistorySample{}
	}
	return samples, nil
}

// SampleAll records a history sample for every portfolio of every room and
// returns how many were written. A failing portfolio does not stop the rest.
func (a *Aggregator) SampleAll(ctx context.Context) (int, error) {
	realms, err := a.store.ListRealms(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	var (
		n    int
		errs []error
	)
	for _, r := range realms {
		members, err := a.store.ListPortfolios(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, m := range members {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			if _, err := a.RecordHistory(ctx, m.ID); err != nil {
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				errs = append(errs, err)
				continue
			}
			n++
		}
	}
	if len(errs) > 0 {
		a.logger.Warn("history sampling incomplete", "written", n, "failed", len(errs))
	}
	return n, errors.Join(errs...)
}
