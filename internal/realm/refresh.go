package realm

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
)

// RefreshPrices reprices every symbol held in a realm. Each symbol is quoted
// from the live oracle when one is configured and answers in time, and
// simulated around the realm's average cost otherwise. Every holder of a
// symbol gets the same price in one store step. Symbols are priced
// concurrently and independently of each other.
func (a *Aggregator) RefreshPrices(ctx context.Context, realmID string) ([]model.PriceUpdate, error) {
	if err := a.ensureRealm(ctx, realmID); err != nil {
		return nil, err
	}
	exposures, err := a.store.RealmSymbols(ctx, realmID)
	if err != nil {
		return nil, storageErr(err)
	}

	updates := make([]model.PriceUpdate, len(exposures))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, exp := range exposures {
		g.Go(func() error {
			q, err := a.price(gctx, exp)
			if err != nil {
				return err
			}
			n, err := a.store.SetRealmPrice(gctx, realmID, exp.Symbol, q.Price)
			if err != nil {
				return storageErr(fmt.Errorf("set price of %s: %w", exp.Symbol, err))
			}
			updates[i] = model.PriceUpdate{Symbol: exp.Symbol, Price: q.Price, Simulated: q.Simulated, Holders: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.logger.Error("price refresh failed", "realm_id", realmID, "err", err)
		return nil, err
	}

	sort.Slice(updates, func(i, j int) bool { return updates[i].Symbol < updates[j].Symbol })
	a.logger.Info("prices refreshed", "realm_id", realmID, "symbols", len(updates))
	a.publish(ctx, events.Event{Type: events.TypePricesRefreshed, RealmID: realmID, Data: updates})
	return updates, nil
}

func (a *Aggregator) price(ctx context.Context, exp model.SymbolExposure) (oracle.Quote, error) {
	if a.live != nil {
		qctx, cancel := context.WithTimeout(ctx, a.quoteTimeout)
		q, err := a.live.Quote(qctx, exp.Symbol)
		cancel()
		if err == nil && q.Price.IsPositive() {
			metrics.PriceRefreshes.WithLabelValues("live").Inc()
			return q, nil
		}
		if ctx.Err() != nil {
			return oracle.Quote{}, ctx.Err()
		}
		a.logger.Warn("live quote failed, simulating", "symbol", exp.Symbol, "err", err)
	}

	q, err := a.sim.Around(exp.Symbol, exp.ReferencePrice())
	if err != nil {
		return oracle.Quote{}, &model.TradeError{Kind: model.ErrPriceUnavailable, Symbol: exp.Symbol, Cause: err}
	}
	metrics.PriceRefreshes.WithLabelValues("simulated").Inc()
	return q, nil
}
