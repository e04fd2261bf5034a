// Package valuation derives market value, P&L and returns from ledger state.
// Every function is pure; rounding happens only in Snapshot.
package valuation

import (
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Currency all display strings are rendered in.
const Currency = money.USD

var hundred = decimal.NewFromInt(100)

// MarketValue is quantity × mark price.
func MarketValue(pos model.Position) decimal.Decimal {
	return pos.MarkPrice().Mul(decimal.NewFromInt(pos.Quantity))
}

// UnrealizedPL is (mark price − average cost) × quantity.
func UnrealizedPL(pos model.Position) decimal.Decimal {
	return pos.MarkPrice().Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.Quantity))
}

// NetWorth is cash plus the market value of every position.
func NetWorth(cash decimal.Decimal, positions []model.Position) decimal.Decimal {
	total := cash
	for _, pos := range positions {
		total = total.Add(MarketValue(pos))
	}
	return total
}

// Gains is net worth minus the starting baseline.
func Gains(netWorth, baseline decimal.Decimal) decimal.Decimal {
	return netWorth.Sub(baseline)
}

// ReturnsPct is gains / baseline × 100. A zero baseline has no meaningful
// ratio, so gains × 100 is reported instead.
func ReturnsPct(gains, baseline decimal.Decimal) decimal.Decimal {
	if baseline.IsZero() {
		return gains.Mul(hundred)
	}
	return gains.Div(baseline).Mul(hundred)
}

// RealizedTotal is the realized P&L of closed positions plus that of open ones.
func RealizedTotal(p model.Portfolio, positions []model.Position) decimal.Decimal {
	total := p.ClosedRealizedPnL
	for _, pos := range positions {
		total = total.Add(pos.RealizedPnL)
	}
	return total
}

// UnrealizedTotal sums UnrealizedPL over positions.
func UnrealizedTotal(positions []model.Position) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range positions {
		total = total.Add(UnrealizedPL(pos))
	}
	return total
}

// Display formats amount in Currency, e.g. "$1,234.50".
func Display(amount decimal.Decimal) string {
	cur := *money.New(0, Currency).Currency()
	minor := amount.Round(int32(cur.Fraction)).Shift(int32(cur.Fraction))
	return cur.Formatter().Format(minor.IntPart())
}

func cents(v decimal.Decimal) decimal.Decimal { return v.Round(2) }

// Snapshot values a portfolio for presentation. Calling it twice on the same
// state yields the same result.
func Snapshot(p model.Portfolio, positions []model.Position) model.Snapshot {
	netWorth := NetWorth(p.Cash, positions)
	gains := Gains(netWorth, p.Baseline)

	holdings := make([]model.Holding, 0, len(positions))
	for _, pos := range positions {
		holdings = append(holdings, model.Holding{
			Symbol:       pos.Symbol,
			Quantity:     pos.Quantity,
			AvgCost:      cents(pos.AvgCost),
			LastPrice:    cents(pos.MarkPrice()),
			MarketValue:  cents(MarketValue(pos)),
			UnrealizedPL: cents(UnrealizedPL(pos)),
			RealizedPnL:  cents(pos.RealizedPnL),
		})
	}

	return model.Snapshot{
		PortfolioID:        p.ID,
		RealmID:            p.RealmID,
		OwnerID:            p.OwnerID,
		Cash:               cents(p.Cash),
		NetWorth:           cents(netWorth),
		Baseline:           cents(p.Baseline),
		Gains:              cents(gains),
		ReturnsPct:         cents(ReturnsPct(gains, p.Baseline)),
		RealizedPnLTotal:   cents(RealizedTotal(p, positions)),
		UnrealizedPnLTotal: cents(UnrealizedTotal(positions)),
		NetWorthDisplay:    Display(netWorth),
		GainsDisplay:       Display(gains),
		Holdings:           holdings,
	}
}
