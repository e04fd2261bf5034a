// Package model defines the core domain types shared across the portfolio engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Realm kinds.
const (
	RealmPrimary = "primary"
	RealmRoom    = "room"
)

// primaryPrefix marks the implicit single-portfolio realm of a user.
const primaryPrefix = "primary:"

// PrimaryRealmID returns the id of the implicit primary realm owned by userID.
func PrimaryRealmID(userID string) string {
	return primaryPrefix + userID
}

// IsPrimaryRealm reports whether id names a primary realm, and its owner.
func IsPrimaryRealm(id string) (ownerID string, ok bool) {
	if !strings.HasPrefix(id, primaryPrefix) {
		return "", false
	}
	ownerID = strings.TrimPrefix(id, primaryPrefix)
	return ownerID, ownerID != ""
}

// Realm groups portfolios for leaderboard and history purposes. Primary
// realms are never persisted; rooms are.
type Realm struct {
	ID         string          `json:"id" db:"id"`
	Kind       string          `json:"kind" db:"kind"` // "primary" or "room"
	Name       string          `json:"name" db:"name"`
	BaseAmount decimal.Decimal `json:"base_amount" db:"base_amount"` // baseline for new joiners
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// Portfolio is one owner's cash balance within one realm.
type Portfolio struct {
	ID       string          `json:"id" db:"id"`
	RealmID  string          `json:"realm_id" db:"realm_id"`
	OwnerID  string          `json:"owner_id" db:"owner_id"`
	Cash     decimal.Decimal `json:"cash" db:"cash"`
	Baseline decimal.Decimal `json:"baseline" db:"baseline"` // immutable after creation
	// ClosedRealizedPnL holds the realized P&L of positions that were sold
	// out and deleted.
	ClosedRealizedPnL decimal.Decimal `json:"closed_realized_pnl" db:"closed_realized_pnl"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	Seq               int64           `json:"-" db:"seq"` // insertion order within the store
}

// Position is a held quantity of one symbol. A row exists only while
// Quantity > 0.
type Position struct {
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Quantity    int64           `json:"quantity" db:"quantity"`
	AvgCost     decimal.Decimal `json:"avg_cost" db:"avg_cost"`
	LastPrice   decimal.Decimal `json:"last_price" db:"last_price"` // zero means never refreshed
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// MarkPrice returns the price the position is valued at: the last known
// price, or the average cost if it was never refreshed.
func (p Position) MarkPrice() decimal.Decimal {
	if p.LastPrice.IsPositive() {
		return p.LastPrice
	}
	return p.AvgCost
}

// HistorySample is an append-only net worth observation.
type HistorySample struct {
	ID          string          `json:"id" db:"id"`
	RealmID     string          `json:"realm_id" db:"realm_id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	Timestamp   time.Time       `json:"ts" db:"ts"`
	NetWorth    decimal.Decimal `json:"net_worth" db:"net_worth"`
}

// Holding is one position as reported in a snapshot, money rounded to cents.
type Holding struct {
	Symbol       string          `json:"symbol"`
	Quantity     int64           `json:"qty"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	LastPrice    decimal.Decimal `json:"last_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`
}

// Snapshot is the presentation view of a portfolio.
type Snapshot struct {
	PortfolioID        string          `json:"portfolio_id"`
	RealmID            string          `json:"realm_id"`
	OwnerID            string          `json:"owner_id"`
	Cash               decimal.Decimal `json:"cash"`
	NetWorth           decimal.Decimal `json:"net_worth"`
	Baseline           decimal.Decimal `json:"baseline"`
	Gains              decimal.Decimal `json:"overall_gains"`
	ReturnsPct         decimal.Decimal `json:"overall_returns_pct"`
	RealizedPnLTotal   decimal.Decimal `json:"realized_pnl_total"`
	UnrealizedPnLTotal decimal.Decimal `json:"unrealized_pnl_total"`
	NetWorthDisplay    string          `json:"net_worth_display"`
	GainsDisplay       string          `json:"overall_gains_display"`
	Holdings           []Holding       `json:"holdings"`
}

// LeaderboardEntry is one participant's standing within a realm.
type LeaderboardEntry struct {
	Rank        int             `json:"rank"`
	PortfolioID string          `json:"portfolio_id"`
	OwnerID     string          `json:"user_id"`
	Baseline    decimal.Decimal `json:"starting_principal"`
	Cash        decimal.Decimal `json:"cash"`
	NetWorth    decimal.Decimal `json:"net_worth"`
	Gains       decimal.Decimal `json:"gains"`
}

// PriceUpdate reports the price applied to every holder of a symbol during
// a realm refresh.
type PriceUpdate struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Simulated bool            `json:"simulated"`
	Holders   int64           `json:"holders"`
}

// SymbolExposure aggregates every holding of one symbol across a realm.
type SymbolExposure struct {
	Symbol    string          `json:"symbol"`
	Quantity  int64           `json:"quantity"`
	CostBasis decimal.Decimal `json:"cost_basis"` // Σ quantity × avg cost
	Holders   int64           `json:"holders"`
}

// ReferencePrice is the quantity-weighted average cost of the exposure.
func (e SymbolExposure) ReferencePrice() decimal.Decimal {
	if e.Quantity <= 0 {
		return decimal.Zero
	}
	return e.CostBasis.Div(decimal.NewFromInt(e.Quantity))
}

// RoomSummary is a room as listed to a user.
type RoomSummary struct {
	Realm
	Participants int  `json:"participants"`
	IsOwner      bool `json:"is_owner"`
	Joined       bool `json:"joined"`
}
