// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-node runs).
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// Mutation is the state a MutateFunc wants written back for one
// (portfolio, symbol) pair.
type Mutation struct {
	Cash              decimal.Decimal
	ClosedRealizedPnL decimal.Decimal
	// Position is the new row for the symbol. Nil deletes it.
	Position *model.Position
}

// MutateFunc computes a Mutation from the current portfolio and the current
// position for the symbol (nil if none). Returning an error aborts the
// mutation and nothing is written.
type MutateFunc func(p model.Portfolio, pos *model.Position) (Mutation, error)

// Store is the persistence interface. Apply is the only way cash and
// positions change, and calls to Apply for the same portfolio never
// interleave.
type Store interface {
	// --- Realms ---

	// CreateRealm persists a room realm. Primary realms are never stored.
	CreateRealm(ctx context.Context, r *model.Realm) error

	// GetRealm returns a room realm or model.ErrNotFound.
	GetRealm(ctx context.Context, id string) (*model.Realm, error)

	// ListRealms returns all room realms, oldest first.
	ListRealms(ctx context.Context) ([]model.Realm, error)

	// DeleteRealm removes a room realm with all its portfolios, positions
	// and history.
	DeleteRealm(ctx context.Context, id string) error

	// --- Portfolios ---

	// CreatePortfolio persists a new portfolio. A second portfolio for the
	// same (realm, owner) fails with model.ErrConflict.
	CreatePortfolio(ctx context.Context, p *model.Portfolio) error

	// GetPortfolio returns a portfolio or model.ErrNotFound.
	GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error)

	// FindPortfolio returns the portfolio of owner in realm or model.ErrNotFound.
	FindPortfolio(ctx context.Context, realmID, ownerID string) (*model.Portfolio, error)

	// ListPortfolios returns the portfolios of a realm in insertion order.
	ListPortfolios(ctx context.Context, realmID string) ([]model.Portfolio, error)

	// DeletePortfolio removes a portfolio with its positions and history.
	DeletePortfolio(ctx context.Context, id string) error

	// --- Positions ---

	// GetPosition returns the position for symbol, or nil if none is held.
	GetPosition(ctx context.Context, portfolioID, symbol string) (*model.Position, error)

	// ListPositions returns the open positions of a portfolio by symbol.
	ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error)

	// Apply runs fn against the current state of (portfolio, symbol) and
	// writes its result atomically.
	Apply(ctx context.Context, portfolioID, symbol string, fn MutateFunc) (*model.Portfolio, *model.Position, error)

	// Snapshot reads a portfolio and its positions as of one point between
	// mutations.
	Snapshot(ctx context.Context, portfolioID string) (*model.Portfolio, []model.Position, error)

	// --- Realm-wide price updates ---

	// RealmSymbols aggregates the open positions of a realm per symbol.
	RealmSymbols(ctx context.Context, realmID string) ([]model.SymbolExposure, error)

	// SetRealmPrice sets the last price of symbol for every holder in the
	// realm in one step and returns the number of rows updated.
	SetRealmPrice(ctx context.Context, realmID, symbol string, price decimal.Decimal) (int64, error)

	// --- History ---

	// InsertHistory appends a history sample.
	InsertHistory(ctx context.Context, h *model.HistorySample) error

	// ListHistory returns up to limit samples of a portfolio, oldest first.
	ListHistory(ctx context.Context, portfolioID string, limit int) ([]model.HistorySample, error)
}
