// Package realm manages groups of portfolios: a user's implicit primary
// realm and the rooms users create to compete in. It layers realm-wide
// operations (price refresh, leaderboard, history) over the ledger store and
// the valuation functions.
package realm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/valuation"
)

// Defaults.
const (
	DefaultHistoryLimit = 200
	MaxHistoryLimit     = 1000
	DefaultConcurrency  = 8
	MaxRoomNameLen      = 80
)

// DefaultBaseline is the starting cash of a primary portfolio.
var DefaultBaseline = decimal.NewFromInt(100000)

// Aggregator implements realm lifecycle and realm-wide views.
type Aggregator struct {
	store        store.Store
	live         oracle.Oracle
	sim          *oracle.Simulator
	sink         events.Sink
	logger       *slog.Logger
	baseline     decimal.Decimal
	historyMax   int
	concurrency  int
	quoteTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLiveOracle sets the oracle refreshes try before simulating.
func WithLiveOracle(o oracle.Oracle) Option { return func(a *Aggregator) { a.live = o } }

// WithSimulator replaces the fallback price simulator.
func WithSimulator(s *oracle.Simulator) Option { return func(a *Aggregator) { a.sim = s } }

// WithSink sets where realm events are published.
func WithSink(s events.Sink) Option { return func(a *Aggregator) { a.sink = s } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(a *Aggregator) { a.logger = l } }

// WithDefaultBaseline sets the starting cash of primary portfolios.
func WithDefaultBaseline(b decimal.Decimal) Option { return func(a *Aggregator) { a.baseline = b } }

// WithHistoryMax caps how many samples ReadHistory returns.
func WithHistoryMax(n int) Option { return func(a *Aggregator) { a.historyMax = n } }

// WithConcurrency bounds how many symbols a refresh prices at once.
func WithConcurrency(n int) Option { return func(a *Aggregator) { a.concurrency = n } }

// WithQuoteTimeout bounds each live quote during a refresh.
func WithQuoteTimeout(d time.Duration) Option { return func(a *Aggregator) { a.quoteTimeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// NewAggregator creates an Aggregator over s.
func NewAggregator(s store.Store, opts ...Option) *Aggregator {
	a := &Aggregator{
		store:        s,
		sim:          oracle.NewSimulator(1),
		sink:         events.Discard{},
		logger:       slog.Default(),
		baseline:     DefaultBaseline,
		historyMax:   MaxHistoryLimit,
		concurrency:  DefaultConcurrency,
		quoteTimeout: 5 * time.Second,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.concurrency < 1 {
		a.concurrency = 1
	}
	return a
}

// --- Primary realm ---

// OpenPrimary creates the primary portfolio of userID with the default
// baseline. Opening twice fails with model.ErrConflict.
func (a *Aggregator) OpenPrimary(ctx context.Context, userID string) (*model.Portfolio, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, model.ErrNotAuthenticated
	}
	p, err := a.newPortfolio(ctx, model.PrimaryRealmID(userID), userID, a.baseline)
	if err != nil {
		return nil, err
	}
	a.logger.Info("primary account opened", "user_id", userID, "portfolio_id", p.ID, "baseline", p.Baseline.String())
	return p, nil
}

// GetRealm returns a room, or a synthesized primary realm when realmID
// names one whose portfolio exists.
func (a *Aggregator) GetRealm(ctx context.Context, realmID string) (*model.Realm, error) {
	if owner, ok := model.IsPrimaryRealm(realmID); ok {
		p, err := a.store.FindPortfolio(ctx, realmID, owner)
		if err != nil {
			return nil, storageErr(err)
		}
		return &model.Realm{
			ID:         realmID,
			Kind:       model.RealmPrimary,
			Name:       "primary",
			BaseAmount: p.Baseline,
			OwnerID:    owner,
			CreatedAt:  p.CreatedAt,
		}, nil
	}
	r, err := a.store.GetRealm(ctx, realmID)
	if err != nil {
		return nil, storageErr(err)
	}
	return r, nil
}

// PortfolioFor returns the portfolio of userID in realmID, or
// model.ErrNotFound if the user is not a participant.
func (a *Aggregator) PortfolioFor(ctx context.Context, realmID, userID string) (*model.Portfolio, error) {
	p, err := a.store.FindPortfolio(ctx, realmID, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	return p, nil
}

// Snapshot values one portfolio.
func (a *Aggregator) Snapshot(ctx context.Context, portfolioID string) (model.Snapshot, error) {
	p, positions, err := a.store.Snapshot(ctx, portfolioID)
	if err != nil {
		return model.Snapshot{}, storageErr(err)
	}
	return valuation.Snapshot(*p, positions), nil
}

// --- Rooms ---

// CreateRoom creates a room owned by ownerID and joins the owner to it.
func (a *Aggregator) CreateRoom(ctx context.Context, ownerID, name string, base decimal.Decimal) (*model.Realm, *model.Portfolio, error) {
	name = strings.TrimSpace(name)
	switch {
	case ownerID == "":
		return nil, nil, model.ErrNotAuthenticated
	case name == "":
		return nil, nil, model.Invalid("room name is required")
	case len(name) > MaxRoomNameLen:
		return nil, nil, model.Invalid("room name longer than %d characters", MaxRoomNameLen)
	case !base.IsPositive():
		return nil, nil, model.Invalid("base amount must be positive, got %s", base)
	}

	r := &model.Realm{
		ID:         a.newID(),
		Kind:       model.RealmRoom,
		Name:       name,
		BaseAmount: base,
		OwnerID:    ownerID,
		CreatedAt:  a.now(),
	}
	if err := a.store.CreateRealm(ctx, r); err != nil {
		return nil, nil, storageErr(err)
	}
	p, err := a.newPortfolio(ctx, r.ID, ownerID, base)
	if err != nil {
		// without its owner the room is unusable
		if derr := a.store.DeleteRealm(ctx, r.ID); derr != nil {
			a.logger.Error("room rollback failed", "realm_id", r.ID, "err", derr)
		}
		return nil, nil, err
	}

	a.logger.Info("room created", "realm_id", r.ID, "owner_id", ownerID, "base_amount", base.String())
	a.publish(ctx, events.Event{Type: events.TypeRoomCreated, RealmID: r.ID, OwnerID: ownerID, Data: r})
	return r, p, nil
}

// ListRooms lists every room with its participant count and the caller's
// relation to it, newest first.
func (a *Aggregator) ListRooms(ctx context.Context, userID string) ([]model.RoomSummary, error) {
	realms, err := a.store.ListRealms(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	out := make([]model.RoomSummary, 0, len(realms))
	for i := len(realms) - 1; i >= 0; i-- {
		r := realms[i]
		members, err := a.store.ListPortfolios(ctx, r.ID)
		if err != nil {
			return nil, storageErr(err)
		}
		joined := false
		for _, m := range members {
			if m.OwnerID == userID {
				joined = true
				break
			}
		}
		out = append(out, model.RoomSummary{
			Realm:        r,
			Participants: len(members),
			IsOwner:      r.OwnerID == userID,
			Joined:       joined,
		})
	}
	return out, nil
}

// JoinRoom creates the portfolio of userID in a room, funded with the
// room's base amount. Joining twice fails with model.ErrConflict.
func (a *Aggregator) JoinRoom(ctx context.Context, realmID, userID string) (*model.Portfolio, error) {
	r, err := a.room(ctx, realmID)
	if err != nil {
		return nil, err
	}
	p, err := a.newPortfolio(ctx, r.ID, userID, r.BaseAmount)
	if err != nil {
		return nil, err
	}
	a.logger.Info("room joined", "realm_id", r.ID, "user_id", userID)
	a.publish(ctx, events.Event{Type: events.TypeParticipantJoin, RealmID: r.ID, PortfolioID: p.ID, OwnerID: userID})
	return p, nil
}

// LeaveRoom deletes the caller's portfolio in a room.
func (a *Aggregator) LeaveRoom(ctx context.Context, realmID, userID string) error {
	if _, err := a.room(ctx, realmID); err != nil {
		return err
	}
	p, err := a.store.FindPortfolio(ctx, realmID, userID)
	if err != nil {
		return storageErr(err)
	}
	if err := a.store.DeletePortfolio(ctx, p.ID); err != nil {
		return storageErr(err)
	}
	a.logger.Info("room left", "realm_id", realmID, "user_id", userID)
	a.publish(ctx, events.Event{Type: events.TypeParticipantLeft, RealmID: realmID, PortfolioID: p.ID, OwnerID: userID})
	return nil
}

// DeleteRoom removes a room and everything in it. Only the owner may.
func (a *Aggregator) DeleteRoom(ctx context.Context, realmID, userID string) error {
	r, err := a.room(ctx, realmID)
	if err != nil {
		return err
	}
	if r.OwnerID != userID {
		return &model.TradeError{Kind: model.ErrForbidden, Reason: "only the owner can delete a room"}
	}
	if err := a.store.DeleteRealm(ctx, realmID); err != nil {
		return storageErr(err)
	}
	a.logger.Info("room deleted", "realm_id", realmID, "owner_id", userID)
	a.publish(ctx, events.Event{Type: events.TypeRoomDeleted, RealmID: realmID, OwnerID: userID})
	return nil
}

func (a *Aggregator) room(ctx context.Context, realmID string) (*model.Realm, error) {
	if _, ok := model.IsPrimaryRealm(realmID); ok {
		return nil, model.Invalid("%s is not a room", realmID)
	}
	r, err := a.store.GetRealm(ctx, realmID)
	if err != nil {
		return nil, storageErr(err)
	}
	return r, nil
}

func (a *Aggregator) newPortfolio(ctx context.Context, realmID, ownerID string, base decimal.Decimal) (*model.Portfolio, error) {
	p := &model.Portfolio{
		ID:                a.newID(),
		RealmID:           realmID,
		OwnerID:           ownerID,
		Cash:              base,
		Baseline:          base,
		ClosedRealizedPnL: decimal.Zero,
		CreatedAt:         a.now(),
	}
	if err := a.store.CreatePortfolio(ctx, p); err != nil {
		return nil, storageErr(err)
	}
	return p, nil
}

func (a *Aggregator) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = a.now()
	}
	if err := a.sink.Publish(ctx, e); err != nil {
		a.logger.Warn("event publish failed", "type", e.Type, "realm_id", e.RealmID, "err", err)
	}
}

// storageErr passes domain errors through and marks the rest as storage
// failures.
func storageErr(err error) error {
	if err == nil || model.KindOf(err) != model.KindInternal {
		return err
	}
	return &model.TradeError{Kind: model.ErrStorageFailure, Cause: err}
}

// ensureRealm returns model.ErrNotFound unless realmID exists.
func (a *Aggregator) ensureRealm(ctx context.Context, realmID string) error {
	_, err := a.GetRealm(ctx, realmID)
	if err != nil && errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("realm %s: %w", realmID, model.ErrNotFound)
	}
	return err
}
