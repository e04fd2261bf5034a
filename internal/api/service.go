// Package api exposes the ledger over HTTP: account registration, trading,
// rooms, leaderboards, history and a realtime event stream.
//
// All monetary values use shopspring/decimal; never float64 for money.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/auth"
	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/realm"
	"github.com/atmx/portfolio-engine/internal/trade"
)

const maxBodyBytes = 1 << 20

// Service holds the HTTP handlers.
type Service struct {
	engine       *trade.Engine
	realms       *realm.Aggregator
	quotes       oracle.Oracle
	hub          *events.WSHub
	logger       *slog.Logger
	quoteTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithQuotes enables GET /quote against o.
func WithQuotes(o oracle.Oracle, timeout time.Duration) Option {
	return func(s *Service) {
		s.quotes = o
		if timeout > 0 {
			s.quoteTimeout = timeout
		}
	}
}

// WithHub enables GET /ws.
func WithHub(h *events.WSHub) Option { return func(s *Service) { s.hub = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates the HTTP service.
func NewService(engine *trade.Engine, realms *realm.Aggregator, opts ...Option) *Service {
	s := &Service{
		engine:       engine,
		realms:       realms,
		logger:       slog.Default(),
		quoteTimeout: trade.DefaultQuoteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestTimeout bounds every route except the event stream.
const RequestTimeout = 30 * time.Second

// Mount registers the /api/v1 routes on r behind bearer token auth.
func (s *Service) Mount(r chi.Router, verifier auth.JWT) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(verifier, WriteError))
		r.Get("/ws", s.Stream)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Post("/accounts", s.OpenAccount)
			r.Get("/quote", s.GetQuote)

			// Primary realm.
			r.Get("/portfolio", s.GetPortfolio)
			r.Post("/buy", s.Buy)
			r.Post("/sell", s.Sell)
			r.Post("/refresh-prices", s.RefreshPrices)
			r.Post("/record-history", s.RecordHistory)
			r.Get("/history", s.GetHistory)

			// Rooms.
			r.Get("/rooms", s.ListRooms)
			r.Post("/rooms", s.CreateRoom)
			r.Route("/rooms/{realmID}", func(r chi.Router) {
				r.Delete("/", s.DeleteRoom)
				r.Post("/join", s.JoinRoom)
				r.Post("/leave", s.LeaveRoom)
				r.Get("/portfolio", s.GetPortfolio)
				r.Post("/buy", s.Buy)
				r.Post("/sell", s.Sell)
				r.Post("/refresh-prices", s.RefreshPrices)
				r.Get("/leaderboard", s.Leaderboard)
				r.Post("/record-history", s.RecordHistory)
				r.Get("/history", s.GetHistory)
			})
		})
	})
}

// --- Request/Response types ---

// TradeRequest is the JSON body of the buy and sell routes. Omitting price
// trades at the oracle's quote.
type TradeRequest struct {
	Symbol   string              `json:"symbol"`
	Quantity int64               `json:"quantity"`
	Price    decimal.NullDecimal `json:"price"`
}

// TradeResponse is returned from the buy and sell routes.
type TradeResponse struct {
	Trade     *trade.Result  `json:"trade"`
	Portfolio model.Snapshot `json:"portfolio"`
}

// CreateRoomRequest is the JSON body of POST /rooms.
type CreateRoomRequest struct {
	Name       string          `json:"name"`
	BaseAmount decimal.Decimal `json:"base_amount"`
}

// RoomResponse is returned when a room is created.
type RoomResponse struct {
	Realm     *model.Realm   `json:"realm"`
	Portfolio model.Snapshot `json:"portfolio"`
}

// RefreshResponse is returned from the refresh routes.
type RefreshResponse struct {
	RealmID string              `json:"realm_id"`
	Prices  []model.PriceUpdate `json:"prices"`
}

// --- Accounts and portfolios ---

// OpenAccount handles POST /api/v1/accounts
// Opens the caller's primary portfolio with the default baseline.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.realms.OpenPrimary(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.realms.Snapshot(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetPortfolio handles GET /api/v1/portfolio and /api/v1/rooms/{realmID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := s.callerPortfolio(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.realms.Snapshot(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Buy handles POST /api/v1/buy and /api/v1/rooms/{realmID}/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.engine.Buy)
}

// Sell handles POST /api/v1/sell and /api/v1/rooms/{realmID}/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	s.trade(w, r, s.engine.Sell)
}

func (s *Service) trade(w http.ResponseWriter, r *http.Request, exec func(context.Context, trade.Order) (*trade.Result, error)) {
	var req TradeRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.callerPortfolio(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, err := exec(r.Context(), trade.Order{
		PortfolioID: p.ID,
		Symbol:      req.Symbol,
		Quantity:    req.Quantity,
		Price:       req.Price,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.realms.Snapshot(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{Trade: res, Portfolio: snap})
}

// RefreshPrices handles POST /api/v1/refresh-prices and
// /api/v1/rooms/{realmID}/refresh-prices. Only participants may refresh.
func (s *Service) RefreshPrices(w http.ResponseWriter, r *http.Request) {
	p, err := s.callerPortfolio(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	updates, err := s.realms.RefreshPrices(r.Context(), p.RealmID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{RealmID: p.RealmID, Prices: updates})
}

// RecordHistory handles POST /api/v1/record-history and
// /api/v1/rooms/{realmID}/record-history
func (s *Service) RecordHistory(w http.ResponseWriter, r *http.Request) {
	p, err := s.callerPortfolio(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	h, err := s.realms.RecordHistory(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h)
}

// GetHistory handles GET /api/v1/history?limit= and
// /api/v1/rooms/{realmID}/history?limit=
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(w, r, model.Invalid("limit must be an integer, got %q", v))
			return
		}
		limit = n
	}
	p, err := s.callerPortfolio(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	samples, err := s.realms.ReadHistory(r.Context(), p.ID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// --- Rooms ---

// ListRooms handles GET /api/v1/rooms
func (s *Service) ListRooms(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rooms, err := s.realms.ListRooms(r.Context(), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rooms)
}

// CreateRoom handles POST /api/v1/rooms
func (s *Service) CreateRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decode(w, r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rm, p, err := s.realms.CreateRoom(r.Context(), user, req.Name, req.BaseAmount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.realms.Snapshot(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RoomResponse{Realm: rm, Portfolio: snap})
}

// DeleteRoom handles DELETE /api/v1/rooms/{realmID}
func (s *Service) DeleteRoom(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.realms.DeleteRoom(r.Context(), chi.URLParam(r, "realmID"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// JoinRoom handles POST /api/v1/rooms/{realmID}/join
func (s *Service) JoinRoom(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	p, err := s.realms.JoinRoom(r.Context(), chi.URLParam(r, "realmID"), user)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	snap, err := s.realms.Snapshot(r.Context(), p.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// LeaveRoom handles POST /api/v1/rooms/{realmID}/leave
func (s *Service) LeaveRoom(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.realms.LeaveRoom(r.Context(), chi.URLParam(r, "realmID"), user); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Leaderboard handles GET /api/v1/rooms/{realmID}/leaderboard?sort=
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sort")
	if sortBy == "" {
		sortBy = realm.SortAssets
	}
	board, err := s.realms.Leaderboard(r.Context(), chi.URLParam(r, "realmID"), sortBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}

// --- Quotes and events ---

// GetQuote handles GET /api/v1/quote?symbol=
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol, err := trade.NormalizeSymbol(r.URL.Query().Get("symbol"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.quotes == nil {
		s.fail(w, r, &model.TradeError{Kind: model.ErrPriceUnavailable, Symbol: symbol, Reason: "no price source configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.quoteTimeout)
	defer cancel()
	q, err := s.quotes.Quote(ctx, symbol)
	if err != nil {
		s.fail(w, r, &model.TradeError{Kind: model.ErrPriceUnavailable, Symbol: symbol, Cause: err})
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Stream handles GET /api/v1/ws?realm=
// Subscribes the caller to events of a realm they participate in; without
// realm, to their primary realm.
func (s *Service) Stream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.fail(w, r, &model.TradeError{Kind: model.ErrNotFound, Reason: "event stream disabled"})
		return
	}
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	realmID := r.URL.Query().Get("realm")
	if realmID == "" {
		realmID = model.PrimaryRealmID(user)
	}
	if _, err := s.realms.PortfolioFor(r.Context(), realmID, user); err != nil {
		s.fail(w, r, err)
		return
	}
	s.hub.Serve(w, r, realmID)
}

// callerPortfolio resolves the caller's portfolio in the realm named by the
// route, or in their primary realm.
func (s *Service) callerPortfolio(r *http.Request) (*model.Portfolio, error) {
	user, err := auth.UserFromContext(r.Context())
	if err != nil {
		return nil, err
	}
	realmID := chi.URLParam(r, "realmID")
	if realmID == "" {
		realmID = model.PrimaryRealmID(user)
	}
	return s.realms.PortfolioFor(r.Context(), realmID, user)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Invalid("invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
