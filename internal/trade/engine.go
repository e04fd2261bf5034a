// Package trade executes buy and sell orders against the ledger store.
//
// An order is validated, priced (by the caller or the price oracle), and then
// applied through store.Apply so that cash and the position change together
// or not at all. Position checks run once before pricing for fast rejection
// and again inside Apply, where they are authoritative.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/metrics"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Price sources reported in a Result.
const (
	SourceCaller = "caller"
	SourceOracle = "oracle"
)

// MaxSymbolLen bounds symbol length after normalization.
const MaxSymbolLen = 32

var symbolRE = regexp.MustCompile(`^[A-Z0-9.:^=\-]+$`)

// DefaultQuoteTimeout bounds an oracle lookup when no timeout is configured.
const DefaultQuoteTimeout = 5 * time.Second

// Order is a request to trade quantity shares of symbol. A null Price asks
// the engine to quote the symbol.
type Order struct {
	PortfolioID string
	Symbol      string
	Quantity    int64
	Price       decimal.NullDecimal
}

// Result describes an executed trade and the state it left behind.
type Result struct {
	TradeID     string          `json:"trade_id"`
	Side        Side            `json:"side"`
	Symbol      string          `json:"symbol"`
	Quantity    int64           `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	PriceSource string          `json:"price_source"`
	Simulated   bool            `json:"simulated"`
	// Amount is the cost of a buy or the proceeds of a sell.
	Amount        decimal.Decimal `json:"amount"`
	RealizedDelta decimal.Decimal `json:"realized_pnl_delta"`
	Portfolio     model.Portfolio `json:"portfolio"`
	Position      *model.Position `json:"position"`
	Closed        bool            `json:"position_closed"`
	ExecutedAt    time.Time       `json:"executed_at"`
}

// Engine executes trades. It is safe for concurrent use.
type Engine struct {
	store        store.Store
	oracle       oracle.Oracle
	sink         events.Sink
	logger       *slog.Logger
	quoteTimeout time.Duration
	now          func() time.Time
	newID        func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithOracle sets the oracle used for orders without a price.
func WithOracle(o oracle.Oracle) Option { return func(e *Engine) { e.oracle = o } }

// WithSink sets where executed trades are published.
func WithSink(s events.Sink) Option { return func(e *Engine) { e.sink = s } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithQuoteTimeout bounds each oracle lookup.
func WithQuoteTimeout(d time.Duration) Option { return func(e *Engine) { e.quoteTimeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine over s.
func NewEngine(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:        s,
		sink:         events.Discard{},
		logger:       slog.Default(),
		quoteTimeout: DefaultQuoteTimeout,
		now:          func() time.Time { return time.Now().UTC() },
		newID:        func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NormalizeSymbol trims and upper-cases symbol and checks its shape.
func NormalizeSymbol(symbol string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	switch {
	case s == "":
		return "", model.Invalid("symbol is required")
	case len(s) > MaxSymbolLen:
		return "", model.Invalid("symbol longer than %d characters", MaxSymbolLen)
	case !symbolRE.MatchString(s):
		return "", model.Invalid("symbol %q has invalid characters", s)
	}
	return s, nil
}

// Buy debits price × quantity from cash and adds to the position at a
// weighted average cost.
func (e *Engine) Buy(ctx context.Context, o Order) (*Result, error) {
	return e.execute(ctx, Buy, o)
}

// Sell credits price × quantity to cash and books (price − avg cost) ×
// quantity as realized P&L. Selling the whole position removes it.
func (e *Engine) Sell(ctx context.Context, o Order) (*Result, error) {
	return e.execute(ctx, Sell, o)
}

func (e *Engine) execute(ctx context.Context, side Side, o Order) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, side, o)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(string(side), model.KindOf(err)).Inc()
		e.logger.Info("trade rejected",
			"side", side,
			"portfolio_id", o.PortfolioID,
			"symbol", o.Symbol,
			"quantity", o.Quantity,
			"kind", model.KindOf(err),
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	metrics.TradedNotional.WithLabelValues(string(side)).Add(res.Amount.InexactFloat64())

	e.logger.Info("trade executed",
		"trade_id", res.TradeID,
		"side", side,
		"portfolio_id", res.Portfolio.ID,
		"realm_id", res.Portfolio.RealmID,
		"symbol", res.Symbol,
		"quantity", res.Quantity,
		"price", res.Price.String(),
		"simulated", res.Simulated,
		"cash", res.Portfolio.Cash.String(),
	)

	price, cash := res.Price, res.Portfolio.Cash
	e.sink.Publish(ctx, events.Event{
		Type:        events.TypeTradeExecuted,
		RealmID:     res.Portfolio.RealmID,
		PortfolioID: res.Portfolio.ID,
		OwnerID:     res.Portfolio.OwnerID,
		TradeID:     res.TradeID,
		Side:        string(side),
		Symbol:      res.Symbol,
		Quantity:    res.Quantity,
		Price:       &price,
		Simulated:   res.Simulated,
		Cash:        &cash,
		At:          res.ExecutedAt,
	})
	return res, nil
}

func (e *Engine) run(ctx context.Context, side Side, o Order) (*Result, error) {
	symbol, err := NormalizeSymbol(o.Symbol)
	if err != nil {
		return nil, err
	}
	if o.Quantity <= 0 {
		return nil, model.Invalid("quantity must be a positive integer, got %d", o.Quantity)
	}
	if o.PortfolioID == "" {
		return nil, model.Invalid("portfolio id is required")
	}
	if o.Price.Valid && !o.Price.Decimal.IsPositive() {
		return nil, model.Invalid("price must be positive, got %s", o.Price.Decimal)
	}

	if err := e.precheck(ctx, side, o.PortfolioID, symbol, o.Quantity); err != nil {
		return nil, err
	}

	price, simulated, source, err := e.resolvePrice(ctx, symbol, o.Price)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TradeID:     e.newID(),
		Side:        side,
		Symbol:      symbol,
		Quantity:    o.Quantity,
		Price:       price,
		PriceSource: source,
		Simulated:   simulated,
		ExecutedAt:  e.now(),
	}

	var fn store.MutateFunc
	if side == Buy {
		fn = buyMutation(res)
	} else {
		fn = sellMutation(res)
	}

	p, pos, err := e.store.Apply(ctx, o.PortfolioID, symbol, fn)
	if err != nil {
		return nil, classify(err, symbol)
	}
	res.Portfolio = *p
	res.Position = pos
	res.Closed = side == Sell && pos == nil
	return res, nil
}

// precheck rejects orders that cannot succeed before the oracle is asked.
func (e *Engine) precheck(ctx context.Context, side Side, portfolioID, symbol string, qty int64) error {
	if _, err := e.store.GetPortfolio(ctx, portfolioID); err != nil {
		return classify(err, symbol)
	}
	if side != Sell {
		return nil
	}
	pos, err := e.store.GetPosition(ctx, portfolioID, symbol)
	if err != nil {
		return classify(err, symbol)
	}
	return checkHolding(pos, symbol, qty)
}

func checkHolding(pos *model.Position, symbol string, qty int64) error {
	if pos == nil {
		return &model.TradeError{Kind: model.ErrNoPosition, Symbol: symbol, Quantity: qty}
	}
	if pos.Quantity < qty {
		return &model.TradeError{Kind: model.ErrInsufficientShares, Symbol: symbol, Quantity: qty, Held: pos.Quantity}
	}
	return nil
}

func (e *Engine) resolvePrice(ctx context.Context, symbol string, supplied decimal.NullDecimal) (decimal.Decimal, bool, string, error) {
	if supplied.Valid {
		return supplied.Decimal, false, SourceCaller, nil
	}
	if e.oracle == nil {
		return decimal.Zero, false, "", &model.TradeError{
			Kind: model.ErrPriceUnavailable, Symbol: symbol, Reason: "no price oracle configured",
		}
	}

	qctx, cancel := context.WithTimeout(ctx, e.quoteTimeout)
	defer cancel()
	q, err := e.oracle.Quote(qctx, symbol)
	if err != nil {
		return decimal.Zero, false, "", &model.TradeError{Kind: model.ErrPriceUnavailable, Symbol: symbol, Cause: err}
	}
	if !q.Price.IsPositive() {
		return decimal.Zero, false, "", &model.TradeError{
			Kind: model.ErrPriceUnavailable, Symbol: symbol, Reason: "non-positive quote " + q.Price.String(),
		}
	}
	return q.Price, q.Simulated, SourceOracle, nil
}

func buyMutation(res *Result) store.MutateFunc {
	return func(p model.Portfolio, cur *model.Position) (store.Mutation, error) {
		qty := decimal.NewFromInt(res.Quantity)
		cost := res.Price.Mul(qty)
		if p.Cash.LessThan(cost) {
			return store.Mutation{}, &model.TradeError{
				Kind:     model.ErrInsufficientFunds,
				Symbol:   res.Symbol,
				Quantity: res.Quantity,
				Price:    res.Price,
				Cost:     cost,
				Cash:     p.Cash,
			}
		}

		next := model.Position{
			Symbol:      res.Symbol,
			Quantity:    res.Quantity,
			AvgCost:     res.Price,
			LastPrice:   res.Price,
			RealizedPnL: decimal.Zero,
			UpdatedAt:   res.ExecutedAt,
		}
		if cur != nil {
			total := cur.Quantity + res.Quantity
			if total < cur.Quantity {
				return store.Mutation{}, model.Invalid("position quantity overflow")
			}
			basis := cur.AvgCost.Mul(decimal.NewFromInt(cur.Quantity)).Add(cost)
			next.Quantity = total
			next.AvgCost = basis.Div(decimal.NewFromInt(total))
			next.RealizedPnL = cur.RealizedPnL
		}

		res.Amount = cost
		res.RealizedDelta = decimal.Zero
		return store.Mutation{
			Cash:              p.Cash.Sub(cost),
			ClosedRealizedPnL: p.ClosedRealizedPnL,
			Position:          &next,
		}, nil
	}
}

func sellMutation(res *Result) store.MutateFunc {
	return func(p model.Portfolio, cur *model.Position) (store.Mutation, error) {
		if err := checkHolding(cur, res.Symbol, res.Quantity); err != nil {
			return store.Mutation{}, err
		}
		qty := decimal.NewFromInt(res.Quantity)
		proceeds := res.Price.Mul(qty)
		realized := res.Price.Sub(cur.AvgCost).Mul(qty)

		res.Amount = proceeds
		res.RealizedDelta = realized

		m := store.Mutation{
			Cash:              p.Cash.Add(proceeds),
			ClosedRealizedPnL: p.ClosedRealizedPnL,
		}
		remaining := cur.Quantity - res.Quantity
		if remaining == 0 {
			m.ClosedRealizedPnL = p.ClosedRealizedPnL.Add(cur.RealizedPnL).Add(realized)
			return m, nil
		}
		next := *cur
		next.Quantity = remaining
		next.LastPrice = res.Price
		next.RealizedPnL = cur.RealizedPnL.Add(realized)
		next.UpdatedAt = res.ExecutedAt
		m.Position = &next
		return m, nil
	}
}

// classify keeps domain errors as they are and turns anything else from the
// store into a StorageFailure.
func classify(err error, symbol string) error {
	if model.KindOf(err) != model.KindInternal {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &model.TradeError{Kind: model.ErrStorageFailure, Symbol: symbol, Reason: "request cancelled", Cause: err}
	}
	return &model.TradeError{Kind: model.ErrStorageFailure, Symbol: symbol, Cause: fmt.Errorf("apply: %w", err)}
}
