package trade_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/atmx/portfolio-engine/internal/events"
	"github.com/atmx/portfolio-engine/internal/model"
	"github.com/atmx/portfolio-engine/internal/oracle"
	"github.com/atmx/portfolio-engine/internal/store"
	"github.com/atmx/portfolio-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func px(f float64) decimal.NullDecimal {
	return decimal.NewNullDecimal(d(f))
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingSink) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// newTestEngine creates an engine over an in-memory store holding one
// portfolio "p1" with the given cash.
func newTestEngine(t *testing.T, cash float64, opts ...trade.Option) (*trade.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	seed(t, ms, "p1", cash)
	return trade.NewEngine(ms, opts...), ms
}

func seed(t *testing.T, ms *store.MemoryStore, id string, cash float64) {
	t.Helper()
	err := ms.CreatePortfolio(context.Background(), &model.Portfolio{
		ID:        id,
		RealmID:   model.PrimaryRealmID("owner-" + id),
		OwnerID:   "owner-" + id,
		Cash:      d(cash),
		Baseline:  d(cash),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
}

func mustBuy(t *testing.T, e *trade.Engine, symbol string, qty int64, price float64) *trade.Result {
	t.Helper()
	res, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: symbol, Quantity: qty, Price: px(price)})
	if err != nil {
		t.Fatalf("buy %d %s @ %v: %v", qty, symbol, price, err)
	}
	return res
}

func state(t *testing.T, ms *store.MemoryStore) (*model.Portfolio, []model.Position) {
	t.Helper()
	p, positions, err := ms.Snapshot(context.Background(), "p1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return p, positions
}

// --- Buy ---

func TestBuy_NewPosition(t *testing.T) {
	e, ms := newTestEngine(t, 10000)

	res := mustBuy(t, e, " aapl ", 10, 100)
	if res.Symbol != "AAPL" {
		t.Errorf("expected normalized symbol AAPL, got %q", res.Symbol)
	}
	if !res.Amount.Equal(d(1000)) {
		t.Errorf("expected cost 1000, got %s", res.Amount)
	}
	if res.TradeID == "" || res.PriceSource != trade.SourceCaller {
		t.Errorf("unexpected result metadata %+v", res)
	}

	p, positions := state(t, ms)
	if !p.Cash.Equal(d(9000)) {
		t.Errorf("expected cash 9000, got %s", p.Cash)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	pos := positions[0]
	if pos.Quantity != 10 || !pos.AvgCost.Equal(d(100)) || !pos.LastPrice.Equal(d(100)) || !pos.RealizedPnL.IsZero() {
		t.Errorf("unexpected position %+v", pos)
	}
}

func TestBuy_WeightedAverageCost(t *testing.T) {
	e, ms := newTestEngine(t, 10000)

	mustBuy(t, e, "AAPL", 10, 100)
	res := mustBuy(t, e, "AAPL", 10, 120)

	if res.Position.Quantity != 20 {
		t.Errorf("expected quantity 20, got %d", res.Position.Quantity)
	}
	if !res.Position.AvgCost.Equal(d(110)) {
		t.Errorf("expected avg cost 110.00, got %s", res.Position.AvgCost)
	}
	if !res.Position.LastPrice.Equal(d(120)) {
		t.Errorf("expected last price 120, got %s", res.Position.LastPrice)
	}
	p, _ := state(t, ms)
	if !p.Cash.Equal(d(7800)) {
		t.Errorf("expected cash 7800, got %s", p.Cash)
	}
}

func TestBuy_InsufficientFundsLeavesStateUnchanged(t *testing.T) {
	e, ms := newTestEngine(t, 1000)
	mustBuy(t, e, "AAPL", 5, 100)

	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 6, Price: px(100)})
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var te *model.TradeError
	if !errors.As(err, &te) || !te.Cost.Equal(d(600)) || !te.Cash.Equal(d(500)) || te.Symbol != "AAPL" {
		t.Errorf("expected cost/cash context, got %+v", te)
	}

	p, positions := state(t, ms)
	if !p.Cash.Equal(d(500)) || positions[0].Quantity != 5 || !positions[0].AvgCost.Equal(d(100)) {
		t.Errorf("state changed: cash=%s positions=%+v", p.Cash, positions)
	}
}

func TestBuy_ExactCashAllowed(t *testing.T) {
	e, ms := newTestEngine(t, 1000)
	mustBuy(t, e, "AAPL", 10, 100)
	p, _ := state(t, ms)
	if !p.Cash.IsZero() {
		t.Errorf("expected cash 0, got %s", p.Cash)
	}
}

func TestBuy_InvalidInput(t *testing.T) {
	e, _ := newTestEngine(t, 1000)
	cases := []trade.Order{
		{PortfolioID: "p1", Symbol: "", Quantity: 1, Price: px(1)},
		{PortfolioID: "p1", Symbol: "   ", Quantity: 1, Price: px(1)},
		{PortfolioID: "p1", Symbol: "AA PL", Quantity: 1, Price: px(1)},
		{PortfolioID: "p1", Symbol: "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789", Quantity: 1, Price: px(1)},
		{PortfolioID: "p1", Symbol: "AAPL", Quantity: 0, Price: px(1)},
		{PortfolioID: "p1", Symbol: "AAPL", Quantity: -3, Price: px(1)},
		{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(0)},
		{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(-5)},
	}
	for _, o := range cases {
		if _, err := e.Buy(context.Background(), o); !errors.Is(err, model.ErrInvalidInput) {
			t.Errorf("order %+v: expected ErrInvalidInput, got %v", o, err)
		}
	}
}

func TestBuy_AcceptsIndexAndClassSymbols(t *testing.T) {
	e, _ := newTestEngine(t, 100000)
	for _, sym := range []string{"BRK.B", "^GSPC", "EURUSD=X", "BINANCE:BTCUSDT", "RDS-A"} {
		mustBuy(t, e, sym, 1, 10)
	}
}

func TestBuy_UnknownPortfolio(t *testing.T) {
	e, _ := newTestEngine(t, 1000)
	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "nope", Symbol: "AAPL", Quantity: 1, Price: px(1)})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// --- Sell ---

func TestSell_RealizedPnL(t *testing.T) {
	e, ms := newTestEngine(t, 10000)
	mustBuy(t, e, "AAPL", 10, 100)
	mustBuy(t, e, "AAPL", 10, 120)

	res, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 5, Price: px(130)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.RealizedDelta.Equal(d(100)) {
		t.Errorf("expected realized delta 100.00, got %s", res.RealizedDelta)
	}
	if res.Position.Quantity != 15 || !res.Position.AvgCost.Equal(d(110)) {
		t.Errorf("expected 15 @ 110, got %+v", res.Position)
	}
	if !res.Position.RealizedPnL.Equal(d(100)) || !res.Position.LastPrice.Equal(d(130)) {
		t.Errorf("unexpected realized/last price %+v", res.Position)
	}
	p, _ := state(t, ms)
	if !p.Cash.Equal(d(8450)) {
		t.Errorf("expected cash 8450, got %s", p.Cash)
	}
}

func TestSell_ExhaustRemovesPositionAndKeepsRealized(t *testing.T) {
	e, ms := newTestEngine(t, 10000)
	mustBuy(t, e, "AAPL", 10, 100)
	if _, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 4, Price: px(110)}); err != nil {
		t.Fatalf("partial sell: %v", err)
	}

	res, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 6, Price: px(90)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Closed || res.Position != nil {
		t.Errorf("expected closed position, got %+v", res)
	}

	p, positions := state(t, ms)
	if len(positions) != 0 {
		t.Errorf("expected no positions, got %+v", positions)
	}
	// 4 × (110−100) + 6 × (90−100) = 40 − 60
	if !p.ClosedRealizedPnL.Equal(d(-20)) {
		t.Errorf("expected closed realized -20, got %s", p.ClosedRealizedPnL)
	}
	if !p.Cash.Equal(d(9980)) {
		t.Errorf("expected cash 9980, got %s", p.Cash)
	}
}

func TestSell_NoPosition(t *testing.T) {
	e, _ := newTestEngine(t, 1000)
	_, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(1)})
	if !errors.Is(err, model.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
}

func TestSell_OversellLeavesStateUnchanged(t *testing.T) {
	e, ms := newTestEngine(t, 1000)
	mustBuy(t, e, "AAPL", 5, 100)

	_, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 6, Price: px(100)})
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
	var te *model.TradeError
	if errors.As(err, &te) && (te.Held != 5 || te.Quantity != 6) {
		t.Errorf("expected held 5 requested 6, got %+v", te)
	}
	p, positions := state(t, ms)
	if !p.Cash.Equal(d(500)) || positions[0].Quantity != 5 {
		t.Errorf("state changed: cash=%s positions=%+v", p.Cash, positions)
	}
}

// --- Pricing ---

func TestBuy_OraclePrice(t *testing.T) {
	e, _ := newTestEngine(t, 1000, trade.WithOracle(oracle.Static{"AAPL": d(25)}))
	res, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "aapl", Quantity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Price.Equal(d(25)) || res.PriceSource != trade.SourceOracle {
		t.Errorf("expected oracle price 25, got %+v", res)
	}
}

func TestBuy_SimulatedQuoteFlagged(t *testing.T) {
	sim := oracle.Func(func(_ context.Context, symbol string) (oracle.Quote, error) {
		return oracle.Quote{Symbol: symbol, Price: d(10), Simulated: true}, nil
	})
	e, _ := newTestEngine(t, 1000, trade.WithOracle(sim))
	res, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Simulated {
		t.Error("expected simulated flag to carry through")
	}
}

func TestBuy_NoOracleIsPriceUnavailable(t *testing.T) {
	e, _ := newTestEngine(t, 1000)
	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestBuy_OracleNonPositivePrice(t *testing.T) {
	zero := oracle.Func(func(_ context.Context, symbol string) (oracle.Quote, error) {
		return oracle.Quote{Symbol: symbol, Price: decimal.Zero}, nil
	})
	e, ms := newTestEngine(t, 1000, trade.WithOracle(zero))
	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	p, _ := state(t, ms)
	if !p.Cash.Equal(d(1000)) {
		t.Errorf("cash changed to %s", p.Cash)
	}
}

func TestSell_OracleTimeoutIsPriceUnavailable(t *testing.T) {
	slow := oracle.Func(func(ctx context.Context, _ string) (oracle.Quote, error) {
		<-ctx.Done()
		return oracle.Quote{}, ctx.Err()
	})
	e, ms := newTestEngine(t, 1000, trade.WithOracle(slow), trade.WithQuoteTimeout(20*time.Millisecond))
	mustBuy(t, e, "AAPL", 5, 100)

	_, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1})
	if !errors.Is(err, model.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected cause to be the deadline, got %v", err)
	}
	_, positions := state(t, ms)
	if positions[0].Quantity != 5 {
		t.Errorf("position changed to %d", positions[0].Quantity)
	}
}

func TestSell_NoPositionRejectedBeforeQuote(t *testing.T) {
	called := false
	o := oracle.Func(func(_ context.Context, symbol string) (oracle.Quote, error) {
		called = true
		return oracle.Quote{Symbol: symbol, Price: d(1)}, nil
	})
	e, _ := newTestEngine(t, 1000, trade.WithOracle(o))
	if _, err := e.Sell(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1}); !errors.Is(err, model.ErrNoPosition) {
		t.Fatalf("expected ErrNoPosition, got %v", err)
	}
	if called {
		t.Error("oracle consulted for an order that could not fill")
	}
}

// --- Storage failures ---

// failingStore computes the mutation but fails to commit it.
type failingStore struct {
	*store.MemoryStore
	err error
}

func (f *failingStore) Apply(ctx context.Context, pid, symbol string, fn store.MutateFunc) (*model.Portfolio, *model.Position, error) {
	p, pos, err := f.Snapshot(ctx, pid)
	if err != nil {
		return nil, nil, err
	}
	var cur *model.Position
	for i := range pos {
		if pos[i].Symbol == symbol {
			cur = &pos[i]
		}
	}
	if _, err := fn(*p, cur); err != nil {
		return nil, nil, err
	}
	return nil, nil, f.err
}

func TestBuy_StorageFailureHasNoEffect(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "p1", 1000)
	boom := errors.New("connection reset")
	sink := &recordingSink{}
	e := trade.NewEngine(&failingStore{MemoryStore: ms, err: boom}, trade.WithSink(sink))

	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(10)})
	if !errors.Is(err, model.ErrStorageFailure) || !errors.Is(err, boom) {
		t.Fatalf("expected storage failure wrapping cause, got %v", err)
	}
	p, positions := state(t, ms)
	if !p.Cash.Equal(d(1000)) || len(positions) != 0 {
		t.Errorf("partial effect: cash=%s positions=%+v", p.Cash, positions)
	}
	if len(sink.events) != 0 {
		t.Errorf("event published for failed trade: %+v", sink.events)
	}
}

func TestBuy_DomainErrorNotWrappedAsStorage(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms, "p1", 5)
	e := trade.NewEngine(&failingStore{MemoryStore: ms, err: errors.New("unused")})

	_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(10)})
	if !errors.Is(err, model.ErrInsufficientFunds) || errors.Is(err, model.ErrStorageFailure) {
		t.Fatalf("expected plain ErrInsufficientFunds, got %v", err)
	}
}

// --- Events ---

func TestBuy_PublishesEventAfterCommit(t *testing.T) {
	sink := &recordingSink{}
	e, _ := newTestEngine(t, 1000, trade.WithSink(sink))
	res := mustBuy(t, e, "AAPL", 2, 10)

	if len(sink.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(sink.events))
	}
	ev := sink.events[0]
	if ev.Type != events.TypeTradeExecuted || ev.TradeID != res.TradeID || ev.Symbol != "AAPL" || ev.Side != "buy" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !ev.Cash.Equal(d(980)) {
		t.Errorf("expected cash 980 in event, got %s", ev.Cash)
	}
}

// stalledBroker never acknowledges a write before its deadline.
type stalledBroker struct{}

func (stalledBroker) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledBroker) Close() error { return nil }

func TestBuy_StalledKafkaDoesNotDelayTrade(t *testing.T) {
	ks := events.NewKafkaSink(stalledBroker{}, time.Second, nil)
	defer ks.Close()
	sink := events.NewFanout(nil).Add("kafka", ks)
	e, ms := newTestEngine(t, 1000, trade.WithSink(sink))

	start := time.Now()
	mustBuy(t, e, "AAPL", 1, 100)
	mustBuy(t, e, "AAPL", 1, 100)
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Errorf("trades waited on the event sink: %s", took)
	}
	if p, _ := state(t, ms); !p.Cash.Equal(d(800)) {
		t.Errorf("expected cash 800, got %s", p.Cash)
	}
}

// --- Concurrency ---

func TestBuy_ConcurrentSamePortfolio(t *testing.T) {
	const n = 50
	e, ms := newTestEngine(t, 1000)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(10)})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("buy failed: %v", err)
		}
	}

	p, positions := state(t, ms)
	if !p.Cash.Equal(d(1000 - 10*n)) {
		t.Errorf("expected cash %d, got %s", 1000-10*n, p.Cash)
	}
	if len(positions) != 1 || positions[0].Quantity != n {
		t.Errorf("expected quantity %d, got %+v", n, positions)
	}
}

func TestBuy_ConcurrentOverspendNeverNegative(t *testing.T) {
	e, ms := newTestEngine(t, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	filled := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Buy(context.Background(), trade.Order{PortfolioID: "p1", Symbol: "AAPL", Quantity: 1, Price: px(7)})
			if err == nil {
				mu.Lock()
				filled++
				mu.Unlock()
			} else if !errors.Is(err, model.ErrInsufficientFunds) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	p, _ := state(t, ms)
	if filled != 14 || !p.Cash.Equal(d(2)) {
		t.Errorf("expected 14 fills leaving 2, got %d fills and cash %s", filled, p.Cash)
	}
}

// --- Properties ---

// Across any sequence of trades, cash + Σ qty × avg − lifetime realized
// stays equal to the starting cash, cash never goes negative, and no
// position with zero quantity survives.
func TestTrades_ConservationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ms := store.NewMemoryStore()
		start := decimal.New(rapid.Int64Range(0, 1_000_000).Draw(rt, "startCents"), -2)
		err := ms.CreatePortfolio(context.Background(), &model.Portfolio{
			ID: "p1", RealmID: "primary:x", OwnerID: "x", Cash: start, Baseline: start,
		})
		if err != nil {
			rt.Fatalf("seed: %v", err)
		}
		e := trade.NewEngine(ms)
		symbols := []string{"AAA", "BBB", "CCC"}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			o := trade.Order{
				PortfolioID: "p1",
				Symbol:      rapid.SampledFrom(symbols).Draw(rt, "symbol"),
				Quantity:    rapid.Int64Range(1, 50).Draw(rt, "qty"),
				Price:       decimal.NewNullDecimal(decimal.New(rapid.Int64Range(1, 50_000).Draw(rt, "priceCents"), -2)),
			}
			if rapid.Bool().Draw(rt, "buy") {
				_, err = e.Buy(context.Background(), o)
			} else {
				_, err = e.Sell(context.Background(), o)
			}
			if err != nil && model.KindOf(err) == model.KindInternal {
				rt.Fatalf("unexpected error kind: %v", err)
			}

			p, positions, _ := ms.Snapshot(context.Background(), "p1")
			if p.Cash.IsNegative() {
				rt.Fatalf("negative cash %s", p.Cash)
			}
			basis := decimal.Zero
			realized := p.ClosedRealizedPnL
			for _, pos := range positions {
				if pos.Quantity <= 0 {
					rt.Fatalf("position %s with quantity %d", pos.Symbol, pos.Quantity)
				}
				basis = basis.Add(pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)))
				realized = realized.Add(pos.RealizedPnL)
			}
			drift := p.Cash.Add(basis).Sub(realized).Sub(start).Abs()
			if drift.GreaterThan(decimal.New(1, -6)) {
				rt.Fatalf("conservation broken by %s after step %d", drift, i)
			}
		}
	})
}
