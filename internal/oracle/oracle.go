// Package oracle supplies prices for symbols. The engine only sees the Oracle
// interface; adapters wrap a live quote API, an in-process cache, and a
// deterministic simulator used when no live price can be had.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned when no usable price exists for a symbol.
var ErrUnavailable = errors.New("quote unavailable")

// Quote is a price for one symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Simulated bool            `json:"simulated"`
	AsOf      time.Time       `json:"as_of"`
}

// Oracle returns the current price of a symbol. Implementations must honor
// ctx cancellation and return ErrUnavailable (possibly wrapped) when the
// symbol has no price.
type Oracle interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// Static is an Oracle over a fixed price table. Used for offline runs and
// tests.
type Static map[string]decimal.Decimal

func (s Static) Quote(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, err
	}
	price, ok := s[strings.ToUpper(symbol)]
	if !ok || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%s: %w", symbol, ErrUnavailable)
	}
	return Quote{Symbol: symbol, Price: price, AsOf: time.Now().UTC()}, nil
}

// Func adapts a function to the Oracle interface.
type Func func(ctx context.Context, symbol string) (Quote, error)

func (f Func) Quote(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}
