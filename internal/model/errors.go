package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrNoPosition         = errors.New("no position")
	ErrPriceUnavailable   = errors.New("price unavailable")
	ErrStorageFailure     = errors.New("storage failure")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
)

// Error kinds as reported to callers.
const (
	KindNotAuthenticated   = "not_authenticated"
	KindNotFound           = "not_found"
	KindInvalidInput       = "invalid_input"
	KindInsufficientFunds  = "insufficient_funds"
	KindInsufficientShares = "insufficient_shares"
	KindNoPosition         = "no_position"
	KindPriceUnavailable   = "price_unavailable"
	KindStorageFailure     = "storage_failure"
	KindConflict           = "conflict"
	KindForbidden          = "forbidden"
	KindInternal           = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrNotAuthenticated, KindNotAuthenticated},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
	{ErrInsufficientFunds, KindInsufficientFunds},
	{ErrInsufficientShares, KindInsufficientShares},
	{ErrNoPosition, KindNoPosition},
	{ErrPriceUnavailable, KindPriceUnavailable},
	{ErrStorageFailure, KindStorageFailure},
	{ErrConflict, KindConflict},
	{ErrForbidden, KindForbidden},
}

// KindOf classifies err into one of the Kind constants.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}

// TradeError is a rejected trade with enough context to explain it.
type TradeError struct {
	Kind     error // one of the Err* sentinels
	Symbol   string
	Quantity int64
	Price    decimal.Decimal
	Cost     decimal.Decimal
	Cash     decimal.Decimal
	Held     int64
	Reason   string
	Cause    error
}

func (e *TradeError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Symbol != "" {
		fmt.Fprintf(&b, ": %s", e.Symbol)
	}
	switch {
	case errors.Is(e.Kind, ErrInsufficientFunds):
		fmt.Fprintf(&b, " cost %s exceeds cash %s", e.Cost.StringFixed(2), e.Cash.StringFixed(2))
	case errors.Is(e.Kind, ErrInsufficientShares):
		fmt.Fprintf(&b, " requested %d, held %d", e.Quantity, e.Held)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *TradeError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

// Invalid returns an ErrInvalidInput error with a reason.
func Invalid(format string, args ...any) error {
	return &TradeError{Kind: ErrInvalidInput, Reason: fmt.Sprintf(format, args...)}
}

// SentinelOf returns the sentinel for a kind string, or nil if unknown.
func SentinelOf(kind string) error {
	for _, k := range kinds {
		if k.kind == kind {
			return k.err
		}
	}
	return nil
}
