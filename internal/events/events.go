// Package events publishes ledger activity to interested sinks after it has
// been committed. Publishing is best effort: a failing sink is logged and
// never undoes or fails the operation that produced the event.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/metrics"
)

// Event types.
const (
	TypeTradeExecuted   = "trade_executed"
	TypePricesRefreshed = "prices_refreshed"
	TypeRoomCreated     = "room_created"
	TypeRoomDeleted     = "room_deleted"
	TypeParticipantJoin = "participant_joined"
	TypeParticipantLeft = "participant_left"
)

// Event is one committed change.
type Event struct {
	Type        string           `json:"type"`
	RealmID     string           `json:"realm_id"`
	PortfolioID string           `json:"portfolio_id,omitempty"`
	OwnerID     string           `json:"user_id,omitempty"`
	TradeID     string           `json:"trade_id,omitempty"`
	Side        string           `json:"side,omitempty"`
	Symbol      string           `json:"symbol,omitempty"`
	Quantity    int64            `json:"quantity,omitempty"`
	Price       *decimal.Decimal `json:"price,omitempty"`
	Simulated   bool             `json:"simulated,omitempty"`
	Cash        *decimal.Decimal `json:"cash,omitempty"`
	Data        any              `json:"data,omitempty"`
	At          time.Time        `json:"at"`
}

// Key orders events for partitioned transports: all events of one
// portfolio, or of one realm when no portfolio is involved, share a key.
func (e Event) Key() string {
	if e.PortfolioID != "" {
		return e.PortfolioID
	}
	return e.RealmID
}

// Sink receives events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }

// Fanout publishes to every sink in turn and logs failures.
type Fanout struct {
	sinks  []namedSink
	logger *slog.Logger
}

type namedSink struct {
	name string
	sink Sink
}

// NewFanout creates an empty fan-out. A nil logger uses slog.Default().
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger}
}

// Add registers a sink under a name used in logs and metrics.
func (f *Fanout) Add(name string, s Sink) *Fanout {
	f.sinks = append(f.sinks, namedSink{name: name, sink: s})
	return f
}

// Publish never returns an error; each sink's outcome is logged and counted.
func (f *Fanout) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	for _, ns := range f.sinks {
		if err := ns.sink.Publish(ctx, e); err != nil {
			metrics.EventsPublished.WithLabelValues(ns.name, "error").Inc()
			f.logger.Warn("event publish failed",
				"sink", ns.name,
				"type", e.Type,
				"realm_id", e.RealmID,
				"err", err,
			)
			continue
		}
		metrics.EventsPublished.WithLabelValues(ns.name, "ok").Inc()
	}
	return nil
}
