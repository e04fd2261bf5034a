package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPortfolio(t *testing.T, s *MemoryStore, id, realmID, owner string, cash float64) *model.Portfolio {
	t.Helper()
	if _, primary := model.IsPrimaryRealm(realmID); !primary {
		if _, err := s.GetRealm(context.Background(), realmID); errors.Is(err, model.ErrNotFound) {
			if err := s.CreateRealm(context.Background(), &model.Realm{ID: realmID, Kind: model.RealmRoom, Name: realmID}); err != nil {
				t.Fatalf("seed realm: %v", err)
			}
		}
	}
	p := &model.Portfolio{
		ID:        id,
		RealmID:   realmID,
		OwnerID:   owner,
		Cash:      d(cash),
		Baseline:  d(cash),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreatePortfolio(context.Background(), p); err != nil {
		t.Fatalf("seed portfolio: %v", err)
	}
	return p
}

// setPosition writes a position row directly through Apply.
func setPosition(t *testing.T, s *MemoryStore, pid, symbol string, qty int64, avg float64) {
	t.Helper()
	_, _, err := s.Apply(context.Background(), pid, symbol, func(p model.Portfolio, _ *model.Position) (Mutation, error) {
		return Mutation{
			Cash:              p.Cash,
			ClosedRealizedPnL: p.ClosedRealizedPnL,
			Position:          &model.Position{Symbol: symbol, Quantity: qty, AvgCost: d(avg)},
		}, nil
	})
	if err != nil {
		t.Fatalf("set position: %v", err)
	}
}

func TestCreatePortfolio_DuplicateOwnerConflicts(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 1000)

	err := s.CreatePortfolio(context.Background(), &model.Portfolio{ID: "p2", RealmID: "room-1", OwnerID: "alice"})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreatePortfolio_UnknownRoomRealm(t *testing.T) {
	s := NewMemoryStore()
	err := s.CreatePortfolio(context.Background(), &model.Portfolio{ID: "p1", RealmID: "room-x", OwnerID: "alice"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.GetPortfolio(context.Background(), "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("portfolio was stored: %v", err)
	}
}

func TestCreatePortfolio_PrimaryRealmNeedsNoRow(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", model.PrimaryRealmID("alice"), "alice", 100)
	if _, err := s.GetPortfolio(context.Background(), "p1"); err != nil {
		t.Errorf("expected primary portfolio, got %v", err)
	}
}

func TestCreatePortfolio_AfterRealmDeleted(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)
	if err := s.DeleteRealm(ctx, "room-1"); err != nil {
		t.Fatal(err)
	}
	err := s.CreatePortfolio(ctx, &model.Portfolio{ID: "p2", RealmID: "room-1", OwnerID: "bob"})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if members, _ := s.ListPortfolios(ctx, "room-1"); len(members) != 0 {
		t.Errorf("expected no orphaned portfolios, got %d", len(members))
	}
}

func TestListPortfolios_InsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []string{"c", "a", "b"} {
		seedPortfolio(t, s, id, "room-1", "owner-"+id, 100)
	}
	seedPortfolio(t, s, "other", "room-2", "owner-x", 100)

	got, err := s.ListPortfolios(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 || got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("expected [c a b], got %+v", got)
	}
}

func TestApply_ErrorWritesNothing(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 1000)
	boom := errors.New("boom")

	_, _, err := s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, _ *model.Position) (Mutation, error) {
		return Mutation{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	p, positions, _ := s.Snapshot(context.Background(), "p1")
	if !p.Cash.Equal(d(1000)) || len(positions) != 0 {
		t.Errorf("state changed after failed apply: cash=%s positions=%v", p.Cash, positions)
	}
}

func TestApply_RejectsNegativeCash(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 10)

	_, _, err := s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, _ *model.Position) (Mutation, error) {
		return Mutation{Cash: d(-1), Position: &model.Position{Symbol: "AAPL", Quantity: 1, AvgCost: d(11)}}, nil
	})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestApply_NilPositionDeletesRow(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 1000)
	setPosition(t, s, "p1", "AAPL", 5, 100)

	_, pos, err := s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, cur *model.Position) (Mutation, error) {
		if cur == nil || cur.Quantity != 5 {
			t.Errorf("expected current position of 5, got %+v", cur)
		}
		return Mutation{Cash: p.Cash, ClosedRealizedPnL: d(12.5)}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != nil {
		t.Errorf("expected nil position after delete, got %+v", pos)
	}

	got, _ := s.GetPosition(context.Background(), "p1", "AAPL")
	if got != nil {
		t.Errorf("position row still present: %+v", got)
	}
	p, _ := s.GetPortfolio(context.Background(), "p1")
	if !p.ClosedRealizedPnL.Equal(d(12.5)) {
		t.Errorf("expected closed realized 12.5, got %s", p.ClosedRealizedPnL)
	}
}

func TestApply_UnknownPortfolio(t *testing.T) {
	s := NewMemoryStore()
	_, _, err := s.Apply(context.Background(), "missing", "AAPL", func(p model.Portfolio, _ *model.Position) (Mutation, error) {
		t.Fatal("fn must not run for a missing portfolio")
		return Mutation{}, nil
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApply_SamePortfolioSerialized(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, cur *model.Position) (Mutation, error) {
				qty := int64(1)
				if cur != nil {
					qty += cur.Quantity
				}
				return Mutation{
					Cash:     p.Cash.Add(d(1)),
					Position: &model.Position{Symbol: "AAPL", Quantity: qty, AvgCost: d(1)},
				}, nil
			})
			if err != nil {
				t.Errorf("apply: %v", err)
			}
		}()
	}
	wg.Wait()

	p, positions, _ := s.Snapshot(context.Background(), "p1")
	if !p.Cash.Equal(d(n)) {
		t.Errorf("expected cash %d, got %s", n, p.Cash)
	}
	if len(positions) != 1 || positions[0].Quantity != n {
		t.Errorf("expected quantity %d, got %+v", n, positions)
	}
	if s.locks.size() != 0 {
		t.Errorf("expected lock table to drain, %d entries left", s.locks.size())
	}
}

func TestApply_DifferentPortfoliosDoNotBlock(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 100)
	seedPortfolio(t, s, "p2", "room-1", "bob", 100)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, _ *model.Position) (Mutation, error) {
			close(entered)
			<-release
			return Mutation{Cash: p.Cash}, nil
		})
	}()
	<-entered

	finished := make(chan error, 1)
	go func() {
		_, _, err := s.Apply(context.Background(), "p2", "AAPL", func(p model.Portfolio, _ *model.Position) (Mutation, error) {
			return Mutation{Cash: p.Cash.Sub(d(1))}, nil
		})
		finished <- err
	}()

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("apply on p2 blocked behind p1")
	}
	close(release)
	<-done
}

func TestApply_RecomputesAfterRealmPriceUpdate(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 100)
	setPosition(t, s, "p1", "AAPL", 10, 100)

	calls := 0
	_, pos, err := s.Apply(context.Background(), "p1", "AAPL", func(p model.Portfolio, cur *model.Position) (Mutation, error) {
		calls++
		if calls == 1 {
			// a refresh lands between read and commit
			if _, err := s.SetRealmPrice(context.Background(), "room-1", "AAPL", d(150)); err != nil {
				t.Fatalf("set price: %v", err)
			}
		}
		next := *cur
		next.Quantity--
		return Mutation{Cash: p.Cash, Position: &next}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected fn to run twice, ran %d times", calls)
	}
	if !pos.LastPrice.Equal(d(150)) || pos.Quantity != 9 {
		t.Errorf("expected qty 9 at last price 150, got %+v", pos)
	}
}

func TestRealmSymbols_AggregatesHolders(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)
	seedPortfolio(t, s, "p2", "room-1", "bob", 0)
	seedPortfolio(t, s, "p3", "room-2", "carol", 0)
	setPosition(t, s, "p1", "AAPL", 10, 100)
	setPosition(t, s, "p2", "AAPL", 30, 120)
	setPosition(t, s, "p2", "MSFT", 1, 300)
	setPosition(t, s, "p3", "AAPL", 99, 1)

	got, err := s.RealmSymbols(context.Background(), "room-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Symbol != "AAPL" || got[1].Symbol != "MSFT" {
		t.Fatalf("expected [AAPL MSFT], got %+v", got)
	}
	aapl := got[0]
	if aapl.Quantity != 40 || aapl.Holders != 2 {
		t.Errorf("expected 40 shares over 2 holders, got %+v", aapl)
	}
	// (10*100 + 30*120) / 40 = 115
	if !aapl.ReferencePrice().Equal(d(115)) {
		t.Errorf("expected reference price 115, got %s", aapl.ReferencePrice())
	}
}

func TestSetRealmPrice_OnlyTouchesRealm(t *testing.T) {
	s := NewMemoryStore()
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)
	seedPortfolio(t, s, "p2", "room-2", "bob", 0)
	setPosition(t, s, "p1", "AAPL", 1, 100)
	setPosition(t, s, "p2", "AAPL", 1, 100)

	n, err := s.SetRealmPrice(context.Background(), "room-1", "AAPL", d(101))
	if err != nil || n != 1 {
		t.Fatalf("expected 1 row updated, got %d (%v)", n, err)
	}
	other, _ := s.GetPosition(context.Background(), "p2", "AAPL")
	if !other.LastPrice.IsZero() {
		t.Errorf("position outside realm was repriced: %s", other.LastPrice)
	}
}

func TestDeleteRealm_RemovesMembers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateRealm(ctx, &model.Realm{ID: "room-1", Kind: model.RealmRoom, Name: "r"}); err != nil {
		t.Fatalf("create realm: %v", err)
	}
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)
	setPosition(t, s, "p1", "AAPL", 1, 100)

	if err := s.DeleteRealm(ctx, "room-1"); err != nil {
		t.Fatalf("delete realm: %v", err)
	}
	if _, err := s.GetPortfolio(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected member portfolio gone, got %v", err)
	}
	if err := s.DeleteRealm(ctx, "room-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
	// the owner may join a fresh realm under the same key again
	seedPortfolio(t, s, "p1b", "room-1", "alice", 0)
}

func TestListHistory_AscendingAndLimited(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	seedPortfolio(t, s, "p1", "room-1", "alice", 0)

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{3, 1, 2, 0} {
		h := &model.HistorySample{
			ID:          "h" + string(rune('0'+offset)),
			RealmID:     "room-1",
			PortfolioID: "p1",
			Timestamp:   base.Add(time.Duration(offset) * time.Minute),
			NetWorth:    d(float64(offset)),
		}
		if err := s.InsertHistory(ctx, h); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, _ := s.ListHistory(ctx, "p1", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("samples out of order at %d", i)
		}
	}
	if !got[0].NetWorth.Equal(d(0)) {
		t.Errorf("expected earliest sample first, got %s", got[0].NetWorth)
	}
}
