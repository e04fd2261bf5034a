package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-engine/internal/model"
)

// fakeRedis implements the commands CachedStore issues, with the cache
// scripts evaluated in Go. Any other command panics on the nil embed.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) EvalSha(_ context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch sha {
	case fillScript.Hash():
		cur, ok := f.data[keys[1]]
		if !ok {
			cur = "0"
		}
		if cur != fmt.Sprint(args[0]) {
			return redis.NewCmdResult(int64(0), nil)
		}
		f.data[keys[0]] = fmt.Sprint(args[1])
		return redis.NewCmdResult(int64(1), nil)
	case bumpScript.Hash():
		for i := 0; i < len(keys); i += 2 {
			delete(f.data, keys[i])
			n, _ := strconv.ParseInt(f.data[keys[i+1]], 10, 64)
			f.data[keys[i+1]] = strconv.FormatInt(n+1, 10)
		}
		return redis.NewCmdResult(int64(len(keys)/2), nil)
	}
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script"))
}

func (f *fakeRedis) Eval(_ context.Context, _ string, _ []string, _ ...interface{}) *redis.Cmd {
	return redis.NewCmdResult(nil, errors.New("ERR unknown script"))
}

func (f *fakeRedis) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// pausingStore holds its first Snapshot call after the primary read until
// resume is closed.
type pausingStore struct {
	Store
	once   sync.Once
	read   chan struct{}
	resume chan struct{}
}

func newPausingStore(s Store) *pausingStore {
	return &pausingStore{Store: s, read: make(chan struct{}), resume: make(chan struct{})}
}

func (p *pausingStore) Snapshot(ctx context.Context, id string) (*model.Portfolio, []model.Position, error) {
	pf, positions, err := p.Store.Snapshot(ctx, id)
	p.once.Do(func() {
		close(p.read)
		<-p.resume
	})
	return pf, positions, err
}

func buyOne(p model.Portfolio, pos *model.Position) (Mutation, error) {
	return Mutation{
		Cash:              p.Cash.Sub(d(100)),
		ClosedRealizedPnL: p.ClosedRealizedPnL,
		Position:          &model.Position{Symbol: "AAPL", Quantity: 1, AvgCost: d(100), LastPrice: d(100)},
	}, nil
}

func TestCachedStore_SnapshotServedFromCache(t *testing.T) {
	ms := NewMemoryStore()
	seedPortfolio(t, ms, "p1", model.PrimaryRealmID("alice"), "alice", 1000)
	rdb := newFakeRedis()
	cs := NewCachedStore(ms, rdb, time.Minute)
	ctx := context.Background()

	if _, _, err := cs.Snapshot(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if !rdb.has(snapshotKey("p1")) {
		t.Fatal("expected snapshot to be cached")
	}

	// A write behind the cache's back is not seen until invalidation.
	setPosition(t, ms, "p1", "MSFT", 1, 10)
	_, positions, _ := cs.Snapshot(ctx, "p1")
	if len(positions) != 0 {
		t.Fatalf("expected cached snapshot, got %d positions", len(positions))
	}

	if _, _, err := cs.Apply(ctx, "p1", "AAPL", buyOne); err != nil {
		t.Fatal(err)
	}
	p, positions, _ := cs.Snapshot(ctx, "p1")
	if !p.Cash.Equal(d(900)) || len(positions) != 2 {
		t.Errorf("expected fresh snapshot after apply, got cash %s with %d positions", p.Cash, len(positions))
	}
}

func TestCachedStore_ConcurrentWriteDiscardsInFlightFill(t *testing.T) {
	tests := []struct {
		name  string
		write func(t *testing.T, cs *CachedStore)
		check func(t *testing.T, p *model.Portfolio, positions []model.Position)
	}{
		{
			name: "apply",
			write: func(t *testing.T, cs *CachedStore) {
				if _, _, err := cs.Apply(context.Background(), "p1", "AAPL", buyOne); err != nil {
					t.Fatal(err)
				}
			},
			check: func(t *testing.T, p *model.Portfolio, positions []model.Position) {
				if !p.Cash.Equal(d(900)) || len(positions) != 2 {
					t.Errorf("stale snapshot: cash %s, %d positions", p.Cash, len(positions))
				}
			},
		},
		{
			name: "realm price",
			write: func(t *testing.T, cs *CachedStore) {
				if _, err := cs.SetRealmPrice(context.Background(), "room-1", "MSFT", d(12)); err != nil {
					t.Fatal(err)
				}
			},
			check: func(t *testing.T, _ *model.Portfolio, positions []model.Position) {
				if len(positions) != 1 || !positions[0].LastPrice.Equal(d(12)) {
					t.Errorf("stale snapshot: %+v", positions)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ms := NewMemoryStore()
			seedPortfolio(t, ms, "p1", "room-1", "alice", 1000)
			setPosition(t, ms, "p1", "MSFT", 1, 10)
			ps := newPausingStore(ms)
			rdb := newFakeRedis()
			cs := NewCachedStore(ps, rdb, time.Minute)
			ctx := context.Background()

			done := make(chan struct{})
			go func() {
				defer close(done)
				cs.Snapshot(ctx, "p1")
			}()
			<-ps.read
			tc.write(t, cs)
			close(ps.resume)
			<-done

			if rdb.has(snapshotKey("p1")) {
				t.Error("pre-write snapshot was cached")
			}
			p, positions, err := cs.Snapshot(ctx, "p1")
			if err != nil {
				t.Fatal(err)
			}
			tc.check(t, p, positions)
		})
	}
}

func TestCachedStore_DeletedRealmNotServed(t *testing.T) {
	ms := NewMemoryStore()
	seedPortfolio(t, ms, "p1", "room-1", "alice", 0)
	cs := NewCachedStore(ms, newFakeRedis(), time.Minute)
	ctx := context.Background()

	if _, err := cs.GetRealm(ctx, "room-1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := cs.Snapshot(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	if err := cs.DeleteRealm(ctx, "room-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := cs.GetRealm(ctx, "room-1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected deleted realm gone, got %v", err)
	}
	if _, _, err := cs.Snapshot(ctx, "p1"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected member snapshot gone, got %v", err)
	}
}

// unlistableStore fails ListPortfolios.
type unlistableStore struct{ Store }

func (unlistableStore) ListPortfolios(context.Context, string) ([]model.Portfolio, error) {
	return nil, errors.New("connection reset")
}

func TestCachedStore_DeleteRealmNeedsMembers(t *testing.T) {
	ms := NewMemoryStore()
	seedPortfolio(t, ms, "p1", "room-1", "alice", 0)
	cs := NewCachedStore(unlistableStore{ms}, newFakeRedis(), time.Minute)
	ctx := context.Background()

	if err := cs.DeleteRealm(ctx, "room-1"); err == nil {
		t.Fatal("expected error when members cannot be listed")
	}
	if _, err := ms.GetRealm(ctx, "room-1"); err != nil {
		t.Errorf("realm was deleted anyway: %v", err)
	}
	if _, err := cs.SetRealmPrice(ctx, "room-1", "AAPL", d(1)); err == nil {
		t.Error("expected price update to fail without a member list")
	}
}
