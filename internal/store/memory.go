package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// ErrConstraint is returned when a mutation would break a storage
// constraint (negative cash, empty position row, wrong symbol).
var ErrConstraint = errors.New("constraint violation")

// applyRetries bounds how often Apply recomputes after a concurrent realm
// price update touched the same portfolio.
const applyRetries = 8

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	realms     map[string]*model.Realm
	realmOrder []string
	portfolios map[string]*model.Portfolio
	owners     map[string]string // realm+owner -> portfolio id
	positions  map[string]map[string]*model.Position
	history    map[string][]model.HistorySample
	versions   map[string]uint64
	seq        int64

	locks *keyLocks
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		realms:     make(map[string]*model.Realm),
		portfolios: make(map[string]*model.Portfolio),
		owners:     make(map[string]string),
		positions:  make(map[string]map[string]*model.Position),
		history:    make(map[string][]model.HistorySample),
		versions:   make(map[string]uint64),
		locks:      newKeyLocks(),
	}
}

func ownerKey(realmID, ownerID string) string { return realmID + "\x00" + ownerID }

func (s *MemoryStore) CreateRealm(_ context.Context, r *model.Realm) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realms[r.ID]; ok {
		return fmt.Errorf("realm %s: %w", r.ID, model.ErrConflict)
	}
	cp := *r
	s.realms[r.ID] = &cp
	s.realmOrder = append(s.realmOrder, r.ID)
	return nil
}

func (s *MemoryStore) GetRealm(_ context.Context, id string) (*model.Realm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.realms[id]
	if !ok {
		return nil, fmt.Errorf("realm %s: %w", id, model.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRealms(_ context.Context) ([]model.Realm, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	realms := make([]model.Realm, 0, len(s.realmOrder))
	for _, id := range s.realmOrder {
		realms = append(realms, *s.realms[id])
	}
	return realms, nil
}

func (s *MemoryStore) DeleteRealm(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.realms[id]; !ok {
		return fmt.Errorf("realm %s: %w", id, model.ErrNotFound)
	}
	for pid, p := range s.portfolios {
		if p.RealmID == id {
			s.dropPortfolio(pid)
		}
	}
	delete(s.realms, id)
	for i, rid := range s.realmOrder {
		if rid == id {
			s.realmOrder = append(s.realmOrder[:i], s.realmOrder[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) CreatePortfolio(_ context.Context, p *model.Portfolio) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, primary := model.IsPrimaryRealm(p.RealmID); !primary {
		if _, ok := s.realms[p.RealmID]; !ok {
			return fmt.Errorf("realm %s: %w", p.RealmID, model.ErrNotFound)
		}
	}
	key := ownerKey(p.RealmID, p.OwnerID)
	if _, ok := s.owners[key]; ok {
		return fmt.Errorf("portfolio for %s in %s: %w", p.OwnerID, p.RealmID, model.ErrConflict)
	}
	if _, ok := s.portfolios[p.ID]; ok {
		return fmt.Errorf("portfolio %s: %w", p.ID, model.ErrConflict)
	}
	s.seq++
	p.Seq = s.seq
	cp := *p
	s.portfolios[p.ID] = &cp
	s.owners[key] = p.ID
	return nil
}

func (s *MemoryStore) GetPortfolio(_ context.Context, id string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) FindPortfolio(_ context.Context, realmID, ownerID string) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.owners[ownerKey(realmID, ownerID)]
	if !ok {
		return nil, fmt.Errorf("portfolio for %s in %s: %w", ownerID, realmID, model.ErrNotFound)
	}
	cp := *s.portfolios[id]
	return &cp, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context, realmID string) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Portfolio
	for _, p := range s.portfolios {
		if p.RealmID == realmID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) DeletePortfolio(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[id]; !ok {
		return fmt.Errorf("portfolio %s: %w", id, model.ErrNotFound)
	}
	s.dropPortfolio(id)
	return nil
}

// dropPortfolio removes a portfolio and everything hanging off it. Caller
// holds the write lock.
func (s *MemoryStore) dropPortfolio(id string) {
	p := s.portfolios[id]
	delete(s.owners, ownerKey(p.RealmID, p.OwnerID))
	delete(s.portfolios, id)
	delete(s.positions, id)
	delete(s.history, id)
	delete(s.versions, id)
}

func (s *MemoryStore) GetPosition(_ context.Context, portfolioID, symbol string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[portfolioID][symbol]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, portfolioID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.positionsOf(portfolioID), nil
}

func (s *MemoryStore) positionsOf(portfolioID string) []model.Position {
	held := s.positions[portfolioID]
	out := make([]model.Position, 0, len(held))
	for _, pos := range held {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Apply serializes on the portfolio's key lock, runs fn outside the store
// lock, and commits under it. A realm price update landing between the read
// and the commit forces fn to run again on fresh state.
func (s *MemoryStore) Apply(_ context.Context, portfolioID, symbol string, fn MutateFunc) (*model.Portfolio, *model.Position, error) {
	unlock := s.locks.lock(portfolioID)
	defer unlock()

	for attempt := 0; attempt < applyRetries; attempt++ {
		s.mu.RLock()
		p, ok := s.portfolios[portfolioID]
		if !ok {
			s.mu.RUnlock()
			return nil, nil, fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrNotFound)
		}
		cur := *p
		var curPos *model.Position
		if pos, ok := s.positions[portfolioID][symbol]; ok {
			cp := *pos
			curPos = &cp
		}
		version := s.versions[portfolioID]
		s.mu.RUnlock()

		m, err := fn(cur, curPos)
		if err != nil {
			return nil, nil, err
		}
		if err := checkMutation(symbol, m); err != nil {
			return nil, nil, fmt.Errorf("apply %s/%s: %w", portfolioID, symbol, err)
		}

		s.mu.Lock()
		p, ok = s.portfolios[portfolioID]
		if !ok {
			s.mu.Unlock()
			return nil, nil, fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrNotFound)
		}
		if s.versions[portfolioID] != version {
			s.mu.Unlock()
			continue
		}
		p.Cash = m.Cash
		p.ClosedRealizedPnL = m.ClosedRealizedPnL
		out := *p

		var outPos *model.Position
		if m.Position == nil {
			delete(s.positions[portfolioID], symbol)
		} else {
			held := s.positions[portfolioID]
			if held == nil {
				held = make(map[string]*model.Position)
				s.positions[portfolioID] = held
			}
			stored := *m.Position
			stored.PortfolioID = portfolioID
			held[symbol] = &stored
			cp := stored
			outPos = &cp
		}
		s.versions[portfolioID]++
		s.mu.Unlock()
		return &out, outPos, nil
	}
	return nil, nil, fmt.Errorf("apply %s/%s: too much contention", portfolioID, symbol)
}

func checkMutation(symbol string, m Mutation) error {
	if m.Cash.IsNegative() {
		return fmt.Errorf("cash %s: %w", m.Cash, ErrConstraint)
	}
	if m.Position == nil {
		return nil
	}
	if m.Position.Symbol != symbol {
		return fmt.Errorf("position symbol %q: %w", m.Position.Symbol, ErrConstraint)
	}
	if m.Position.Quantity <= 0 {
		return fmt.Errorf("position quantity %d: %w", m.Position.Quantity, ErrConstraint)
	}
	return nil
}

func (s *MemoryStore) Snapshot(_ context.Context, portfolioID string) (*model.Portfolio, []model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[portfolioID]
	if !ok {
		return nil, nil, fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrNotFound)
	}
	cp := *p
	return &cp, s.positionsOf(portfolioID), nil
}

func (s *MemoryStore) RealmSymbols(_ context.Context, realmID string) ([]model.SymbolExposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*model.SymbolExposure)
	for pid, p := range s.portfolios {
		if p.RealmID != realmID {
			continue
		}
		for sym, pos := range s.positions[pid] {
			e, ok := agg[sym]
			if !ok {
				e = &model.SymbolExposure{Symbol: sym}
				agg[sym] = e
			}
			e.Quantity += pos.Quantity
			e.CostBasis = e.CostBasis.Add(pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity)))
			e.Holders++
		}
	}

	out := make([]model.SymbolExposure, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *MemoryStore) SetRealmPrice(_ context.Context, realmID, symbol string, price decimal.Decimal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for pid, p := range s.portfolios {
		if p.RealmID != realmID {
			continue
		}
		pos, ok := s.positions[pid][symbol]
		if !ok {
			continue
		}
		pos.LastPrice = price
		s.versions[pid]++
		n++
	}
	return n, nil
}

func (s *MemoryStore) InsertHistory(_ context.Context, h *model.HistorySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[h.PortfolioID]; !ok {
		return fmt.Errorf("portfolio %s: %w", h.PortfolioID, model.ErrNotFound)
	}
	s.history[h.PortfolioID] = append(s.history[h.PortfolioID], *h)
	return nil
}

func (s *MemoryStore) ListHistory(_ context.Context, portfolioID string, limit int) ([]model.HistorySample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := make([]model.HistorySample, len(s.history[portfolioID]))
	copy(samples, s.history[portfolioID])
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}
