package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-engine/internal/model"
)

// fillScript writes KEYS[1] only if the version at KEYS[2] still equals
// ARGV[1], the version read before the primary store was consulted.
var fillScript = redis.NewScript(`
local v = redis.call('GET', KEYS[2]) or '0'
if v ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// bumpScript takes (data key, version key) pairs: it deletes each data key
// and increments its version so that in-flight fills are discarded.
var bumpScript = redis.NewScript(`
for i = 1, #KEYS, 2 do
  redis.call('DEL', KEYS[i])
  redis.call('INCR', KEYS[i + 1])
  redis.call('PEXPIRE', KEYS[i + 1], ARGV[1])
end
return #KEYS / 2
`)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for realms and portfolio snapshots. Writes go to the primary store
// and then bump the version of every affected cache entry; a read only
// fills the cache if the version it saw before reading the primary is
// still current, so a fill can never resurrect pre-write state. Apply
// always runs against the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
	logger  *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		logger:  slog.Default(),
	}
}

type cachedSnapshot struct {
	Portfolio model.Portfolio  `json:"portfolio"`
	Positions []model.Position `json:"positions"`
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateRealm(ctx context.Context, r *model.Realm) error {
	return s.primary.CreateRealm(ctx, r)
}

func (s *CachedStore) DeleteRealm(ctx context.Context, id string) error {
	members, err := s.primary.ListPortfolios(ctx, id)
	if err != nil {
		return fmt.Errorf("list members of realm %s: %w", id, err)
	}
	if err := s.primary.DeleteRealm(ctx, id); err != nil {
		return err
	}
	keys := []string{realmKey(id)}
	for _, p := range members {
		keys = append(keys, snapshotKey(p.ID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) DeletePortfolio(ctx context.Context, id string) error {
	if err := s.primary.DeletePortfolio(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotKey(id))
	return nil
}

func (s *CachedStore) Apply(ctx context.Context, portfolioID, symbol string, fn MutateFunc) (*model.Portfolio, *model.Position, error) {
	p, pos, err := s.primary.Apply(ctx, portfolioID, symbol, fn)
	if err != nil {
		return nil, nil, err
	}
	s.invalidate(ctx, snapshotKey(portfolioID))
	return p, pos, nil
}

func (s *CachedStore) SetRealmPrice(ctx context.Context, realmID, symbol string, price decimal.Decimal) (int64, error) {
	// Holders are listed first so a failure leaves prices untouched.
	members, err := s.primary.ListPortfolios(ctx, realmID)
	if err != nil {
		return 0, fmt.Errorf("list members of realm %s: %w", realmID, err)
	}
	n, err := s.primary.SetRealmPrice(ctx, realmID, symbol, price)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	// Portfolios that joined while the price was being set are covered by
	// a second listing.
	if joined, err := s.primary.ListPortfolios(ctx, realmID); err == nil {
		members = append(members, joined...)
	} else {
		s.logger.Warn("relist realm members", "realm_id", realmID, "err", err)
	}
	seen := make(map[string]bool, len(members))
	keys := make([]string, 0, len(members))
	for _, p := range members {
		if !seen[p.ID] {
			seen[p.ID] = true
			keys = append(keys, snapshotKey(p.ID))
		}
	}
	s.invalidate(ctx, keys...)
	return n, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRealm(ctx context.Context, id string) (*model.Realm, error) {
	key := realmKey(id)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var r model.Realm
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	ver, verOK := s.version(ctx, key)
	r, err := s.primary.GetRealm(ctx, id)
	if err != nil {
		return nil, err
	}
	if verOK {
		s.fill(ctx, key, ver, r)
	}
	return r, nil
}

func (s *CachedStore) Snapshot(ctx context.Context, portfolioID string) (*model.Portfolio, []model.Position, error) {
	key := snapshotKey(portfolioID)
	if data, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
		var snap cachedSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return &snap.Portfolio, snap.Positions, nil
		}
	}

	ver, verOK := s.version(ctx, key)
	p, positions, err := s.primary.Snapshot(ctx, portfolioID)
	if err != nil {
		return nil, nil, err
	}
	if verOK {
		s.fill(ctx, key, ver, cachedSnapshot{Portfolio: *p, Positions: positions})
	}
	return p, positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListRealms(ctx context.Context) ([]model.Realm, error) {
	return s.primary.ListRealms(ctx)
}

func (s *CachedStore) CreatePortfolio(ctx context.Context, p *model.Portfolio) error {
	return s.primary.CreatePortfolio(ctx, p)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, id string) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, id)
}

func (s *CachedStore) FindPortfolio(ctx context.Context, realmID, ownerID string) (*model.Portfolio, error) {
	return s.primary.FindPortfolio(ctx, realmID, ownerID)
}

func (s *CachedStore) ListPortfolios(ctx context.Context, realmID string) ([]model.Portfolio, error) {
	return s.primary.ListPortfolios(ctx, realmID)
}

func (s *CachedStore) GetPosition(ctx context.Context, portfolioID, symbol string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, portfolioID, symbol)
}

func (s *CachedStore) ListPositions(ctx context.Context, portfolioID string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, portfolioID)
}

func (s *CachedStore) RealmSymbols(ctx context.Context, realmID string) ([]model.SymbolExposure, error) {
	return s.primary.RealmSymbols(ctx, realmID)
}

func (s *CachedStore) InsertHistory(ctx context.Context, h *model.HistorySample) error {
	return s.primary.InsertHistory(ctx, h)
}

func (s *CachedStore) ListHistory(ctx context.Context, portfolioID string, limit int) ([]model.HistorySample, error) {
	return s.primary.ListHistory(ctx, portfolioID, limit)
}

// --- Cache helpers ---

// version returns the current version of key. ok is false when Redis
// cannot be read, in which case the caller must not fill.
func (s *CachedStore) version(ctx context.Context, key string) (string, bool) {
	v, err := s.rdb.Get(ctx, versionKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	if err != nil {
		return "", false
	}
	return v, true
}

// fill caches v under key if key's version is still ver.
func (s *CachedStore) fill(ctx context.Context, key, ver string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	err = fillScript.Run(ctx, s.rdb, []string{key, versionKey(key)},
		ver, string(data), s.ttl.Milliseconds()).Err()
	if err != nil {
		s.logger.Debug("cache fill failed", "key", key, "err", err)
	}
}

// invalidate drops keys and bumps their versions.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, versionKey(k))
	}
	if err := bumpScript.Run(ctx, s.rdb, pairs, s.versionTTL().Milliseconds()).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// versionTTL outlives any fill that could still be in flight.
func (s *CachedStore) versionTTL() time.Duration {
	if d := 4 * s.ttl; d > time.Hour {
		return d
	}
	return time.Hour
}

func realmKey(id string) string    { return fmt.Sprintf("realm:%s", id) }
func snapshotKey(id string) string { return fmt.Sprintf("snapshot:%s", id) }
func versionKey(key string) string { return key + ":ver" }
