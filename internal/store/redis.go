package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/probax/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(m.Symbol), m.ID, s.ttl)
	return nil
}

func (s *CachedStore) SaveMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.SaveMarket(ctx, m); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.MarketID, p.Trader), positionsKey(p.MarketID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, marketID, trader string) error {
	if err := s.primary.DeletePosition(ctx, marketID, trader); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(marketID, trader), positionsKey(marketID))
	return nil
}

func (s *CachedStore) SavePoolState(ctx context.Context, ps *model.PoolState) error {
	if err := s.primary.SavePoolState(ctx, ps); err != nil {
		return err
	}
	s.rdb.Del(ctx, poolKey())
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	// Try cache via symbol→marketID mapping.
	marketID, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	// Cache miss.
	m, err := s.primary.GetMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the symbol→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(symbol), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionKey(marketID, trader)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPosition(ctx, marketID, trader)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, positionKey(marketID, trader), data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, marketID string) ([]*model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(marketID)).Bytes()
	if err == nil {
		var positions []*model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(marketID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	data, err := s.rdb.Get(ctx, poolKey()).Bytes()
	if err == nil {
		var ps model.PoolState
		if json.Unmarshal(data, &ps) == nil {
			return &ps, nil
		}
	}

	ps, err := s.primary.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(ps); err == nil {
		s.rdb.Set(ctx, poolKey(), data, s.ttl)
	}
	return ps, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPositionsByTrader(ctx context.Context, trader string) ([]*model.Position, error) {
	return s.primary.ListPositionsByTrader(ctx, trader)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("risk:market:%s", id) }
func symbolKey(sym string) string    { return fmt.Sprintf("risk:symbol:%s", sym) }
func poolKey() string                { return "risk:pool" }
func positionsKey(mid string) string { return fmt.Sprintf("risk:positions:%s", mid) }

func positionKey(mid, trader string) string {
	return fmt.Sprintf("risk:position:%s:%s", mid, trader)
}
