package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/probax/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	positions map[string]map[string]*model.Position // marketID → trader → position
	pool      *model.PoolState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		positions: make(map[string]map[string]*model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Symbol == m.Symbol {
			return fmt.Errorf("market for symbol %s already exists", m.Symbol)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) GetMarketBySymbol(_ context.Context, symbol string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Symbol == symbol {
			copy := *m
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("market for symbol %s: %w", symbol, ErrNotFound)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) SaveMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	copy := *m
	s.markets[m.ID] = &copy
	return nil
}

func (s *MemoryStore) GetPosition(_ context.Context, marketID, trader string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[marketID][trader]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", marketID, trader, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, marketID string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]*model.Position, 0, len(s.positions[marketID]))
	for _, p := range s.positions[marketID] {
		copy := *p
		positions = append(positions, &copy)
	}
	return positions, nil
}

func (s *MemoryStore) ListPositionsByTrader(_ context.Context, trader string) ([]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []*model.Position
	for _, byTrader := range s.positions {
		if p, ok := byTrader[trader]; ok {
			copy := *p
			positions = append(positions, &copy)
		}
	}
	return positions, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTrader, ok := s.positions[p.MarketID]
	if !ok {
		byTrader = make(map[string]*model.Position)
		s.positions[p.MarketID] = byTrader
	}
	copy := *p
	byTrader[p.Trader] = &copy
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, marketID, trader string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions[marketID], trader)
	return nil
}

func (s *MemoryStore) GetPoolState(_ context.Context) (*model.PoolState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pool == nil {
		return nil, fmt.Errorf("pool state: %w", ErrNotFound)
	}
	copy := *s.pool
	return &copy, nil
}

func (s *MemoryStore) SavePoolState(_ context.Context, ps *model.PoolState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ps
	s.pool = &copy
	return nil
}
