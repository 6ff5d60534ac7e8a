// Package store defines the persistence interface for the risk engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/probax/risk-engine/internal/model"
)

// ErrNotFound is wrapped by implementations when a market, position, or
// pool record does not exist. Callers branch on it with errors.Is.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// GetMarketBySymbol retrieves a market by its listing symbol.
	GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// SaveMarket persists the full mutable state of an existing market:
	// open interest, price state, execution pool, fee indexes, status.
	SaveMarket(ctx context.Context, market *model.Market) error

	// --- Position operations ---

	// GetPosition retrieves one trader's position in a market.
	GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error)

	// ListPositions returns all positions in a market.
	ListPositions(ctx context.Context, marketID string) ([]*model.Position, error)

	// ListPositionsByTrader returns one trader's positions across markets.
	ListPositionsByTrader(ctx context.Context, trader string) ([]*model.Position, error)

	// SavePosition upserts a position keyed by (market, trader).
	SavePosition(ctx context.Context, position *model.Position) error

	// DeletePosition removes a fully closed position.
	DeletePosition(ctx context.Context, marketID, trader string) error

	// --- Capital pool ---

	// GetPoolState retrieves the singleton capital pool record.
	GetPoolState(ctx context.Context) (*model.PoolState, error)

	// SavePoolState upserts the singleton capital pool record.
	SavePoolState(ctx context.Context, ps *model.PoolState) error
}
