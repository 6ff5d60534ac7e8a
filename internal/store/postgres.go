package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// InitSchema creates the engine's tables when they do not exist yet. Run
// once at startup; a migration tool can own the schema instead without
// code changes here.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id                  TEXT PRIMARY KEY,
			symbol              TEXT UNIQUE NOT NULL,
			status              TEXT NOT NULL,
			outcome             NUMERIC NOT NULL DEFAULT 0,
			total_long_oi       NUMERIC NOT NULL DEFAULT 0,
			total_short_oi      NUMERIC NOT NULL DEFAULT 0,
			max_oi              NUMERIC NOT NULL DEFAULT 0,
			virtual_depth       NUMERIC NOT NULL,
			px_raw              NUMERIC NOT NULL,
			px_index            NUMERIC NOT NULL,
			px_vol              NUMERIC NOT NULL,
			px_updated_at       TIMESTAMPTZ NOT NULL,
			pool_quote          NUMERIC NOT NULL,
			pool_base           NUMERIC NOT NULL,
			pool_recentered_at  TIMESTAMPTZ NOT NULL,
			borrow_index        NUMERIC NOT NULL,
			borrow_rate         NUMERIC NOT NULL,
			borrow_updated_at   TIMESTAMPTZ NOT NULL,
			funding_long_index  NUMERIC NOT NULL,
			funding_short_index NUMERIC NOT NULL,
			funding_rate        NUMERIC NOT NULL,
			funding_updated_at  TIMESTAMPTZ NOT NULL,
			resolves_at         TIMESTAMPTZ NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			market_id        TEXT NOT NULL,
			trader           TEXT NOT NULL,
			id               TEXT NOT NULL,
			side             TEXT NOT NULL,
			size             NUMERIC NOT NULL,
			collateral       NUMERIC NOT NULL,
			entry_price      NUMERIC NOT NULL,
			borrow_snapshot  NUMERIC NOT NULL,
			funding_snapshot NUMERIC NOT NULL,
			opened_at        TIMESTAMPTZ NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (market_id, trader)
		)`,
		`CREATE INDEX IF NOT EXISTS positions_trader_idx ON positions (trader)`,
		`CREATE TABLE IF NOT EXISTS pool_state (
			id          INT PRIMARY KEY CHECK (id = 1),
			capital     NUMERIC NOT NULL,
			allocated   NUMERIC NOT NULL,
			fee_reserve NUMERIC NOT NULL,
			insurance   NUMERIC NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const marketColumns = `id, symbol, status,
	outcome::TEXT, total_long_oi::TEXT, total_short_oi::TEXT, max_oi::TEXT, virtual_depth::TEXT,
	px_raw::TEXT, px_index::TEXT, px_vol::TEXT, px_updated_at,
	pool_quote::TEXT, pool_base::TEXT, pool_recentered_at,
	borrow_index::TEXT, borrow_rate::TEXT, borrow_updated_at,
	funding_long_index::TEXT, funding_short_index::TEXT, funding_rate::TEXT, funding_updated_at,
	resolves_at, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, symbol, status, outcome, total_long_oi, total_short_oi, max_oi, virtual_depth,
		                      px_raw, px_index, px_vol, px_updated_at,
		                      pool_quote, pool_base, pool_recentered_at,
		                      borrow_index, borrow_rate, borrow_updated_at,
		                      funding_long_index, funding_short_index, funding_rate, funding_updated_at,
		                      resolves_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12,
		         $13::NUMERIC, $14::NUMERIC, $15,
		         $16::NUMERIC, $17::NUMERIC, $18,
		         $19::NUMERIC, $20::NUMERIC, $21::NUMERIC, $22,
		         $23, $24)`,
		m.ID, m.Symbol, m.Status,
		m.Outcome.String(), m.TotalLongOI.String(), m.TotalShortOI.String(), m.MaxOI.String(), m.VirtualDepth.String(),
		m.Price.Raw.String(), m.Price.Index.String(), m.Price.Volatility.String(), m.Price.UpdatedAt,
		m.Pool.QuoteReserve.String(), m.Pool.BaseReserve.String(), m.Pool.RecenteredAt,
		m.Borrow.Index.String(), m.Borrow.Rate.String(), m.Borrow.UpdatedAt,
		m.Funding.LongIndex.String(), m.Funding.ShortIndex.String(), m.Funding.Rate.String(), m.Funding.UpdatedAt,
		m.ResolvesAt, m.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("market for symbol %s: %w", symbol, ErrNotFound)
		}
		return nil, fmt.Errorf("get market by symbol %s: %w", symbol, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) SaveMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets
		 SET status = $2, outcome = $3::NUMERIC,
		     total_long_oi = $4::NUMERIC, total_short_oi = $5::NUMERIC, max_oi = $6::NUMERIC,
		     virtual_depth = $7::NUMERIC,
		     px_raw = $8::NUMERIC, px_index = $9::NUMERIC, px_vol = $10::NUMERIC, px_updated_at = $11,
		     pool_quote = $12::NUMERIC, pool_base = $13::NUMERIC, pool_recentered_at = $14,
		     borrow_index = $15::NUMERIC, borrow_rate = $16::NUMERIC, borrow_updated_at = $17,
		     funding_long_index = $18::NUMERIC, funding_short_index = $19::NUMERIC,
		     funding_rate = $20::NUMERIC, funding_updated_at = $21,
		     resolves_at = $22
		 WHERE id = $1`,
		m.ID, m.Status, m.Outcome.String(),
		m.TotalLongOI.String(), m.TotalShortOI.String(), m.MaxOI.String(),
		m.VirtualDepth.String(),
		m.Price.Raw.String(), m.Price.Index.String(), m.Price.Volatility.String(), m.Price.UpdatedAt,
		m.Pool.QuoteReserve.String(), m.Pool.BaseReserve.String(), m.Pool.RecenteredAt,
		m.Borrow.Index.String(), m.Borrow.Rate.String(), m.Borrow.UpdatedAt,
		m.Funding.LongIndex.String(), m.Funding.ShortIndex.String(),
		m.Funding.Rate.String(), m.Funding.UpdatedAt,
		m.ResolvesAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, marketID, trader string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT market_id, trader, id, side,
		        size::TEXT, collateral::TEXT, entry_price::TEXT,
		        borrow_snapshot::TEXT, funding_snapshot::TEXT,
		        opened_at, updated_at
		 FROM positions WHERE market_id = $1 AND trader = $2`, marketID, trader)
	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", marketID, trader, ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s/%s: %w", marketID, trader, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositions(ctx context.Context, marketID string) ([]*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, trader, id, side,
		        size::TEXT, collateral::TEXT, entry_price::TEXT,
		        borrow_snapshot::TEXT, funding_snapshot::TEXT,
		        opened_at, updated_at
		 FROM positions WHERE market_id = $1 ORDER BY opened_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByTrader(ctx context.Context, trader string) ([]*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, trader, id, side,
		        size::TEXT, collateral::TEXT, entry_price::TEXT,
		        borrow_snapshot::TEXT, funding_snapshot::TEXT,
		        opened_at, updated_at
		 FROM positions WHERE trader = $1 ORDER BY opened_at`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (market_id, trader, id, side, size, collateral, entry_price,
		                        borrow_snapshot, funding_snapshot, opened_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)
		 ON CONFLICT (market_id, trader) DO UPDATE
		 SET side = EXCLUDED.side, size = EXCLUDED.size, collateral = EXCLUDED.collateral,
		     entry_price = EXCLUDED.entry_price,
		     borrow_snapshot = EXCLUDED.borrow_snapshot, funding_snapshot = EXCLUDED.funding_snapshot,
		     updated_at = EXCLUDED.updated_at`,
		p.MarketID, p.Trader, p.ID, p.Side,
		p.Size.String(), p.Collateral.String(), p.EntryPrice.String(),
		p.BorrowSnapshot.String(), p.FundingSnapshot.String(),
		p.OpenedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, marketID, trader string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE market_id = $1 AND trader = $2`, marketID, trader)
	return err
}

func (s *PostgresStore) GetPoolState(ctx context.Context) (*model.PoolState, error) {
	var ps model.PoolState
	var capital, allocated, feeReserve, insurance string

	err := s.pool.QueryRow(ctx,
		`SELECT capital::TEXT, allocated::TEXT, fee_reserve::TEXT, insurance::TEXT, updated_at
		 FROM pool_state WHERE id = 1`).
		Scan(&capital, &allocated, &feeReserve, &insurance, &ps.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("pool state: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get pool state: %w", err)
	}

	ps.Capital, _ = decimal.NewFromString(capital)
	ps.Allocated, _ = decimal.NewFromString(allocated)
	ps.FeeReserve, _ = decimal.NewFromString(feeReserve)
	ps.Insurance, _ = decimal.NewFromString(insurance)

	return &ps, nil
}

func (s *PostgresStore) SavePoolState(ctx context.Context, ps *model.PoolState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pool_state (id, capital, allocated, fee_reserve, insurance, updated_at)
		 VALUES (1, $1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET capital = EXCLUDED.capital, allocated = EXCLUDED.allocated,
		     fee_reserve = EXCLUDED.fee_reserve, insurance = EXCLUDED.insurance,
		     updated_at = EXCLUDED.updated_at`,
		ps.Capital.String(), ps.Allocated.String(), ps.FeeReserve.String(), ps.Insurance.String(),
		ps.UpdatedAt,
	)
	return err
}

// pgxRow is the subset of pgx scanning shared by QueryRow and Query rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row pgxRow) (*model.Market, error) {
	var m model.Market
	var outcome, longOI, shortOI, maxOI, depth string
	var pxRaw, pxIndex, pxVol string
	var poolQuote, poolBase string
	var bIndex, bRate string
	var fLong, fShort, fRate string

	if err := row.Scan(&m.ID, &m.Symbol, &m.Status,
		&outcome, &longOI, &shortOI, &maxOI, &depth,
		&pxRaw, &pxIndex, &pxVol, &m.Price.UpdatedAt,
		&poolQuote, &poolBase, &m.Pool.RecenteredAt,
		&bIndex, &bRate, &m.Borrow.UpdatedAt,
		&fLong, &fShort, &fRate, &m.Funding.UpdatedAt,
		&m.ResolvesAt, &m.CreatedAt); err != nil {
		return nil, err
	}

	m.Outcome, _ = decimal.NewFromString(outcome)
	m.TotalLongOI, _ = decimal.NewFromString(longOI)
	m.TotalShortOI, _ = decimal.NewFromString(shortOI)
	m.MaxOI, _ = decimal.NewFromString(maxOI)
	m.VirtualDepth, _ = decimal.NewFromString(depth)
	m.Price.Raw, _ = decimal.NewFromString(pxRaw)
	m.Price.Index, _ = decimal.NewFromString(pxIndex)
	m.Price.Volatility, _ = decimal.NewFromString(pxVol)
	m.Pool.QuoteReserve, _ = decimal.NewFromString(poolQuote)
	m.Pool.BaseReserve, _ = decimal.NewFromString(poolBase)
	m.Borrow.Index, _ = decimal.NewFromString(bIndex)
	m.Borrow.Rate, _ = decimal.NewFromString(bRate)
	m.Funding.LongIndex, _ = decimal.NewFromString(fLong)
	m.Funding.ShortIndex, _ = decimal.NewFromString(fShort)
	m.Funding.Rate, _ = decimal.NewFromString(fRate)

	return &m, nil
}

func scanPosition(row pgxRow) (*model.Position, error) {
	var p model.Position
	var size, collateral, entry, bSnap, fSnap string

	if err := row.Scan(&p.MarketID, &p.Trader, &p.ID, &p.Side,
		&size, &collateral, &entry, &bSnap, &fSnap,
		&p.OpenedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}

	p.Size, _ = decimal.NewFromString(size)
	p.Collateral, _ = decimal.NewFromString(collateral)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.BorrowSnapshot, _ = decimal.NewFromString(bSnap)
	p.FundingSnapshot, _ = decimal.NewFromString(fSnap)

	return &p, nil
}

type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]*model.Position, error) {
	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
