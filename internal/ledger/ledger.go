// Package ledger owns every mutation of positions, open interest, and the
// capital pool. All mutators follow the same discipline: authorize, settle
// accrued fees against the position first, check caps against post-trade
// aggregates, then apply the change and persist. A rejected operation
// leaves all state untouched.
//
// The ledger is mechanical. It knows how to move size, collateral, and
// open interest; whether a position is healthy enough to touch is decided
// by the margin engine, which calls in here once it has.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/pool"
	"github.com/probax/risk-engine/internal/store"
)

const moneyScale int32 = 18

var (
	// ErrInvalidSide is returned for a side other than LONG or SHORT.
	ErrInvalidSide = errors.New("ledger: side must be LONG or SHORT")

	// ErrInvalidSize is returned for a zero or negative size.
	ErrInvalidSize = errors.New("ledger: size must be positive")

	// ErrInvalidCollateral is returned when collateral is negative, or
	// when a new position posts none.
	ErrInvalidCollateral = errors.New("ledger: invalid collateral")

	// ErrInvalidPrice is returned for an execution price outside the
	// probability range.
	ErrInvalidPrice = errors.New("ledger: price must be within [0, 1]")

	// ErrMarketResolved is returned when a trade targets a market that has
	// already resolved.
	ErrMarketResolved = errors.New("ledger: market already resolved")

	// ErrSideConflict is returned when an open targets an existing
	// position on the opposite side. Reduce the position instead.
	ErrSideConflict = errors.New("ledger: position exists on opposite side")

	// ErrReduceExceedsPosition is returned when a voluntary reduce asks
	// for more size than the position holds.
	ErrReduceExceedsPosition = errors.New("ledger: reduce size exceeds position")
)

// Config carries the ledger's policy knobs.
type Config struct {
	Caps           Caps
	Auth           Capabilities
	MaxUtilization decimal.Decimal
	MaxPriceAge    time.Duration
}

// Ledger mutates positions and aggregates through a Store. It holds no
// market state of its own; callers serialize access per market.
type Ledger struct {
	store   store.Store
	borrow  *borrow.Engine
	funding *funding.Engine
	cfg     Config
}

// New creates a ledger over the given store and fee engines.
func New(st store.Store, be *borrow.Engine, fe *funding.Engine, cfg Config) *Ledger {
	return &Ledger{store: st, borrow: be, funding: fe, cfg: cfg}
}

// ReduceResult reports what a reduce actually did once fees, PnL, and
// penalties settled.
type ReduceResult struct {
	Position    *model.Position `json:"position,omitempty"` // remaining, nil when fully closed
	ClosedSize  decimal.Decimal `json:"closed_size"`
	ExitPrice   decimal.Decimal `json:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	FeesSettled decimal.Decimal `json:"fees_settled"`
	PenaltyPaid decimal.Decimal `json:"penalty_paid"`
	Payout      decimal.Decimal `json:"payout"`
	Shortfall   decimal.Decimal `json:"shortfall"`
	FullyClosed bool            `json:"fully_closed"`
}

// Open creates a position or increases one on the same side. Fees accrued
// since the last touch settle first, then caps are checked against
// post-trade aggregates, then pool capital is allocated and open interest
// moves. Increases merge at the size-weighted average entry price.
func (l *Ledger) Open(ctx context.Context, caller, trader, marketID, side string, size, collateral, execPrice decimal.Decimal, now time.Time) (*model.Position, error) {
	if !l.cfg.Auth.Allowed(caller, OpOpen) {
		return nil, ErrUnauthorized
	}
	if side != model.SideLong && side != model.SideShort {
		return nil, ErrInvalidSide
	}
	if !size.IsPositive() {
		return nil, ErrInvalidSize
	}
	if collateral.IsNegative() {
		return nil, ErrInvalidCollateral
	}
	one := decimal.NewFromInt(1)
	if execPrice.LessThanOrEqual(decimal.Zero) || execPrice.GreaterThanOrEqual(one) {
		return nil, ErrInvalidPrice
	}

	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, ErrMarketResolved
	}
	if pindex.IsStale(m.Price, now, l.cfg.MaxPriceAge) {
		return nil, pindex.ErrStalePrice
	}

	ps, err := l.store.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}

	pos, err := l.store.GetPosition(ctx, marketID, trader)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if pos != nil && pos.Side != side {
		return nil, ErrSideConflict
	}
	if pos == nil && !collateral.IsPositive() {
		return nil, ErrInvalidCollateral
	}

	l.accrue(m, now)
	if pos != nil {
		l.settle(pos, m, ps, now)
	}

	traderNotional, err := l.traderNotional(ctx, trader)
	if err != nil {
		return nil, err
	}
	if err := l.cfg.Caps.Check(m, side, size, traderNotional, ps.Allocated); err != nil {
		return nil, err
	}
	if err := pool.Allocate(ps, size, l.cfg.MaxUtilization, now); err != nil {
		return nil, err
	}

	if pos == nil {
		pos = &model.Position{
			ID:              uuid.New().String(),
			Trader:          trader,
			MarketID:        marketID,
			Side:            side,
			Size:            size,
			Collateral:      collateral,
			EntryPrice:      execPrice,
			BorrowSnapshot:  m.Borrow.Index,
			FundingSnapshot: l.sideIndex(m, side),
			OpenedAt:        now,
			UpdatedAt:       now,
		}
	} else {
		total := pos.Size.Add(size)
		pos.EntryPrice = pos.EntryPrice.Mul(pos.Size).Add(execPrice.Mul(size)).DivRound(total, moneyScale)
		pos.Size = total
		pos.Collateral = pos.Collateral.Add(collateral)
		pos.UpdatedAt = now
	}

	if side == model.SideLong {
		m.TotalLongOI = m.TotalLongOI.Add(size)
	} else {
		m.TotalShortOI = m.TotalShortOI.Add(size)
	}

	if err := l.store.SavePosition(ctx, pos); err != nil {
		return nil, err
	}
	if err := l.store.SaveMarket(ctx, m); err != nil {
		return nil, err
	}
	if err := l.store.SavePoolState(ctx, ps); err != nil {
		return nil, err
	}
	return pos, nil
}

// Reduce voluntarily closes part or all of a position at the given
// execution price. The trader withdraws the closed share of collateral
// plus realized PnL. The market must still be open and its price fresh.
func (l *Ledger) Reduce(ctx context.Context, caller, trader, marketID string, closeSize, execPrice decimal.Decimal, now time.Time) (*ReduceResult, error) {
	if !l.cfg.Auth.Allowed(caller, OpReduce) {
		return nil, ErrUnauthorized
	}
	if !closeSize.IsPositive() {
		return nil, ErrInvalidSize
	}
	one := decimal.NewFromInt(1)
	if execPrice.LessThanOrEqual(decimal.Zero) || execPrice.GreaterThanOrEqual(one) {
		return nil, ErrInvalidPrice
	}

	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, ErrMarketResolved
	}
	if pindex.IsStale(m.Price, now, l.cfg.MaxPriceAge) {
		return nil, pindex.ErrStalePrice
	}

	ps, err := l.store.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := l.store.GetPosition(ctx, marketID, trader)
	if err != nil {
		return nil, err
	}
	if closeSize.GreaterThan(pos.Size) {
		return nil, ErrReduceExceedsPosition
	}

	l.accrue(m, now)
	fees := l.settle(pos, m, ps, now)
	res := l.reduce(pos, m, ps, closeSize, execPrice, decimal.Zero, true, now)
	res.FeesSettled = fees.BorrowPaid.Add(fees.FundingPaid)

	if err := l.persistReduce(ctx, res, pos, m, ps); err != nil {
		return nil, err
	}
	return res, nil
}

// ForceReduce closes part or all of a position at an externally chosen
// price, charging an optional penalty from whatever value remains. It is
// the primitive under liquidation, auto-deleveraging, and resolution
// settlement: it works on resolved markets, accepts terminal prices of 0
// and 1, ignores price staleness, and never pays out on a partial close —
// remaining collateral stays with the surviving position.
func (l *Ledger) ForceReduce(ctx context.Context, caller, trader, marketID string, closeSize, price, penalty decimal.Decimal, now time.Time) (*ReduceResult, error) {
	if !l.cfg.Auth.Allowed(caller, OpLiquidate) && !l.cfg.Auth.Allowed(caller, OpResolve) {
		return nil, ErrUnauthorized
	}
	if !closeSize.IsPositive() {
		return nil, ErrInvalidSize
	}
	one := decimal.NewFromInt(1)
	if price.IsNegative() || price.GreaterThan(one) {
		return nil, ErrInvalidPrice
	}

	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	ps, err := l.store.GetPoolState(ctx)
	if err != nil {
		return nil, err
	}
	pos, err := l.store.GetPosition(ctx, marketID, trader)
	if err != nil {
		return nil, err
	}

	l.accrue(m, now)
	fees := l.settle(pos, m, ps, now)
	res := l.reduce(pos, m, ps, closeSize, price, penalty, false, now)
	res.FeesSettled = fees.BorrowPaid.Add(fees.FundingPaid)
	res.Shortfall = res.Shortfall.Add(fees.Unpaid)

	if err := l.persistReduce(ctx, res, pos, m, ps); err != nil {
		return nil, err
	}
	return res, nil
}

// Position returns one trader's position in a market.
func (l *Ledger) Position(ctx context.Context, marketID, trader string) (*model.Position, error) {
	return l.store.GetPosition(ctx, marketID, trader)
}

// PositionsOnSide lists a market's positions on one side.
func (l *Ledger) PositionsOnSide(ctx context.Context, marketID, side string) ([]*model.Position, error) {
	all, err := l.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Position, 0, len(all))
	for _, p := range all {
		if p.Side == side {
			out = append(out, p)
		}
	}
	return out, nil
}

// reduce applies the mechanical close: realize PnL into collateral, take
// the penalty from what is positive, split payout or shortfall, release
// open interest and pool capital. withdraw controls whether a partial
// close pays out the closed share of collateral.
func (l *Ledger) reduce(pos *model.Position, m *model.Market, ps *model.PoolState, closeSize, price, penalty decimal.Decimal, withdraw bool, now time.Time) *ReduceResult {
	full := closeSize.GreaterThanOrEqual(pos.Size)
	if full {
		closeSize = pos.Size
	}

	signedClosed := closeSize
	if pos.Side == model.SideShort {
		signedClosed = closeSize.Neg()
	}
	realized := price.Sub(pos.EntryPrice).Mul(signedClosed).Round(moneyScale)
	pos.Collateral = pos.Collateral.Add(realized)

	penaltyPaid := decimal.Zero
	if penalty.IsPositive() && pos.Collateral.IsPositive() {
		penaltyPaid = decimal.Min(penalty, pos.Collateral)
		pos.Collateral = pos.Collateral.Sub(penaltyPaid)
	}

	res := &ReduceResult{
		ClosedSize:  closeSize,
		ExitPrice:   price,
		RealizedPnL: realized,
		PenaltyPaid: penaltyPaid,
		Payout:      decimal.Zero,
		Shortfall:   decimal.Zero,
		FullyClosed: full,
	}

	if full {
		if pos.Collateral.IsNegative() {
			res.Shortfall = pos.Collateral.Neg()
		} else {
			res.Payout = pos.Collateral
		}
	} else {
		if pos.Collateral.IsNegative() {
			res.Shortfall = pos.Collateral.Neg()
			pos.Collateral = decimal.Zero
		} else if withdraw {
			share := pos.Collateral.Mul(closeSize).DivRound(pos.Size, moneyScale)
			res.Payout = share
			pos.Collateral = pos.Collateral.Sub(share)
		}
		pos.Size = pos.Size.Sub(closeSize)
		pos.UpdatedAt = now
		res.Position = pos
	}

	if pos.Side == model.SideLong {
		m.TotalLongOI = m.TotalLongOI.Sub(closeSize)
	} else {
		m.TotalShortOI = m.TotalShortOI.Sub(closeSize)
	}
	pool.Deallocate(ps, closeSize, now)
	return res
}

func (l *Ledger) persistReduce(ctx context.Context, res *ReduceResult, pos *model.Position, m *model.Market, ps *model.PoolState) error {
	if res.FullyClosed {
		if err := l.store.DeletePosition(ctx, pos.MarketID, pos.Trader); err != nil {
			return err
		}
	} else {
		if err := l.store.SavePosition(ctx, pos); err != nil {
			return err
		}
	}
	if err := l.store.SaveMarket(ctx, m); err != nil {
		return err
	}
	return l.store.SavePoolState(ctx, ps)
}

// settlement reports the fee cash moved while settling a position.
type settlement struct {
	BorrowPaid  decimal.Decimal
	FundingPaid decimal.Decimal // negative when the position received funding
	Unpaid      decimal.Decimal
}

// settle charges fees accrued since the position's snapshots and advances
// them. Funding settles first (it can credit collateral), then borrow fees
// go to the pool's fee reserve. Collateral clamps at zero; whatever could
// not be paid is reported and becomes shortfall if the position is closed
// by force.
func (l *Ledger) settle(pos *model.Position, m *model.Market, ps *model.PoolState, now time.Time) settlement {
	var s settlement
	idx := l.sideIndex(m, pos.Side)
	fcost := funding.PendingCost(pos.Size, pos.FundingSnapshot, idx)
	if fcost.IsNegative() {
		pos.Collateral = pos.Collateral.Add(fcost.Neg())
		s.FundingPaid = fcost
	} else if fcost.IsPositive() {
		paid := decimal.Min(fcost, pos.Collateral)
		pos.Collateral = pos.Collateral.Sub(paid)
		s.FundingPaid = paid
		s.Unpaid = fcost.Sub(paid)
	}

	bfee := borrow.PendingFee(pos.Notional(), pos.BorrowSnapshot, m.Borrow.Index)
	if bfee.IsPositive() {
		paid := decimal.Min(bfee, pos.Collateral)
		pos.Collateral = pos.Collateral.Sub(paid)
		pool.CreditFees(ps, paid, now)
		s.BorrowPaid = paid
		s.Unpaid = s.Unpaid.Add(bfee.Sub(paid))
	}

	pos.BorrowSnapshot = m.Borrow.Index
	pos.FundingSnapshot = idx
	pos.UpdatedAt = now
	return s
}

// accrue advances the market's fee indexes. Resolved markets stop
// accruing; their positions settle at whatever the indexes read when the
// outcome landed.
func (l *Ledger) accrue(m *model.Market, now time.Time) {
	if m.Status != model.StatusOpen {
		return
	}
	l.borrow.Accrue(&m.Borrow, now)
	l.funding.Accrue(&m.Funding, m.TotalLongOI, m.TotalShortOI, now)
}

func (l *Ledger) sideIndex(m *model.Market, side string) decimal.Decimal {
	if side == model.SideLong {
		return m.Funding.LongIndex
	}
	return m.Funding.ShortIndex
}

func (l *Ledger) traderNotional(ctx context.Context, trader string) (decimal.Decimal, error) {
	if !l.cfg.Caps.MaxTraderNotional.IsPositive() {
		return decimal.Zero, nil
	}
	positions, err := l.store.ListPositionsByTrader(ctx, trader)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.Notional())
	}
	return total, nil
}
