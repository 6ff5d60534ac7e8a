// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position sides. Size is stored unsigned; the side carries the sign.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Market lifecycle states.
const (
	StatusOpen     = "open"
	StatusResolved = "resolved"
)

// Position is a trader's margined exposure in one market. One position per
// (trader, market); increases merge into it with a size-weighted entry price.
// Size is in outcome shares (one share pays 1 at resolution), so notional
// equals size. The two snapshot fields start at the market indexes at open
// and are advanced by every fee settlement.
type Position struct {
	ID              string          `json:"id" db:"id"`
	Trader          string          `json:"trader" db:"trader"`
	MarketID        string          `json:"market_id" db:"market_id"`
	Side            string          `json:"side" db:"side"` // "LONG" or "SHORT"
	Size            decimal.Decimal `json:"size" db:"size"`
	Collateral      decimal.Decimal `json:"collateral" db:"collateral"` // never negative
	EntryPrice      decimal.Decimal `json:"entry_price" db:"entry_price"`
	BorrowSnapshot  decimal.Decimal `json:"borrow_snapshot" db:"borrow_snapshot"`
	FundingSnapshot decimal.Decimal `json:"funding_snapshot" db:"funding_snapshot"`
	OpenedAt        time.Time       `json:"opened_at" db:"opened_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// SignedSize returns +size for longs and -size for shorts.
func (p *Position) SignedSize() decimal.Decimal {
	if p.Side == SideShort {
		return p.Size.Neg()
	}
	return p.Size
}

// Notional is the exposure in collateral units at full payout.
func (p *Position) Notional() decimal.Decimal {
	return p.Size.Abs()
}

// Leverage is notional over collateral. Zero collateral reports zero.
func (p *Position) Leverage() decimal.Decimal {
	if p.Collateral.IsZero() {
		return decimal.Zero
	}
	return p.Notional().Div(p.Collateral)
}

// PriceState holds the raw feed price and the smoothed probability index
// for one market. Mutated only by the probability index engine.
type PriceState struct {
	Raw        decimal.Decimal `json:"raw"`
	Index      decimal.Decimal `json:"index"` // smoothed PI, bounded [0,1]
	Volatility decimal.Decimal `json:"volatility"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ExecutionPool holds per-market virtual constant-product reserves. There
// is no real capital behind them — the pool is a pure slippage calculator.
type ExecutionPool struct {
	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`
	RecenteredAt time.Time       `json:"recentered_at"`
}

// K is the constant-product invariant quote × base.
func (p *ExecutionPool) K() decimal.Decimal {
	return p.QuoteReserve.Mul(p.BaseReserve)
}

// BorrowState is the per-market continuously-compounding fee accumulator.
// Index starts at 1; Rate is the smoothed hourly rate applied since
// UpdatedAt.
type BorrowState struct {
	Index     decimal.Decimal `json:"index"`
	Rate      decimal.Decimal `json:"rate"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// FundingState carries one cumulative cost index per side so transfers stay
// exactly zero-sum under imbalanced open interest. A positive index delta
// is a cost to that side; negative is a credit.
type FundingState struct {
	LongIndex  decimal.Decimal `json:"long_index"`
	ShortIndex decimal.Decimal `json:"short_index"`
	Rate       decimal.Decimal `json:"rate"` // per-period, signed; + means longs pay
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Market is one tradable outcome with its embedded engine state. OI
// aggregates change only in lockstep with position size deltas.
type Market struct {
	ID           string          `json:"id" db:"id"`
	Symbol       string          `json:"symbol" db:"symbol"`
	Status       string          `json:"status" db:"status"` // "open", "resolved"
	Outcome      decimal.Decimal `json:"outcome" db:"outcome"` // 0 or 1 once resolved
	TotalLongOI  decimal.Decimal `json:"total_long_oi" db:"total_long_oi"`
	TotalShortOI decimal.Decimal `json:"total_short_oi" db:"total_short_oi"`
	MaxOI        decimal.Decimal `json:"max_oi" db:"max_oi"`
	VirtualDepth decimal.Decimal `json:"virtual_depth" db:"virtual_depth"`
	Price        PriceState      `json:"price"`
	Pool         ExecutionPool   `json:"pool"`
	Borrow       BorrowState     `json:"borrow"`
	Funding      FundingState    `json:"funding"`
	ResolvesAt   time.Time       `json:"resolves_at" db:"resolves_at"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// TotalOI is long plus short open interest.
func (m *Market) TotalOI() decimal.Decimal {
	return m.TotalLongOI.Add(m.TotalShortOI)
}

// SideOI returns the aggregate open interest for one side.
func (m *Market) SideOI(side string) decimal.Decimal {
	if side == SideShort {
		return m.TotalShortOI
	}
	return m.TotalLongOI
}

// PoolState is the pooled capital base that is counterparty to every
// position, plus the insurance fund fed by liquidation protocol fees.
type PoolState struct {
	Capital    decimal.Decimal `json:"capital" db:"capital"`
	Allocated  decimal.Decimal `json:"allocated" db:"allocated"` // Σ open notional, all markets
	FeeReserve decimal.Decimal `json:"fee_reserve" db:"fee_reserve"`
	Insurance  decimal.Decimal `json:"insurance" db:"insurance"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// LiquidationResult is the computed record of one liquidation pass,
// including how any bad debt was absorbed.
type LiquidationResult struct {
	PositionID       string          `json:"position_id"`
	Trader           string          `json:"trader"`
	MarketID         string          `json:"market_id"`
	Stage            string          `json:"stage"` // "partial", "full"
	ClosedSize       decimal.Decimal `json:"closed_size"`
	RemainingSize    decimal.Decimal `json:"remaining_size"`
	MarkPrice        decimal.Decimal `json:"mark_price"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	Penalty          decimal.Decimal `json:"penalty"`
	LiquidatorReward decimal.Decimal `json:"liquidator_reward"`
	ProtocolFee      decimal.Decimal `json:"protocol_fee"`
	PoolRecovery     decimal.Decimal `json:"pool_recovery"`
	ReturnedToTrader decimal.Decimal `json:"returned_to_trader"`
	BadDebt          decimal.Decimal `json:"bad_debt"`
	InsuranceCovered decimal.Decimal `json:"insurance_covered"`
	ADLAbsorbed      decimal.Decimal `json:"adl_absorbed"`
	SocializedLoss   decimal.Decimal `json:"socialized_loss"`
	ExecutedAt       time.Time       `json:"executed_at"`
}
