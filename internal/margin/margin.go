// Package margin decides whether positions are adequately collateralized.
// It computes equity, initial and maintenance margin from read-only
// projections of the fee indexes, and drives the liquidation cascade when
// equity falls through the maintenance floor.
//
// Equity marks against the probability index, not the execution pool, so
// a manipulated pool price cannot trigger liquidations on its own.
//
// All monetary values use shopspring/decimal — never float64 for money.
package margin

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/pindex"
)

const moneyScale int32 = 18

var (
	// ErrInsufficientMargin is returned when an open would leave equity
	// below the initial margin requirement.
	ErrInsufficientMargin = errors.New("margin: equity below initial margin")

	// ErrUnhealthyReduce is returned when a voluntary reduce would leave
	// the remaining position below maintenance margin.
	ErrUnhealthyReduce = errors.New("margin: reduce would leave position below maintenance margin")

	// ErrNotLiquidatable is returned when liquidation is requested for a
	// position whose equity still clears the liquidation threshold.
	ErrNotLiquidatable = errors.New("margin: position not liquidatable")
)

// Params configure the margin model.
type Params struct {
	// MaxLeverage bounds notional per unit of collateral; initial margin
	// is notional/MaxLeverage before the volatility surcharge.
	MaxLeverage decimal.Decimal

	// VolScale is the surcharge coefficient: IM = base × (1 + VolScale·σ).
	VolScale decimal.Decimal

	// MMRatio is maintenance margin as a fraction of notional.
	MMRatio decimal.Decimal

	// LiqBuffer widens the gap between the maintenance floor and the
	// liquidation trigger: liquidate at equity ≤ MM × (1 − LiqBuffer).
	LiqBuffer decimal.Decimal

	// MaxPriceAge bounds how stale the probability index may be for
	// margin decisions on open markets.
	MaxPriceAge time.Duration
}

// Health is a point-in-time margin assessment of one position.
type Health struct {
	Equity            decimal.Decimal `json:"equity"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	PendingBorrowFee  decimal.Decimal `json:"pending_borrow_fee"`
	PendingFunding    decimal.Decimal `json:"pending_funding"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	FreeMargin        decimal.Decimal `json:"free_margin"`
	Leverage          decimal.Decimal `json:"leverage"`
	Liquidatable      bool            `json:"liquidatable"`
	Shortfall         decimal.Decimal `json:"shortfall"`
}

// Engine evaluates position health. It is stateless — positions and
// market state are passed as arguments, not stored.
type Engine struct {
	p       Params
	borrow  *borrow.Engine
	funding *funding.Engine
}

// NewEngine creates a margin engine over the fee engines it projects with.
func NewEngine(p Params, be *borrow.Engine, fe *funding.Engine) *Engine {
	return &Engine{p: p, borrow: be, funding: fe}
}

// Params returns the engine's configuration.
func (e *Engine) Params() Params {
	return e.p
}

// UnrealizedPnL marks a position against the probability index:
// (index − entry) × signed size.
func (e *Engine) UnrealizedPnL(pos *model.Position, index decimal.Decimal) decimal.Decimal {
	return index.Sub(pos.EntryPrice).Mul(pos.SignedSize()).Round(moneyScale)
}

// InitialMargin is (notional / MaxLeverage) × (1 + VolScale·σ). Volatile
// markets demand more collateral up front.
func (e *Engine) InitialMargin(notional, vol decimal.Decimal) decimal.Decimal {
	base := notional.DivRound(e.p.MaxLeverage, moneyScale)
	one := decimal.NewFromInt(1)
	return base.Mul(one.Add(e.p.VolScale.Mul(vol))).Round(moneyScale)
}

// MaintenanceMargin is MMRatio × notional.
func (e *Engine) MaintenanceMargin(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(e.p.MMRatio).Round(moneyScale)
}

// Health assesses a position against the market's current index and
// projected fee indexes without mutating anything. Equity is collateral
// plus unrealized PnL minus pending borrow and funding costs. On open
// markets a stale probability index makes the assessment unsafe and is
// rejected; resolved markets carry a pinned terminal price and are never
// stale.
func (e *Engine) Health(pos *model.Position, m *model.Market, now time.Time) (Health, error) {
	if m.Status == model.StatusOpen && pindex.IsStale(m.Price, now, e.p.MaxPriceAge) {
		return Health{}, pindex.ErrStalePrice
	}

	bIdx := e.borrow.ProjectIndex(m.Borrow, now)
	lIdx, sIdx := e.funding.ProjectedIndexes(m.Funding, m.TotalLongOI, m.TotalShortOI, now)
	fIdx := lIdx
	if pos.Side == model.SideShort {
		fIdx = sIdx
	}

	pnl := e.UnrealizedPnL(pos, m.Price.Index)
	bfee := borrow.PendingFee(pos.Notional(), pos.BorrowSnapshot, bIdx)
	fcost := funding.PendingCost(pos.Size, pos.FundingSnapshot, fIdx)
	equity := pos.Collateral.Add(pnl).Sub(bfee).Sub(fcost)

	notional := pos.Notional()
	im := e.InitialMargin(notional, m.Price.Volatility)
	mm := e.MaintenanceMargin(notional)
	one := decimal.NewFromInt(1)
	threshold := mm.Mul(one.Sub(e.p.LiqBuffer))

	h := Health{
		Equity:            equity,
		UnrealizedPnL:     pnl,
		PendingBorrowFee:  bfee,
		PendingFunding:    fcost,
		InitialMargin:     im,
		MaintenanceMargin: mm,
		FreeMargin:        equity.Sub(mm),
		Liquidatable:      equity.LessThanOrEqual(threshold),
		Shortfall:         decimal.Zero,
	}
	if equity.IsPositive() {
		h.Leverage = notional.DivRound(equity, 4)
	}
	if mm.GreaterThan(equity) {
		h.Shortfall = mm.Sub(equity)
	}
	return h, nil
}

// CheckOpen validates that a position as it would stand after an open
// clears the initial margin requirement.
func (e *Engine) CheckOpen(pos *model.Position, m *model.Market, now time.Time) error {
	h, err := e.Health(pos, m, now)
	if err != nil {
		return err
	}
	if h.Equity.LessThan(h.InitialMargin) {
		return ErrInsufficientMargin
	}
	return nil
}

// CheckReduce validates that the position as it would remain after a
// voluntary reduce still clears maintenance margin. Closing risk must not
// manufacture a liquidation.
func (e *Engine) CheckReduce(remaining *model.Position, m *model.Market, now time.Time) error {
	if remaining == nil || remaining.Size.IsZero() {
		return nil
	}
	h, err := e.Health(remaining, m, now)
	if err != nil {
		return err
	}
	if h.Equity.LessThan(h.MaintenanceMargin) {
		return ErrUnhealthyReduce
	}
	return nil
}
