// Package funding implements the periodic funding transfer that pushes
// open interest back toward balance: the crowded side pays the thin side
// at a rate proportional to the imbalance.
//
// Like borrow fees, funding settles lazily. Each side carries its own
// cumulative cost index; a position owes (index − snapshot) × size against
// the index for its side. The short-side delta is scaled by the OI ratio
// at accrual time so that total paid equals total received regardless of
// how lopsided the book is.
//
// All monetary values use shopspring/decimal — never float64 for money.
package funding

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

const indexScale int32 = 18

// Params configure the funding model.
type Params struct {
	MaxRate   decimal.Decimal // per-period cap, e.g. 0.0005
	Threshold decimal.Decimal // imbalance at which the cap is reached, e.g. 0.5
	Period    time.Duration   // nominal funding period, e.g. 1h
}

// Engine computes funding rates and accrues the per-side cost indexes.
// It is stateless — funding state is passed as an argument, not stored.
type Engine struct {
	p Params
}

// NewEngine creates a funding engine.
func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// CurrentRate is the per-period rate implied by the current book:
//
//	rate = maxRate × imbalance / threshold, clamped to ±maxRate
//
// with imbalance = (OI_L − OI_S) / (OI_L + OI_S). Positive means longs
// pay shorts. An empty book funds at zero.
func (e *Engine) CurrentRate(oiLong, oiShort decimal.Decimal) decimal.Decimal {
	total := oiLong.Add(oiShort)
	if total.LessThanOrEqual(decimal.Zero) || e.p.Threshold.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	imbalance := oiLong.Sub(oiShort).DivRound(total, indexScale)
	rate := e.p.MaxRate.Mul(imbalance).DivRound(e.p.Threshold, indexScale)
	if rate.GreaterThan(e.p.MaxRate) {
		return e.p.MaxRate
	}
	if rate.LessThan(e.p.MaxRate.Neg()) {
		return e.p.MaxRate.Neg()
	}
	return rate
}

// Accrue advances both cost indexes for the elapsed time at the rate fixed
// by the previous accrual, then locks in the rate implied by the current
// book for the next interval. The rate is piecewise constant between
// accruals, so calling this often or rarely changes resolution, not the
// totals.
//
// Per unit of size over a fraction f of a period:
//
//	Δcost_long  = rate × f
//	Δcost_short = −rate × f × OI_L / OI_S
//
// so that Δcost_long × OI_L + Δcost_short × OI_S = 0. When either side is
// empty there is no counterparty and no cost accrues.
func (e *Engine) Accrue(fs *model.FundingState, oiLong, oiShort decimal.Decimal, now time.Time) {
	elapsed := now.Sub(fs.UpdatedAt)
	if elapsed <= 0 {
		return
	}
	dLong, dShort := e.deltas(fs.Rate, oiLong, oiShort, elapsed)
	fs.LongIndex = fs.LongIndex.Add(dLong)
	fs.ShortIndex = fs.ShortIndex.Add(dShort)
	fs.Rate = e.CurrentRate(oiLong, oiShort)
	fs.UpdatedAt = now
}

// ProjectedIndexes returns the cost indexes the state would carry at the
// given time without mutating it.
func (e *Engine) ProjectedIndexes(fs model.FundingState, oiLong, oiShort decimal.Decimal, now time.Time) (longIdx, shortIdx decimal.Decimal) {
	elapsed := now.Sub(fs.UpdatedAt)
	if elapsed <= 0 {
		return fs.LongIndex, fs.ShortIndex
	}
	dLong, dShort := e.deltas(fs.Rate, oiLong, oiShort, elapsed)
	return fs.LongIndex.Add(dLong), fs.ShortIndex.Add(dShort)
}

func (e *Engine) deltas(rate, oiLong, oiShort decimal.Decimal, elapsed time.Duration) (decimal.Decimal, decimal.Decimal) {
	if rate.IsZero() || e.p.Period <= 0 {
		return decimal.Zero, decimal.Zero
	}
	if oiLong.LessThanOrEqual(decimal.Zero) || oiShort.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero
	}
	frac := decimal.NewFromFloat(float64(elapsed) / float64(e.p.Period))
	dLong := rate.Mul(frac).Round(indexScale)
	dShort := dLong.Neg().Mul(oiLong).DivRound(oiShort, indexScale)
	return dLong, dShort
}

// PendingCost is the funding a position owes since its snapshot, against
// the cost index for its side: positive means the position pays, negative
// means it receives.
func PendingCost(size, snapshot, sideIndex decimal.Decimal) decimal.Decimal {
	return sideIndex.Sub(snapshot).Mul(size.Abs()).Round(indexScale)
}
