// Package borrow maintains the per-market borrow fee: a continuously
// compounding index that charges open exposure for its claim on pooled
// capital.
//
// The hourly rate is the base rate scaled by five risk multipliers
// (utilization, open-interest imbalance, volatility, time-to-resolution,
// concentration), exponentially smoothed and clamped so it cannot be
// spiked or gamed within a single recompute interval. Accrual never
// iterates positions: the global index grows as B(t) = B(t₀)·e^(r·Δt) and
// each position settles lazily against its own snapshot.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The exponential in index growth runs in float64 on the dimensionless
// product r·Δt, with the factor immediately converted back to decimal.
package borrow

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

// Horizon breakpoints for the time-to-resolution multiplier, in hours.
const (
	farHorizonHours  = 48.0
	nearHorizonHours = 12.0
)

// indexScale is the precision used for index and fee arithmetic.
const indexScale int32 = 18

// Params are the rate model coefficients. Rates are hourly.
type Params struct {
	BaseRate  decimal.Decimal // r_base
	MinRate   decimal.Decimal // hard lower bound
	MaxRate   decimal.Decimal // hard upper bound
	Beta      decimal.Decimal // EMA smoothing weight on the new raw rate, e.g. 0.15
	MaxStepUp decimal.Decimal // max fractional increase per recompute, e.g. 0.25

	UtilKnee      decimal.Decimal // utilization where the ramp starts, e.g. 0.60
	UtilRampCoeff decimal.Decimal // quadratic ramp coefficient between knee and 100%
	UtilOverSlope decimal.Decimal // linear slope above 100% utilization

	ImbalanceCoeff decimal.Decimal // c in 1 + c·S²
	VolCoeff       decimal.Decimal // d in 1 + d·max(0, (σ−σ₀)/σ₀)
	VolFloor       decimal.Decimal // σ₀
	HorizonRamp    decimal.Decimal // quadratic coefficient for 12–48h to resolution
	HorizonSlope   decimal.Decimal // linear slope under 12h
	ConcCoeff      decimal.Decimal // g in 1 + g·max(0, share − threshold)
	ConcThreshold  decimal.Decimal // market share of global OI where it kicks in
}

// RateInputs are the observations one recompute reads. All are taken from
// ledger aggregates and the price state; the engine itself stores nothing.
type RateInputs struct {
	Utilization      decimal.Decimal // allocated / pool capital
	OILong           decimal.Decimal
	OIShort          decimal.Decimal
	Volatility       decimal.Decimal
	TimeToResolution time.Duration
	MarketOI         decimal.Decimal
	GlobalOI         decimal.Decimal
}

// Engine computes and applies borrow rates. It is stateless — borrow state
// is passed as an argument, not stored.
type Engine struct {
	p Params
}

// NewEngine creates a borrow fee engine with the given coefficients.
func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// UtilizationMultiplier is flat at 1 below the knee, ramps quadratically to
// the cap, and ramps linearly (steeper) above 100% utilization.
func (e *Engine) UtilizationMultiplier(util decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if util.LessThanOrEqual(e.p.UtilKnee) {
		return one
	}
	span := one.Sub(e.p.UtilKnee)
	if span.LessThanOrEqual(decimal.Zero) {
		return one
	}
	if util.LessThanOrEqual(one) {
		x := util.Sub(e.p.UtilKnee).DivRound(span, indexScale)
		return one.Add(e.p.UtilRampCoeff.Mul(x).Mul(x))
	}
	atCap := one.Add(e.p.UtilRampCoeff)
	return atCap.Add(e.p.UtilOverSlope.Mul(util.Sub(one)))
}

// ImbalanceMultiplier is 1 + c·S² with S = |OI_L − OI_S| / (OI_L + OI_S).
func (e *Engine) ImbalanceMultiplier(oiLong, oiShort decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	total := oiLong.Add(oiShort)
	if total.LessThanOrEqual(decimal.Zero) {
		return one
	}
	s := oiLong.Sub(oiShort).Abs().DivRound(total, indexScale)
	return one.Add(e.p.ImbalanceCoeff.Mul(s).Mul(s))
}

// VolatilityMultiplier is 1 + d·max(0, (σ − σ₀)/σ₀).
func (e *Engine) VolatilityMultiplier(vol decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if e.p.VolFloor.LessThanOrEqual(decimal.Zero) {
		return one
	}
	excess := vol.Sub(e.p.VolFloor).DivRound(e.p.VolFloor, indexScale)
	if excess.LessThanOrEqual(decimal.Zero) {
		return one
	}
	return one.Add(e.p.VolCoeff.Mul(excess))
}

// HorizonMultiplier is flat beyond 48h to resolution, ramps quadratically
// from 48h to 12h, and ramps linearly (steeper) under 12h. At or past
// resolution it reports the maximum.
func (e *Engine) HorizonMultiplier(ttr time.Duration) decimal.Decimal {
	one := decimal.NewFromInt(1)
	hours := ttr.Hours()
	if hours >= farHorizonHours {
		return one
	}
	if hours < 0 {
		hours = 0
	}
	atNear := one.Add(e.p.HorizonRamp)
	if hours >= nearHorizonHours {
		x := decimal.NewFromFloat((farHorizonHours - hours) / (farHorizonHours - nearHorizonHours))
		return one.Add(e.p.HorizonRamp.Mul(x).Mul(x))
	}
	frac := decimal.NewFromFloat((nearHorizonHours - hours) / nearHorizonHours)
	return atNear.Add(e.p.HorizonSlope.Mul(frac))
}

// ConcentrationMultiplier is 1 + g·max(0, marketOI/globalOI − threshold).
func (e *Engine) ConcentrationMultiplier(marketOI, globalOI decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if globalOI.LessThanOrEqual(decimal.Zero) {
		return one
	}
	excess := marketOI.DivRound(globalOI, indexScale).Sub(e.p.ConcThreshold)
	if excess.LessThanOrEqual(decimal.Zero) {
		return one
	}
	return one.Add(e.p.ConcCoeff.Mul(excess))
}

// RawRate is min(r_max, r_base · M_util · M_imb · M_vol · M_ttR · M_conc).
func (e *Engine) RawRate(in RateInputs) decimal.Decimal {
	r := e.p.BaseRate.
		Mul(e.UtilizationMultiplier(in.Utilization)).
		Mul(e.ImbalanceMultiplier(in.OILong, in.OIShort)).
		Mul(e.VolatilityMultiplier(in.Volatility)).
		Mul(e.HorizonMultiplier(in.TimeToResolution)).
		Mul(e.ConcentrationMultiplier(in.MarketOI, in.GlobalOI))
	if r.GreaterThan(e.p.MaxRate) {
		return e.p.MaxRate
	}
	return r
}

// Recompute accrues the index at the old rate, then replaces the smoothed
// rate:
//
//	r ← β·r_raw + (1−β)·r_prev
//
// The step is clamped so the rate rises at most MaxStepUp per recompute
// (decreases are unclamped), then bounded to [r_min, r_max]. The first
// recompute on a fresh market adopts the raw rate directly.
func (e *Engine) Recompute(bs *model.BorrowState, in RateInputs, now time.Time) {
	e.Accrue(bs, now)

	one := decimal.NewFromInt(1)
	raw := e.RawRate(in)

	var next decimal.Decimal
	if bs.Rate.IsZero() {
		next = raw
	} else {
		next = e.p.Beta.Mul(raw).Add(one.Sub(e.p.Beta).Mul(bs.Rate))
		ceiling := bs.Rate.Mul(one.Add(e.p.MaxStepUp))
		if next.GreaterThan(ceiling) {
			next = ceiling
		}
	}

	if next.LessThan(e.p.MinRate) {
		next = e.p.MinRate
	}
	if next.GreaterThan(e.p.MaxRate) {
		next = e.p.MaxRate
	}
	bs.Rate = next
}

// Accrue grows the index at the current smoothed rate for the elapsed time:
// B ← B·e^(r·Δt). Monotonic for non-negative rates; a no-op when no time
// has passed.
func (e *Engine) Accrue(bs *model.BorrowState, now time.Time) {
	elapsed := now.Sub(bs.UpdatedAt)
	if elapsed <= 0 {
		return
	}
	bs.Index = growIndex(bs.Index, bs.Rate, elapsed)
	bs.UpdatedAt = now
}

// ProjectIndex returns the index the state would carry at the given time
// without mutating it. Read paths use this; write paths call Accrue.
func (e *Engine) ProjectIndex(bs model.BorrowState, now time.Time) decimal.Decimal {
	elapsed := now.Sub(bs.UpdatedAt)
	if elapsed <= 0 {
		return bs.Index
	}
	return growIndex(bs.Index, bs.Rate, elapsed)
}

// PendingFee is the lazily computed fee owed since the snapshot:
//
//	fee = notional × (B(t)/B_snapshot − 1)
//
// Independent of how many accrual steps occurred in between.
func PendingFee(notional, snapshot, index decimal.Decimal) decimal.Decimal {
	if snapshot.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	growth := index.DivRound(snapshot, indexScale).Sub(decimal.NewFromInt(1))
	if growth.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return notional.Mul(growth).Round(indexScale)
}

func growIndex(index, hourlyRate decimal.Decimal, elapsed time.Duration) decimal.Decimal {
	factor := math.Exp(hourlyRate.InexactFloat64() * elapsed.Hours())
	return index.Mul(decimal.NewFromFloat(factor)).Round(indexScale)
}
