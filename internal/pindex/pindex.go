// Package pindex maintains the Probability Index (PI): a smoothed,
// manipulation-resistant reference price derived from a raw external
// probability feed.
//
// Every solvency computation in the engine marks against PI, never against
// the execution market, so the index trades responsiveness for stability:
// updates are gated on spread, tick size, and quoted depth, then blended in
// with a weight that shrinks as volatility rises or resolution approaches.
// Near a binary settlement the index locks almost constant, and at
// resolution it is force-set to the outcome.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The square root in the time weight runs in float64 on a dimensionless
// ratio, with the result immediately converted back to decimal.
package pindex

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

var (
	// ErrPriceOutOfRange is returned when the raw probability is outside [0,1].
	ErrPriceOutOfRange = errors.New("pindex: raw price outside [0,1]")

	// ErrSpreadTooWide is returned when the quoted spread exceeds the gate.
	ErrSpreadTooWide = errors.New("pindex: quoted spread above threshold")

	// ErrTickTooLarge is returned when the move since the last accepted
	// update exceeds the per-update cap.
	ErrTickTooLarge = errors.New("pindex: tick movement above per-update cap")

	// ErrDepthTooThin is returned when quoted liquidity depth is below the floor.
	ErrDepthTooThin = errors.New("pindex: quoted depth below floor")

	// ErrStalePrice is returned by consumers when the index has not been
	// updated within the configured maximum age.
	ErrStalePrice = errors.New("pindex: probability index is stale")
)

// Params are the gate thresholds and smoothing constants.
type Params struct {
	Alpha       decimal.Decimal // base smoothing constant, e.g. 0.10
	VolLambda   decimal.Decimal // EWMA decay for the volatility estimate, e.g. 0.94
	MaxSpread   decimal.Decimal // reject updates quoted wider than this
	MaxTickMove decimal.Decimal // reject moves larger than this per update
	MinDepth    decimal.Decimal // reject updates quoted on thinner books
	MaxHorizon  time.Duration   // time weight saturates at this distance from resolution
}

// Engine applies gated, weighted updates to a market's PriceState. It is
// stateless — price state is passed as an argument, not stored.
type Engine struct {
	p Params
}

// NewEngine creates a probability index engine with the given parameters.
func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// Params returns the configured gate thresholds and smoothing constants.
func (e *Engine) Params() Params {
	return e.p
}

// Ingest validates one raw feed observation and, if accepted, folds it into
// the index:
//
//	w_vol  = 1 / (1 + σ)
//	w_time = sqrt(timeToResolution / maxHorizon), clamped to [0,1]
//	PI    += α · w_vol · w_time · (raw − PI)
//
// A rejected observation changes nothing: the gates run before any mutation,
// so rejection is idempotent. The volatility estimate is an EWMA of the
// deviation |raw − PI|, updated after the index step.
func (e *Engine) Ingest(ps *model.PriceState, resolvesAt, now time.Time, raw, spread, depth decimal.Decimal) error {
	one := decimal.NewFromInt(1)

	if raw.LessThan(decimal.Zero) || raw.GreaterThan(one) {
		return ErrPriceOutOfRange
	}
	if spread.GreaterThan(e.p.MaxSpread) {
		return ErrSpreadTooWide
	}
	if raw.Sub(ps.Raw).Abs().GreaterThan(e.p.MaxTickMove) {
		return ErrTickTooLarge
	}
	if depth.LessThan(e.p.MinDepth) {
		return ErrDepthTooThin
	}

	wVol := one.Div(one.Add(ps.Volatility))
	wTime := e.timeWeight(resolvesAt, now)

	deviation := raw.Sub(ps.Index)
	next := ps.Index.Add(e.p.Alpha.Mul(wVol).Mul(wTime).Mul(deviation))

	// Clamp to [0,1]; the blend cannot overshoot raw, but guard anyway.
	if next.LessThan(decimal.Zero) {
		next = decimal.Zero
	}
	if next.GreaterThan(one) {
		next = one
	}

	ps.Index = next
	ps.Volatility = e.p.VolLambda.Mul(ps.Volatility).
		Add(one.Sub(e.p.VolLambda).Mul(deviation.Abs()))
	ps.Raw = raw
	ps.UpdatedAt = now
	return nil
}

// timeWeight is sqrt(timeToResolution / maxHorizon) clamped to [0,1].
// Zero at or after resolution, so the index stops moving entirely.
func (e *Engine) timeWeight(resolvesAt, now time.Time) decimal.Decimal {
	remaining := resolvesAt.Sub(now)
	if remaining <= 0 {
		return decimal.Zero
	}
	if remaining >= e.p.MaxHorizon {
		return decimal.NewFromInt(1)
	}
	ratio := float64(remaining) / float64(e.p.MaxHorizon)
	return decimal.NewFromFloat(math.Sqrt(ratio))
}

// Resolve force-sets the index to the settlement outcome (0 or 1),
// overriding the update formula.
func (e *Engine) Resolve(ps *model.PriceState, outcome decimal.Decimal, now time.Time) {
	ps.Raw = outcome
	ps.Index = outcome
	ps.UpdatedAt = now
}

// IsStale reports whether the index is older than maxAge at the given time.
func IsStale(ps model.PriceState, now time.Time, maxAge time.Duration) bool {
	return now.Sub(ps.UpdatedAt) > maxAge
}
