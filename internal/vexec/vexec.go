// Package vexec implements the virtual execution market: a constant-product
// curve with no real backing capital that prices trade slippage around the
// probability index.
//
// Virtual reserves (quote, base) satisfy quote × base = k. The curve's spot
// price quote/base is initialized and periodically re-centered to the
// probability index, so an execution price may diverge from the index only
// by the slippage of the trades since the last re-centering — that
// divergence is expected, not a bug. Solvency never reads this price.
//
// All monetary values use shopspring/decimal — never float64 for money.
// The square root in re-centering runs in float64, with the quote reserve
// converted back to decimal and the base reserve recomputed from k so the
// invariant is preserved exactly.
package vexec

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

// Trade directions against the base (outcome-share) reserve.
const (
	DirBuy  = "BUY"
	DirSell = "SELL"
)

var (
	// ErrInvalidDepth is returned when a pool is created with depth <= 0.
	ErrInvalidDepth = errors.New("vexec: virtual depth must be positive")

	// ErrInvalidSize is returned for zero or negative trade sizes.
	ErrInvalidSize = errors.New("vexec: trade size must be positive")

	// ErrInvalidDirection is returned for directions other than BUY/SELL.
	ErrInvalidDirection = errors.New("vexec: direction must be BUY or SELL")

	// ErrInsufficientReserve is returned when a buy would drain the base
	// reserve.
	ErrInsufficientReserve = errors.New("vexec: trade exceeds virtual base reserve")

	// ErrExcessiveImpact is returned when the effective price deviates from
	// spot by more than the configured maximum.
	ErrExcessiveImpact = errors.New("vexec: price impact above maximum")

	// ErrPriceLimit is returned when the effective price breaches the
	// caller's slippage bound.
	ErrPriceLimit = errors.New("vexec: fill price breaches caller limit")

	// MinCenterPrice is the lowest price the pool will center on.
	// Prevents zero reserves when the index sits at a boundary.
	MinCenterPrice = decimal.NewFromFloat(0.001)

	// MaxCenterPrice is the highest price the pool will center on.
	MaxCenterPrice = decimal.NewFromFloat(0.999)

	// MaxSpreadWiden caps the proportional spread-guard widening.
	MaxSpreadWiden = decimal.NewFromFloat(0.5)

	// PriceScale is the number of decimal places for quoted price rounding.
	PriceScale int32 = 8

	// reserveScale is the precision used for reserve arithmetic.
	reserveScale int32 = 18
)

// Params configure the spread guard and the impact limit.
type Params struct {
	// GuardThreshold is the |raw − index| divergence above which the
	// effective spread starts widening.
	GuardThreshold decimal.Decimal

	// GuardSlope is the widening per unit of excess divergence.
	GuardSlope decimal.Decimal

	// MaxImpactBps rejects quotes whose effective price deviates from spot
	// by more than this many basis points.
	MaxImpactBps decimal.Decimal
}

// Engine prices trades against a pool's virtual reserves. It is stateless —
// pool state is passed as an argument, not stored.
type Engine struct {
	p Params
}

// NewEngine creates an execution engine with the given parameters.
func NewEngine(p Params) *Engine {
	return &Engine{p: p}
}

// Quote is the result of pricing one trade against the curve.
type Quote struct {
	Direction string          `json:"direction"`
	Size      decimal.Decimal `json:"size"`
	Cost      decimal.Decimal `json:"cost"`      // quote-currency amount paid (buy) or received (sell)
	Price     decimal.Decimal `json:"price"`     // effective average price per share
	Spot      decimal.Decimal `json:"spot"`      // curve price before the trade
	ImpactBps decimal.Decimal `json:"impact_bps"`
}

// NewPool creates virtual reserves of the given depth centered on price:
// quote = depth·√price, base = depth/√price, so quote/base = price and
// k = depth².
func NewPool(price, depth decimal.Decimal, now time.Time) (model.ExecutionPool, error) {
	if depth.LessThanOrEqual(decimal.Zero) {
		return model.ExecutionPool{}, ErrInvalidDepth
	}
	price = clampCenter(price)

	root := decimal.NewFromFloat(math.Sqrt(price.InexactFloat64()))
	quote := depth.Mul(root)
	base := depth.DivRound(root, reserveScale)

	return model.ExecutionPool{
		QuoteReserve: quote,
		BaseReserve:  base,
		RecenteredAt: now,
	}, nil
}

// SpotPrice returns the curve's instantaneous price quote/base.
func SpotPrice(pool model.ExecutionPool) decimal.Decimal {
	if pool.BaseReserve.IsZero() {
		return decimal.Zero
	}
	return pool.QuoteReserve.DivRound(pool.BaseReserve, PriceScale)
}

// Quote prices a trade of size shares without mutating the pool.
//
// BUY removes shares from the base reserve (price rises); SELL adds them
// (price falls). The effective price includes the spread guard: when
// |raw − index| exceeds the guard threshold, buys pay proportionally more
// and sells receive proportionally less, making it unprofitable to trade
// ahead of an index update that has not yet propagated.
func (e *Engine) Quote(pool model.ExecutionPool, index, raw decimal.Decimal, direction string, size decimal.Decimal) (Quote, error) {
	if size.LessThanOrEqual(decimal.Zero) {
		return Quote{}, ErrInvalidSize
	}
	if direction != DirBuy && direction != DirSell {
		return Quote{}, ErrInvalidDirection
	}

	k := pool.K()
	spot := SpotPrice(pool)

	var cost decimal.Decimal
	if direction == DirBuy {
		newBase := pool.BaseReserve.Sub(size)
		if newBase.LessThanOrEqual(decimal.Zero) {
			return Quote{}, ErrInsufficientReserve
		}
		newQuote := k.DivRound(newBase, reserveScale)
		cost = newQuote.Sub(pool.QuoteReserve)
	} else {
		newBase := pool.BaseReserve.Add(size)
		newQuote := k.DivRound(newBase, reserveScale)
		cost = pool.QuoteReserve.Sub(newQuote)
	}

	price := cost.DivRound(size, PriceScale)

	// Spread guard: widen against the trader in proportion to the excess
	// divergence between the raw feed and the index.
	widen := e.spreadWiden(index, raw)
	one := decimal.NewFromInt(1)
	if direction == DirBuy {
		price = price.Mul(one.Add(widen))
	} else {
		price = price.Mul(one.Sub(widen))
	}
	price = price.Round(PriceScale)
	cost = price.Mul(size).Round(PriceScale)

	impact := decimal.Zero
	if spot.IsPositive() {
		impact = price.Sub(spot).Abs().DivRound(spot, PriceScale).Mul(decimal.NewFromInt(10000))
	}
	if impact.GreaterThan(e.p.MaxImpactBps) {
		return Quote{}, ErrExcessiveImpact
	}

	return Quote{
		Direction: direction,
		Size:      size,
		Cost:      cost,
		Price:     price,
		Spot:      spot,
		ImpactBps: impact.Round(2),
	}, nil
}

// CheckLimit enforces a caller-supplied slippage bound on a quote's
// effective price: buys must not pay more than limit, sells must not
// receive less. A zero or negative limit means no bound.
func CheckLimit(q Quote, limit decimal.Decimal) error {
	if limit.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if q.Direction == DirBuy && q.Price.GreaterThan(limit) {
		return ErrPriceLimit
	}
	if q.Direction == DirSell && q.Price.LessThan(limit) {
		return ErrPriceLimit
	}
	return nil
}

// Fill prices a trade and applies it to the pool's reserves. The quote
// reserve is recomputed from k so the constant product is preserved.
func (e *Engine) Fill(pool *model.ExecutionPool, index, raw decimal.Decimal, direction string, size decimal.Decimal) (Quote, error) {
	q, err := e.Quote(*pool, index, raw, direction, size)
	if err != nil {
		return Quote{}, err
	}

	k := pool.K()
	if direction == DirBuy {
		pool.BaseReserve = pool.BaseReserve.Sub(size)
	} else {
		pool.BaseReserve = pool.BaseReserve.Add(size)
	}
	pool.QuoteReserve = k.DivRound(pool.BaseReserve, reserveScale)
	return q, nil
}

// Recenter resets the reserves so the curve's price equals the index
// without changing k. Keeps execution anchored to the up-to-date reference
// between trades while still allowing genuine slippage within one update
// interval.
func (e *Engine) Recenter(pool *model.ExecutionPool, index decimal.Decimal, now time.Time) {
	k := pool.K()
	if k.LessThanOrEqual(decimal.Zero) {
		return
	}
	price := clampCenter(index)

	// quote' = √(k·price); base' = k/quote' keeps the product exact.
	quote := decimal.NewFromFloat(math.Sqrt(k.Mul(price).InexactFloat64()))
	pool.QuoteReserve = quote
	pool.BaseReserve = k.DivRound(quote, reserveScale)
	pool.RecenteredAt = now
}

// spreadWiden returns the proportional widening for the current feed/index
// divergence, capped at MaxSpreadWiden.
func (e *Engine) spreadWiden(index, raw decimal.Decimal) decimal.Decimal {
	excess := raw.Sub(index).Abs().Sub(e.p.GuardThreshold)
	if excess.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	widen := e.p.GuardSlope.Mul(excess)
	if widen.GreaterThan(MaxSpreadWiden) {
		return MaxSpreadWiden
	}
	return widen
}

func clampCenter(price decimal.Decimal) decimal.Decimal {
	if price.LessThan(MinCenterPrice) {
		return MinCenterPrice
	}
	if price.GreaterThan(MaxCenterPrice) {
		return MaxCenterPrice
	}
	return price
}
