// Package pool tracks the shared capital pool backing all markets: total
// capital, the slice allocated against open interest, the fee reserve, and
// the insurance fund that absorbs liquidation shortfalls.
//
// Allocated doubles as the global open-interest aggregate, so utilization
// and global caps are answered from one struct without scanning markets.
//
// All monetary values use shopspring/decimal — never float64 for money.
package pool

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

var (
	// ErrUtilizationCap is returned when an allocation would push pool
	// utilization past the configured maximum.
	ErrUtilizationCap = errors.New("pool: utilization cap exceeded")
	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("pool: amount must be positive")
)

// NewPoolState seeds a pool with initial capital and empty reserves.
func NewPoolState(capital decimal.Decimal, now time.Time) *model.PoolState {
	return &model.PoolState{
		Capital:    capital,
		Allocated:  decimal.Zero,
		FeeReserve: decimal.Zero,
		Insurance:  decimal.Zero,
		UpdatedAt:  now,
	}
}

// Utilization is allocated capital over total capital. An empty pool is
// fully utilized, so caps reject before division ever misbehaves.
func Utilization(ps model.PoolState) decimal.Decimal {
	if ps.Capital.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromInt(1)
	}
	return ps.Allocated.DivRound(ps.Capital, 18)
}

// Allocate reserves pool capital against new open interest. The post-state
// utilization must not exceed maxUtilization.
func Allocate(ps *model.PoolState, amount, maxUtilization decimal.Decimal, now time.Time) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return ErrInvalidAmount
	}
	next := ps.Allocated.Add(amount)
	if ps.Capital.LessThanOrEqual(decimal.Zero) ||
		next.DivRound(ps.Capital, 18).GreaterThan(maxUtilization) {
		return ErrUtilizationCap
	}
	ps.Allocated = next
	ps.UpdatedAt = now
	return nil
}

// Deallocate releases pool capital when open interest shrinks. Floors at
// zero so rounding on the last close cannot drive the aggregate negative.
func Deallocate(ps *model.PoolState, amount decimal.Decimal, now time.Time) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	ps.Allocated = ps.Allocated.Sub(amount)
	if ps.Allocated.IsNegative() {
		ps.Allocated = decimal.Zero
	}
	ps.UpdatedAt = now
}

// CreditFees adds settled borrow and funding revenue to the fee reserve.
func CreditFees(ps *model.PoolState, amount decimal.Decimal, now time.Time) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	ps.FeeReserve = ps.FeeReserve.Add(amount)
	ps.UpdatedAt = now
}

// CreditInsurance adds the protocol's share of liquidation penalties to
// the insurance fund.
func CreditInsurance(ps *model.PoolState, amount decimal.Decimal, now time.Time) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	ps.Insurance = ps.Insurance.Add(amount)
	ps.UpdatedAt = now
}

// RecoverCapital returns the pool's share of liquidation penalties to
// capital.
func RecoverCapital(ps *model.PoolState, amount decimal.Decimal, now time.Time) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return
	}
	ps.Capital = ps.Capital.Add(amount)
	ps.UpdatedAt = now
}

// CoverBadDebt draws on the insurance fund and returns how much of the
// shortfall it covered. The fund never goes negative.
func CoverBadDebt(ps *model.PoolState, shortfall decimal.Decimal, now time.Time) decimal.Decimal {
	if shortfall.LessThanOrEqual(decimal.Zero) || ps.Insurance.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	covered := decimal.Min(shortfall, ps.Insurance)
	ps.Insurance = ps.Insurance.Sub(covered)
	ps.UpdatedAt = now
	return covered
}

// AbsorbLoss socializes a residual shortfall into pool capital, flooring
// at zero. Returns the amount actually absorbed.
func AbsorbLoss(ps *model.PoolState, shortfall decimal.Decimal, now time.Time) decimal.Decimal {
	if shortfall.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	absorbed := decimal.Min(shortfall, ps.Capital)
	ps.Capital = ps.Capital.Sub(absorbed)
	ps.UpdatedAt = now
	return absorbed
}
