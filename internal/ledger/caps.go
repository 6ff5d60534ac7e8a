package ledger

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

var (
	// ErrMarketOICap is returned when a trade would push a market's total
	// open interest beyond its maximum.
	ErrMarketOICap = errors.New("ledger: market open-interest cap exceeded")

	// ErrSideOICap is returned when a trade would push one side's open
	// interest beyond the per-side maximum.
	ErrSideOICap = errors.New("ledger: side open-interest cap exceeded")

	// ErrTraderCap is returned when a trade would push a trader's
	// aggregate notional across markets beyond the per-trader maximum.
	ErrTraderCap = errors.New("ledger: trader notional cap exceeded")

	// ErrGlobalOICap is returned when a trade would push system-wide open
	// interest beyond the global maximum.
	ErrGlobalOICap = errors.New("ledger: global open-interest cap exceeded")
)

// Caps bound open interest at four scopes: one market, one side of one
// market, one trader across all markets, and the whole system. A zero
// limit disables that check. Caps are evaluated against post-trade
// aggregates before any state changes, so a rejected trade leaves
// everything untouched.
type Caps struct {
	// MaxMarketOI is the default per-market total OI limit, overridden by
	// a market's own MaxOI when set.
	MaxMarketOI decimal.Decimal

	// MaxSideOI is the maximum OI on a single side of a market.
	MaxSideOI decimal.Decimal

	// MaxTraderNotional is the maximum aggregate notional one trader may
	// hold across all markets.
	MaxTraderNotional decimal.Decimal

	// MaxGlobalOI is the maximum system-wide open interest.
	MaxGlobalOI decimal.Decimal
}

// Check validates a prospective size increase against all four caps.
// traderNotional and globalOI are the pre-trade aggregates.
func (c Caps) Check(m *model.Market, side string, size, traderNotional, globalOI decimal.Decimal) error {
	marketCap := c.MaxMarketOI
	if m.MaxOI.IsPositive() {
		marketCap = m.MaxOI
	}
	if marketCap.IsPositive() && m.TotalOI().Add(size).GreaterThan(marketCap) {
		return ErrMarketOICap
	}
	if c.MaxSideOI.IsPositive() && m.SideOI(side).Add(size).GreaterThan(c.MaxSideOI) {
		return ErrSideOICap
	}
	if c.MaxTraderNotional.IsPositive() && traderNotional.Add(size).GreaterThan(c.MaxTraderNotional) {
		return ErrTraderCap
	}
	if c.MaxGlobalOI.IsPositive() && globalOI.Add(size).GreaterThan(c.MaxGlobalOI) {
		return ErrGlobalOICap
	}
	return nil
}
