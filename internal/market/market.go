// Package market handles outcome-market symbol parsing, validation, market
// construction, and derivation of the virtual execution depth from expected
// volume.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/vexec"
)

// Feed sources the engine accepts raw probabilities from.
const (
	SourcePolymarket = "POLY"
	SourceKalshi     = "KALSHI"
	SourceManifold   = "MANI"
)

var validSources = map[string]bool{
	SourcePolymarket: true,
	SourceKalshi:     true,
	SourceManifold:   true,
}

// symbolRegex matches: PX-{source}-{event}-{outcome}-{YYYYMMDD}
// Example: PX-POLY-FEDCUT25BPS-YES-20260318
var symbolRegex = regexp.MustCompile(
	`^PX-([A-Z]+)-([A-Z0-9]{2,24})-(YES|NO)-(\d{8})$`,
)

var (
	ErrInvalidSymbol      = errors.New("market: invalid symbol format")
	ErrInvalidSource      = errors.New("market: unsupported feed source")
	ErrInvalidProbability = errors.New("market: initial probability must be in (0,1)")
	ErrAlreadyResolved    = errors.New("market: market already resolved")
	ErrInvalidOutcome     = errors.New("market: outcome must be 0 or 1")
)

// Symbol is a parsed outcome-market symbol.
type Symbol struct {
	Raw        string    `json:"raw"`
	Source     string    `json:"source"`
	Event      string    `json:"event"`
	Outcome    string    `json:"outcome"` // "YES" or "NO" leg being traded
	ResolvesOn time.Time `json:"resolves_on"`
}

// ParseSymbol parses and validates a market symbol string.
// Format: PX-{source}-{event}-{outcome}-{YYYYMMDD}
func ParseSymbol(symbol string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected PX-{source}-{event}-{YES|NO}-{YYYYMMDD})",
			ErrInvalidSymbol, symbol)
	}

	source := matches[1]
	event := matches[2]
	outcome := matches[3]
	dateStr := matches[4]

	if !validSources[source] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSource, source)
	}

	resolvesOn, err := time.Parse("20060102", dateStr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid date %s", ErrInvalidSymbol, dateStr)
	}

	return &Symbol{
		Raw:        symbol,
		Source:     source,
		Event:      event,
		Outcome:    outcome,
		ResolvesOn: resolvesOn,
	}, nil
}

// DeriveVirtualDepth computes the execution pool's virtual depth from the
// expected trade volume. Deeper pools quote less slippage per share;
// a floor prevents degenerate pools on illiquid markets.
func DeriveVirtualDepth(expectedVolume, depthFactor, minDepth decimal.Decimal) decimal.Decimal {
	depth := expectedVolume.Mul(depthFactor)
	if depth.LessThan(minDepth) {
		return minDepth
	}
	return depth.Round(2)
}

// Params configure market construction defaults.
type Params struct {
	DepthFactor decimal.Decimal // pool depth per unit of expected volume
	MinDepth    decimal.Decimal // depth floor for illiquid markets
	MaxOI       decimal.Decimal // default per-market open-interest cap
}

// New builds an open market with its price, execution, borrow, and funding
// state initialized around the given probability. The borrow index starts
// at 1 and the funding indexes at 0.
func New(symbol string, initialProb, expectedVolume decimal.Decimal, resolvesAt time.Time, p Params, now time.Time) (*model.Market, error) {
	parsed, err := ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}

	one := decimal.NewFromInt(1)
	if initialProb.LessThanOrEqual(decimal.Zero) || initialProb.GreaterThanOrEqual(one) {
		return nil, ErrInvalidProbability
	}

	if resolvesAt.IsZero() {
		resolvesAt = parsed.ResolvesOn
	}

	depth := DeriveVirtualDepth(expectedVolume, p.DepthFactor, p.MinDepth)
	pool, err := vexec.NewPool(initialProb, depth, now)
	if err != nil {
		return nil, err
	}

	return &model.Market{
		ID:           uuid.New().String(),
		Symbol:       symbol,
		Status:       model.StatusOpen,
		Outcome:      decimal.Zero,
		TotalLongOI:  decimal.Zero,
		TotalShortOI: decimal.Zero,
		MaxOI:        p.MaxOI,
		VirtualDepth: depth,
		Price: model.PriceState{
			Raw:        initialProb,
			Index:      initialProb,
			Volatility: decimal.Zero,
			UpdatedAt:  now,
		},
		Pool: pool,
		Borrow: model.BorrowState{
			Index:     one,
			UpdatedAt: now,
		},
		Funding: model.FundingState{
			LongIndex:  decimal.Zero,
			ShortIndex: decimal.Zero,
			Rate:       decimal.Zero,
			UpdatedAt:  now,
		},
		ResolvesAt: resolvesAt,
		CreatedAt:  now,
	}, nil
}

// Resolve marks the market settled at the given binary outcome. The caller
// pins the probability index to the outcome and settles open positions.
func Resolve(m *model.Market, outcome decimal.Decimal) error {
	if m.Status == model.StatusResolved {
		return ErrAlreadyResolved
	}
	one := decimal.NewFromInt(1)
	if !outcome.IsZero() && !outcome.Equal(one) {
		return ErrInvalidOutcome
	}

	m.Status = model.StatusResolved
	m.Outcome = outcome
	return nil
}
