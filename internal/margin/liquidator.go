package margin

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/ledger"
	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/pool"
	"github.com/probax/risk-engine/internal/store"
)

// Liquidation escalates through stages; a result records the furthest one
// reached.
const (
	StagePartial    = "partial"
	StageFull       = "full"
	StageInsurance  = "insurance"
	StageADL        = "adl"
	StageSocialized = "socialized"
)

// ErrMarketNotResolved is returned when resolution settlement is requested
// for a market that has not resolved.
var ErrMarketNotResolved = errors.New("margin: market not resolved")

// LiquidatorParams configure the liquidation cascade.
type LiquidatorParams struct {
	// PartialFraction of the position closed on the first attempt when
	// equity is still positive. Zero or one disables partial liquidation.
	PartialFraction decimal.Decimal

	// PenaltyRate is charged on closed notional, taken from remaining
	// position value.
	PenaltyRate decimal.Decimal

	// RewardShare of the penalty funds keeper rewards via the fee
	// reserve; InsuranceShare tops up the insurance fund; the remainder
	// returns to pool capital.
	RewardShare    decimal.Decimal
	InsuranceShare decimal.Decimal
}

// Liquidator closes unhealthy positions through the ledger's force-reduce
// primitive and walks shortfalls down the bad-debt cascade: insurance
// fund, then auto-deleveraging of profitable opposing positions, then
// socialized loss against pool capital.
type Liquidator struct {
	store  store.Store
	ledger *ledger.Ledger
	engine *Engine
	p      LiquidatorParams
}

// NewLiquidator creates a liquidator over the ledger and margin engine.
func NewLiquidator(st store.Store, led *ledger.Ledger, me *Engine, p LiquidatorParams) *Liquidator {
	return &Liquidator{store: st, ledger: led, engine: me, p: p}
}

// Liquidate closes an unhealthy position at the probability index. While
// equity remains positive it first closes PartialFraction of the size; if
// the remainder is still unhealthy, or equity is already gone, it closes
// everything. Any shortfall then runs the cascade. Callers serialize
// per-market access.
func (l *Liquidator) Liquidate(ctx context.Context, caller, trader, marketID string, now time.Time) (*model.LiquidationResult, error) {
	pos, err := l.store.GetPosition(ctx, marketID, trader)
	if err != nil {
		return nil, err
	}
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	h, err := l.engine.Health(pos, m, now)
	if err != nil {
		return nil, err
	}
	if !h.Liquidatable {
		return nil, ErrNotLiquidatable
	}
	price := markPrice(m)

	res := &model.LiquidationResult{
		PositionID: pos.ID,
		Trader:     trader,
		MarketID:   marketID,
		MarkPrice:  price,
		ExecutedAt: now,
	}

	one := decimal.NewFromInt(1)
	tryPartial := h.Equity.IsPositive() &&
		l.p.PartialFraction.IsPositive() && l.p.PartialFraction.LessThan(one)

	if tryPartial {
		closeSize := pos.Size.Mul(l.p.PartialFraction).Round(moneyScale)
		pr, err := l.ledger.ForceReduce(ctx, caller, trader, marketID, closeSize, price, l.penalty(closeSize), now)
		if err != nil {
			return nil, err
		}
		l.fold(res, pr, StagePartial)
		slog.Info("position partially liquidated",
			"market_id", marketID, "trader", trader,
			"closed_size", pr.ClosedSize, "penalty", pr.PenaltyPaid, "mark_price", price)

		restored := false
		if pr.Position != nil {
			if m, err = l.store.GetMarket(ctx, marketID); err != nil {
				return nil, err
			}
			if h2, err2 := l.engine.Health(pr.Position, m, now); err2 == nil && !h2.Liquidatable {
				restored = true
			}
		}
		if !restored && pr.Position != nil {
			fr, err := l.ledger.ForceReduce(ctx, caller, trader, marketID, pr.Position.Size, price, l.penalty(pr.Position.Size), now)
			if err != nil {
				return nil, err
			}
			l.fold(res, fr, StageFull)
			slog.Warn("partial liquidation insufficient, position closed",
				"market_id", marketID, "trader", trader, "closed_size", fr.ClosedSize)
		}
	} else {
		fr, err := l.ledger.ForceReduce(ctx, caller, trader, marketID, pos.Size, price, l.penalty(pos.Size), now)
		if err != nil {
			return nil, err
		}
		l.fold(res, fr, StageFull)
		slog.Warn("position fully liquidated",
			"market_id", marketID, "trader", trader,
			"closed_size", fr.ClosedSize, "shortfall", fr.Shortfall, "mark_price", price)
	}

	if err := l.routePenalty(ctx, res, now); err != nil {
		return nil, err
	}
	if err := l.coverShortfall(ctx, caller, res, pos.Side, now); err != nil {
		return nil, err
	}
	return res, nil
}

// SweepMarket liquidates every unhealthy position in a market. A stale
// probability index aborts the sweep; liquidating on dead data is worse
// than waiting for the next tick.
func (l *Liquidator) SweepMarket(ctx context.Context, caller, marketID string, now time.Time) ([]*model.LiquidationResult, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status == model.StatusOpen && pindex.IsStale(m.Price, now, l.engine.p.MaxPriceAge) {
		return nil, pindex.ErrStalePrice
	}

	positions, err := l.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}
	var out []*model.LiquidationResult
	for _, p := range positions {
		res, err := l.Liquidate(ctx, caller, p.Trader, marketID, now)
		if errors.Is(err, ErrNotLiquidatable) || errors.Is(err, store.ErrNotFound) {
			// healthy, or already closed by an earlier cascade in this sweep
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// SettlementSummary reports what resolution settlement did to a market's
// positions.
type SettlementSummary struct {
	Settled          int             `json:"settled"`
	TotalPayout      decimal.Decimal `json:"total_payout"`
	TotalShortfall   decimal.Decimal `json:"total_shortfall"`
	InsuranceCovered decimal.Decimal `json:"insurance_covered"`
	SocializedLoss   decimal.Decimal `json:"socialized_loss"`
}

// SettleMarket force-closes every position in a resolved market at the
// terminal outcome price. Shortfalls draw on the insurance fund and then
// socialize against pool capital; auto-deleveraging does not apply since
// every position is being closed at its true terminal value anyway.
func (l *Liquidator) SettleMarket(ctx context.Context, caller, marketID string, now time.Time) (*SettlementSummary, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusResolved {
		return nil, ErrMarketNotResolved
	}

	positions, err := l.store.ListPositions(ctx, marketID)
	if err != nil {
		return nil, err
	}

	sum := &SettlementSummary{
		TotalPayout:      decimal.Zero,
		TotalShortfall:   decimal.Zero,
		InsuranceCovered: decimal.Zero,
		SocializedLoss:   decimal.Zero,
	}
	for _, p := range positions {
		rr, err := l.ledger.ForceReduce(ctx, caller, p.Trader, marketID, p.Size, m.Outcome, decimal.Zero, now)
		if err != nil {
			return sum, err
		}
		sum.Settled++
		sum.TotalPayout = sum.TotalPayout.Add(rr.Payout)
		sum.TotalShortfall = sum.TotalShortfall.Add(rr.Shortfall)
		slog.Info("position settled at resolution",
			"market_id", marketID, "trader", p.Trader,
			"payout", rr.Payout, "shortfall", rr.Shortfall, "outcome", m.Outcome)
	}

	if sum.TotalShortfall.IsPositive() {
		ps, err := l.store.GetPoolState(ctx)
		if err != nil {
			return sum, err
		}
		covered := pool.CoverBadDebt(ps, sum.TotalShortfall, now)
		if covered.IsPositive() {
			sum.InsuranceCovered = covered
			slog.Warn("insurance fund covered settlement shortfall",
				"market_id", marketID, "covered", covered, "shortfall", sum.TotalShortfall)
		}
		residual := sum.TotalShortfall.Sub(covered)
		if residual.IsPositive() {
			sum.SocializedLoss = pool.AbsorbLoss(ps, residual, now)
			slog.Error("settlement bad debt socialized against pool capital",
				"market_id", marketID, "amount", sum.SocializedLoss)
		}
		if err := l.store.SavePoolState(ctx, ps); err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (l *Liquidator) penalty(closeSize decimal.Decimal) decimal.Decimal {
	return closeSize.Mul(l.p.PenaltyRate).Round(moneyScale)
}

// fold accumulates one force-reduce into the liquidation result.
func (l *Liquidator) fold(res *model.LiquidationResult, rr *ledger.ReduceResult, stage string) {
	res.Stage = stage
	res.ClosedSize = res.ClosedSize.Add(rr.ClosedSize)
	res.RealizedPnL = res.RealizedPnL.Add(rr.RealizedPnL)
	res.Penalty = res.Penalty.Add(rr.PenaltyPaid)
	res.ReturnedToTrader = res.ReturnedToTrader.Add(rr.Payout)
	res.BadDebt = res.BadDebt.Add(rr.Shortfall)
	if rr.Position != nil {
		res.RemainingSize = rr.Position.Size
	} else {
		res.RemainingSize = decimal.Zero
	}
}

// routePenalty splits the collected penalty: keeper reward to the fee
// reserve, protocol share to the insurance fund, remainder back to pool
// capital.
func (l *Liquidator) routePenalty(ctx context.Context, res *model.LiquidationResult, now time.Time) error {
	if !res.Penalty.IsPositive() {
		return nil
	}
	ps, err := l.store.GetPoolState(ctx)
	if err != nil {
		return err
	}
	res.LiquidatorReward = res.Penalty.Mul(l.p.RewardShare).Round(moneyScale)
	res.ProtocolFee = res.Penalty.Mul(l.p.InsuranceShare).Round(moneyScale)
	res.PoolRecovery = res.Penalty.Sub(res.LiquidatorReward).Sub(res.ProtocolFee)
	pool.CreditFees(ps, res.LiquidatorReward, now)
	pool.CreditInsurance(ps, res.ProtocolFee, now)
	pool.RecoverCapital(ps, res.PoolRecovery, now)
	return l.store.SavePoolState(ctx, ps)
}

// coverShortfall walks bad debt down the cascade, logging each stage it
// has to reach.
func (l *Liquidator) coverShortfall(ctx context.Context, caller string, res *model.LiquidationResult, side string, now time.Time) error {
	if !res.BadDebt.IsPositive() {
		return nil
	}

	ps, err := l.store.GetPoolState(ctx)
	if err != nil {
		return err
	}
	covered := pool.CoverBadDebt(ps, res.BadDebt, now)
	if err := l.store.SavePoolState(ctx, ps); err != nil {
		return err
	}
	if covered.IsPositive() {
		res.Stage = StageInsurance
		res.InsuranceCovered = covered
		slog.Warn("insurance fund covered liquidation shortfall",
			"market_id", res.MarketID, "trader", res.Trader,
			"covered", covered, "bad_debt", res.BadDebt)
	}

	residual := res.BadDebt.Sub(covered)
	if residual.IsPositive() {
		res.Stage = StageADL
		absorbed, err := l.autoDeleverage(ctx, caller, res.MarketID, opposingSide(side), residual, now)
		if err != nil {
			return err
		}
		res.ADLAbsorbed = absorbed
		residual = residual.Sub(absorbed)
	}

	if residual.IsPositive() {
		res.Stage = StageSocialized
		ps, err = l.store.GetPoolState(ctx)
		if err != nil {
			return err
		}
		res.SocializedLoss = pool.AbsorbLoss(ps, residual, now)
		if err := l.store.SavePoolState(ctx, ps); err != nil {
			return err
		}
		slog.Error("liquidation bad debt socialized against pool capital",
			"market_id", res.MarketID, "trader", res.Trader, "amount", res.SocializedLoss)
	}
	return nil
}

// autoDeleverage force-closes profitable opposing positions at their entry
// price, forfeiting unrealized profit to absorb bad debt. Candidates are
// ranked by profit percentage times leverage, most aggressive first.
func (l *Liquidator) autoDeleverage(ctx context.Context, caller, marketID, side string, needed decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	m, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, err
	}
	candidates, err := l.ledger.PositionsOnSide(ctx, marketID, side)
	if err != nil {
		return decimal.Zero, err
	}
	price := markPrice(m)

	type scored struct {
		pos   *model.Position
		pnl   decimal.Decimal
		score decimal.Decimal
	}
	ranked := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		pnl := l.engine.UnrealizedPnL(c, price)
		if !pnl.IsPositive() {
			continue
		}
		pnlPct := pnl.DivRound(c.Notional(), moneyScale)
		ranked = append(ranked, scored{pos: c, pnl: pnl, score: pnlPct.Mul(c.Leverage())})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score.GreaterThan(ranked[j].score)
	})

	absorbed := decimal.Zero
	for _, s := range ranked {
		if absorbed.GreaterThanOrEqual(needed) {
			break
		}
		perUnit := s.pnl.DivRound(s.pos.Size, moneyScale)
		if !perUnit.IsPositive() {
			continue
		}
		closeSize := needed.Sub(absorbed).DivRound(perUnit, moneyScale)
		if closeSize.GreaterThan(s.pos.Size) {
			closeSize = s.pos.Size
		}
		rr, err := l.ledger.ForceReduce(ctx, caller, s.pos.Trader, marketID, closeSize, s.pos.EntryPrice, decimal.Zero, now)
		if err != nil {
			return absorbed, err
		}
		got := perUnit.Mul(rr.ClosedSize).Round(moneyScale)
		absorbed = absorbed.Add(got)
		slog.Warn("position auto-deleveraged",
			"market_id", marketID, "trader", s.pos.Trader,
			"closed_size", rr.ClosedSize, "absorbed", got)
	}
	return absorbed, nil
}

// markPrice is the probability index for open markets and the terminal
// outcome once resolved.
func markPrice(m *model.Market) decimal.Decimal {
	if m.Status == model.StatusResolved {
		return m.Outcome
	}
	return m.Price.Index
}

func opposingSide(side string) string {
	if side == model.SideLong {
		return model.SideShort
	}
	return model.SideLong
}
