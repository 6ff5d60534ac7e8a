package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/model"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/pool"
	"github.com/probax/risk-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestLedger wires a ledger over an in-memory store with a funded pool.
// The gateway caller may open and reduce; the keeper may force-reduce.
func newTestLedger(t *testing.T, caps Caps) (*Ledger, *store.MemoryStore, time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ms := store.NewMemoryStore()
	if err := ms.SavePoolState(context.Background(), pool.NewPoolState(d(1000000), base)); err != nil {
		t.Fatalf("failed to seed pool: %v", err)
	}

	be := borrow.NewEngine(borrow.Params{BaseRate: d(0.0001), MaxRate: d(0.005)})
	fe := funding.NewEngine(funding.Params{
		MaxRate:   d(0.0005),
		Threshold: d(0.5),
		Period:    time.Hour,
	})
	auth := NewCapabilities(map[string][]string{
		"gateway": {OpOpen, OpReduce},
		"keeper":  {OpLiquidate, OpResolve},
	})

	led := New(ms, be, fe, Config{
		Caps:           caps,
		Auth:           auth,
		MaxUtilization: d(0.8),
		MaxPriceAge:    5 * time.Minute,
	})
	return led, ms, base
}

// seedMarket writes an open market with fresh indexes directly to the store.
func seedMarket(t *testing.T, ms *store.MemoryStore, id string, now time.Time) *model.Market {
	t.Helper()
	m := &model.Market{
		ID:           id,
		Symbol:       "PX-POLY-FEDCUT25BPS-YES-20260318",
		Status:       model.StatusOpen,
		Outcome:      decimal.Zero,
		TotalLongOI:  decimal.Zero,
		TotalShortOI: decimal.Zero,
		Price: model.PriceState{
			Raw:       d(0.5),
			Index:     d(0.5),
			UpdatedAt: now,
		},
		Borrow:     model.BorrowState{Index: decimal.NewFromInt(1), UpdatedAt: now},
		Funding:    model.FundingState{UpdatedAt: now},
		ResolvesAt: now.Add(30 * 24 * time.Hour),
		CreatedAt:  now,
	}
	if err := ms.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to seed market: %v", err)
	}
	return m
}

// touchMarket mutates a stored market in place.
func touchMarket(t *testing.T, ms *store.MemoryStore, id string, fn func(*model.Market)) {
	t.Helper()
	m, err := ms.GetMarket(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to load market: %v", err)
	}
	fn(m)
	if err := ms.SaveMarket(context.Background(), m); err != nil {
		t.Fatalf("failed to save market: %v", err)
	}
}

// --- Open tests ---

func TestOpen_NewPosition(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	pos, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if pos.ID == "" {
		t.Error("expected non-empty position ID")
	}
	if pos.Side != model.SideLong {
		t.Errorf("expected side=LONG, got %s", pos.Side)
	}
	if !pos.Size.Equal(d(1000)) {
		t.Errorf("expected size=1000, got %s", pos.Size)
	}
	if !pos.EntryPrice.Equal(d(0.5)) {
		t.Errorf("expected entry=0.5, got %s", pos.EntryPrice)
	}
	if !pos.BorrowSnapshot.Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected borrow snapshot=1, got %s", pos.BorrowSnapshot)
	}
	if !pos.FundingSnapshot.IsZero() {
		t.Errorf("expected funding snapshot=0, got %s", pos.FundingSnapshot)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !m.TotalLongOI.Equal(d(1000)) {
		t.Errorf("expected long OI=1000, got %s", m.TotalLongOI)
	}
	ps, _ := ms.GetPoolState(ctx)
	if !ps.Allocated.Equal(d(1000)) {
		t.Errorf("expected allocated=1000, got %s", ps.Allocated)
	}
}

func TestOpen_MergesAtWeightedEntry(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(500), d(100), d(0.62), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !pos.Size.Equal(d(1500)) {
		t.Errorf("expected size=1500, got %s", pos.Size)
	}
	// (0.5·1000 + 0.62·500) / 1500 = 0.54
	if !pos.EntryPrice.Equal(d(0.54)) {
		t.Errorf("expected entry=0.54, got %s", pos.EntryPrice)
	}
	if !pos.Collateral.Equal(d(400)) {
		t.Errorf("expected collateral=400, got %s", pos.Collateral)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !m.TotalLongOI.Equal(d(1500)) {
		t.Errorf("expected long OI=1500, got %s", m.TotalLongOI)
	}
}

func TestOpen_SideConflict(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideShort, d(500), d(100), d(0.5), base)
	if err != ErrSideConflict {
		t.Errorf("expected ErrSideConflict, got %v", err)
	}
}

func TestOpen_Validation(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)

	tests := []struct {
		name       string
		side       string
		size       decimal.Decimal
		collateral decimal.Decimal
		price      decimal.Decimal
		want       error
	}{
		{"bad side", "BOTH", d(100), d(50), d(0.5), ErrInvalidSide},
		{"zero size", model.SideLong, decimal.Zero, d(50), d(0.5), ErrInvalidSize},
		{"negative collateral", model.SideLong, d(100), d(-1), d(0.5), ErrInvalidCollateral},
		{"no collateral on new position", model.SideLong, d(100), decimal.Zero, d(0.5), ErrInvalidCollateral},
		{"price at zero", model.SideLong, d(100), d(50), decimal.Zero, ErrInvalidPrice},
		{"price at one", model.SideLong, d(100), d(50), decimal.NewFromInt(1), ErrInvalidPrice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := led.Open(context.Background(), "gateway", "alice", "mkt-1", tt.side, tt.size, tt.collateral, tt.price, base)
			if err != tt.want {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestOpen_ResolvedMarket(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Status = model.StatusResolved })

	_, err := led.Open(context.Background(), "gateway", "alice", "mkt-1", model.SideLong, d(100), d(50), d(0.5), base)
	if err != ErrMarketResolved {
		t.Errorf("expected ErrMarketResolved, got %v", err)
	}
}

func TestOpen_StalePrice(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)

	// The index was last updated at base; 10 minutes is past the 5m limit.
	_, err := led.Open(context.Background(), "gateway", "alice", "mkt-1", model.SideLong, d(100), d(50), d(0.5), base.Add(10*time.Minute))
	if err != pindex.ErrStalePrice {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}
}

// --- Cap tests ---

func TestOpen_MarketOICap(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxMarketOI: d(1500)})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 1000 + 600 crosses the 1500 market cap; both sides count.
	_, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(600), d(200), d(0.5), base)
	if err != ErrMarketOICap {
		t.Fatalf("expected ErrMarketOICap, got %v", err)
	}
	// Landing exactly at the cap passes.
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(500), d(200), d(0.5), base); err != nil {
		t.Errorf("open to exactly the cap should pass: %v", err)
	}
}

func TestOpen_MarketMaxOIOverridesDefault(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxMarketOI: d(100000)})
	seedMarket(t, ms, "mkt-1", base)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.MaxOI = d(800) })

	_, err := led.Open(context.Background(), "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base)
	if err != ErrMarketOICap {
		t.Errorf("expected ErrMarketOICap from the per-market override, got %v", err)
	}
}

func TestOpen_SideOICap(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxSideOI: d(700)})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	_, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(800), d(300), d(0.5), base)
	if err != ErrSideOICap {
		t.Fatalf("expected ErrSideOICap, got %v", err)
	}
	// The other side has its own budget.
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(600), d(200), d(0.5), base); err != nil {
		t.Errorf("short side should be unaffected: %v", err)
	}
}

func TestOpen_TraderNotionalCap(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxTraderNotional: d(1200)})
	seedMarket(t, ms, "mkt-1", base)
	seedMarket(t, ms, "mkt-2", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The cap aggregates across markets: 1000 + 500 > 1200.
	_, err := led.Open(ctx, "gateway", "alice", "mkt-2", model.SideLong, d(500), d(200), d(0.5), base)
	if err != ErrTraderCap {
		t.Fatalf("expected ErrTraderCap, got %v", err)
	}
	// A different trader still has headroom.
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-2", model.SideLong, d(500), d(200), d(0.5), base); err != nil {
		t.Errorf("unexpected error for second trader: %v", err)
	}
}

func TestOpen_GlobalOICap(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxGlobalOI: d(1500)})
	seedMarket(t, ms, "mkt-1", base)
	seedMarket(t, ms, "mkt-2", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := led.Open(ctx, "gateway", "bob", "mkt-2", model.SideShort, d(600), d(200), d(0.5), base)
	if err != ErrGlobalOICap {
		t.Errorf("expected ErrGlobalOICap, got %v", err)
	}
}

func TestOpen_PoolUtilizationCap(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)

	// 900k against 1M capital would run at 90% versus the 80% ceiling.
	_, err := led.Open(context.Background(), "gateway", "alice", "mkt-1", model.SideLong, d(900000), d(300000), d(0.5), base)
	if err != pool.ErrUtilizationCap {
		t.Errorf("expected ErrUtilizationCap, got %v", err)
	}
}

func TestOpen_RejectionLeavesStateUntouched(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{MaxMarketOI: d(500)})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != ErrMarketOICap {
		t.Fatalf("expected ErrMarketOICap, got %v", err)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !m.TotalOI().IsZero() {
		t.Errorf("rejected open must not move OI, got %s", m.TotalOI())
	}
	ps, _ := ms.GetPoolState(ctx)
	if !ps.Allocated.IsZero() {
		t.Errorf("rejected open must not allocate capital, got %s", ps.Allocated)
	}
	if _, err := led.Position(ctx, "mkt-1", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected no position, got %v", err)
	}
}

// --- Authorization tests ---

func TestAuthorization(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "keeper", "alice", "mkt-1", model.SideLong, d(100), d(50), d(0.5), base); err != ErrUnauthorized {
		t.Errorf("keeper must not open: got %v", err)
	}
	if _, err := led.Reduce(ctx, "nobody", "alice", "mkt-1", d(100), d(0.5), base); err != ErrUnauthorized {
		t.Errorf("unknown caller must not reduce: got %v", err)
	}
	if _, err := led.ForceReduce(ctx, "gateway", "alice", "mkt-1", d(100), d(0.5), decimal.Zero, base); err != ErrUnauthorized {
		t.Errorf("gateway must not force-reduce: got %v", err)
	}
}

// --- Reduce tests ---

func TestReduce_PartialWithdrawsShare(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(400), d(0.55), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Realized (0.55−0.5)·400 = 20 joins collateral, then the closed share
	// 320·400/1000 = 128 pays out.
	if !res.RealizedPnL.Equal(d(20)) {
		t.Errorf("expected realized=20, got %s", res.RealizedPnL)
	}
	if !res.Payout.Equal(d(128)) {
		t.Errorf("expected payout=128, got %s", res.Payout)
	}
	if res.FullyClosed {
		t.Error("expected a partial close")
	}
	if !res.Position.Size.Equal(d(600)) {
		t.Errorf("expected remaining size=600, got %s", res.Position.Size)
	}
	if !res.Position.Collateral.Equal(d(192)) {
		t.Errorf("expected remaining collateral=192, got %s", res.Position.Collateral)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !m.TotalLongOI.Equal(d(600)) {
		t.Errorf("expected long OI=600, got %s", m.TotalLongOI)
	}
	ps, _ := ms.GetPoolState(ctx)
	if !ps.Allocated.Equal(d(600)) {
		t.Errorf("expected allocated=600, got %s", ps.Allocated)
	}
}

func TestReduce_FullClosePaysOutEverything(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(1000), d(0.55), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.FullyClosed {
		t.Error("expected a full close")
	}
	if res.Position != nil {
		t.Error("full close should leave no position")
	}
	if !res.Payout.Equal(d(350)) {
		t.Errorf("expected payout=350, got %s", res.Payout)
	}

	if _, err := led.Position(ctx, "mkt-1", "alice"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("position should be deleted, got %v", err)
	}
	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !m.TotalLongOI.IsZero() {
		t.Errorf("expected long OI=0, got %s", m.TotalLongOI)
	}
	ps, _ := ms.GetPoolState(ctx)
	if !ps.Allocated.IsZero() {
		t.Errorf("expected allocated=0, got %s", ps.Allocated)
	}
}

func TestReduce_LossComesOutOfCollateral(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(1000), d(0.4), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.RealizedPnL.Equal(d(-100)) {
		t.Errorf("expected realized=-100, got %s", res.RealizedPnL)
	}
	if !res.Payout.Equal(d(200)) {
		t.Errorf("expected payout=200, got %s", res.Payout)
	}
}

func TestReduce_ShortProfitsWhenPriceFalls(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.Reduce(ctx, "gateway", "bob", "mkt-1", d(1000), d(0.4), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.RealizedPnL.Equal(d(100)) {
		t.Errorf("expected realized=100, got %s", res.RealizedPnL)
	}
	if !res.Payout.Equal(d(400)) {
		t.Errorf("expected payout=400, got %s", res.Payout)
	}
}

func TestReduce_ExceedsPosition(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(1001), d(0.5), base.Add(time.Minute))
	if err != ErrReduceExceedsPosition {
		t.Errorf("expected ErrReduceExceedsPosition, got %v", err)
	}
}

func TestReduce_NoPosition(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)

	_, err := led.Reduce(context.Background(), "gateway", "ghost", "mkt-1", d(100), d(0.5), base)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestReduce_GuardsMarketState(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Stale index blocks a voluntary close.
	_, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(400), d(0.5), base.Add(10*time.Minute))
	if err != pindex.ErrStalePrice {
		t.Errorf("expected ErrStalePrice, got %v", err)
	}

	// So does a resolved market.
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Status = model.StatusResolved })
	_, err = led.Reduce(ctx, "gateway", "alice", "mkt-1", d(400), d(0.5), base.Add(time.Minute))
	if err != ErrMarketResolved {
		t.Errorf("expected ErrMarketResolved, got %v", err)
	}
}

// --- Fee settlement tests ---

func TestReduce_SettlesBorrowFees(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Borrow.Rate = d(0.001) })
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t1 := base.Add(10 * time.Hour)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Price.UpdatedAt = t1 })

	res, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(1000), d(0.5), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Ten hours at 0.1%/h compounds the index to e^0.01; the position owes
	// 1000·(e^0.01 − 1) ≈ 10.05 before any payout.
	expectedFee := d(1000 * (math.Exp(0.01) - 1))
	tolerance := d(0.000001)
	if res.FeesSettled.Sub(expectedFee).Abs().GreaterThan(tolerance) {
		t.Errorf("expected fees≈%s, got %s", expectedFee, res.FeesSettled)
	}
	if res.Payout.Sub(d(300).Sub(expectedFee)).Abs().GreaterThan(tolerance) {
		t.Errorf("expected payout≈%s, got %s", d(300).Sub(expectedFee), res.Payout)
	}

	// Borrow fees land in the pool's fee reserve.
	ps, _ := ms.GetPoolState(ctx)
	if ps.FeeReserve.Sub(expectedFee).Abs().GreaterThan(tolerance) {
		t.Errorf("expected fee reserve≈%s, got %s", expectedFee, ps.FeeReserve)
	}
}

func TestReduce_FundingIsZeroSumThroughPositions(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1500), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t1 := base.Add(time.Hour)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) {
		m.Funding.Rate = d(0.0002)
		m.Price.UpdatedAt = t1
	})

	// One period at the locked rate: longs pay 0.0002/share, shorts receive
	// 0.0003/share (scaled by OI_L/OI_S = 1.5). Closing both at entry makes
	// the funding leg the only cash difference.
	shortRes, err := led.Reduce(ctx, "gateway", "bob", "mkt-1", d(1000), d(0.5), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	longRes, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(1500), d(0.5), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !shortRes.FeesSettled.Equal(d(-0.3)) {
		t.Errorf("expected short funding=-0.3, got %s", shortRes.FeesSettled)
	}
	if !shortRes.Payout.Equal(d(300.3)) {
		t.Errorf("expected short payout=300.3, got %s", shortRes.Payout)
	}
	if !longRes.FeesSettled.Equal(d(0.3)) {
		t.Errorf("expected long funding=0.3, got %s", longRes.FeesSettled)
	}
	if !longRes.Payout.Equal(d(299.7)) {
		t.Errorf("expected long payout=299.7, got %s", longRes.Payout)
	}

	// What one side paid, the other received: payouts sum to collateral in.
	total := shortRes.Payout.Add(longRes.Payout)
	if !total.Equal(d(600)) {
		t.Errorf("funding must be zero-sum, payouts total %s", total)
	}
}

func TestReduce_AdvancesSnapshots(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Borrow.Rate = d(0.001) })
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t1 := base.Add(2 * time.Hour)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Price.UpdatedAt = t1 })

	res, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(400), d(0.5), t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	if !res.Position.BorrowSnapshot.Equal(m.Borrow.Index) {
		t.Errorf("snapshot should advance to the settled index: %s vs %s",
			res.Position.BorrowSnapshot, m.Borrow.Index)
	}
	if m.Borrow.Index.LessThanOrEqual(decimal.NewFromInt(1)) {
		t.Errorf("borrow index should have grown, got %s", m.Borrow.Index)
	}
}

// --- Force reduce tests ---

func TestForceReduce_ShortfallIncludesUnpaidFees(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	touchMarket(t, ms, "mkt-1", func(m *model.Market) { m.Borrow.Rate = d(0.01) })
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(5), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Ten hours at 1%/h owes ≈105; collateral covers 5, the rest is
	// shortfall. No price refresh: force closes ignore staleness.
	res, err := led.ForceReduce(ctx, "keeper", "alice", "mkt-1", d(1000), d(0.5), decimal.Zero, base.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.FeesSettled.Equal(d(5)) {
		t.Errorf("expected fees settled=5, got %s", res.FeesSettled)
	}
	if !res.Payout.IsZero() {
		t.Errorf("expected no payout, got %s", res.Payout)
	}
	expectedShortfall := d(1000*(math.Exp(0.1)-1) - 5)
	if res.Shortfall.Sub(expectedShortfall).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected shortfall≈%s, got %s", expectedShortfall, res.Shortfall)
	}
}

func TestForceReduce_ResolvedMarketAtTerminalPrice(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	touchMarket(t, ms, "mkt-1", func(m *model.Market) {
		m.Status = model.StatusResolved
		m.Outcome = decimal.NewFromInt(1)
		m.Borrow.Rate = d(0.01)
	})

	// Settlement at outcome 1: the short loses 500 against 300 collateral.
	// Resolved markets accrue nothing, whatever the rate says.
	res, err := led.ForceReduce(ctx, "keeper", "bob", "mkt-1", d(1000), decimal.NewFromInt(1), decimal.Zero, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.FeesSettled.IsZero() {
		t.Errorf("resolved market must not accrue fees, got %s", res.FeesSettled)
	}
	if !res.RealizedPnL.Equal(d(-500)) {
		t.Errorf("expected realized=-500, got %s", res.RealizedPnL)
	}
	if !res.Payout.IsZero() {
		t.Errorf("expected no payout, got %s", res.Payout)
	}
	if !res.Shortfall.Equal(d(200)) {
		t.Errorf("expected shortfall=200, got %s", res.Shortfall)
	}
}

func TestForceReduce_PartialNeverPaysOut(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.ForceReduce(ctx, "keeper", "alice", "mkt-1", d(400), d(0.45), d(2), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Realized −20 and penalty 2 come out of collateral; the remainder
	// stays margined under the surviving position.
	if !res.Payout.IsZero() {
		t.Errorf("partial force close must not pay out, got %s", res.Payout)
	}
	if !res.PenaltyPaid.Equal(d(2)) {
		t.Errorf("expected penalty=2, got %s", res.PenaltyPaid)
	}
	if !res.Position.Size.Equal(d(600)) {
		t.Errorf("expected remaining size=600, got %s", res.Position.Size)
	}
	if !res.Position.Collateral.Equal(d(278)) {
		t.Errorf("expected remaining collateral=278, got %s", res.Position.Collateral)
	}
}

func TestForceReduce_PenaltyCappedByRemainingValue(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Realized −270 leaves 30; a 50 penalty can only take what exists.
	res, err := led.ForceReduce(ctx, "keeper", "alice", "mkt-1", d(1000), d(0.23), d(50), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.PenaltyPaid.Equal(d(30)) {
		t.Errorf("expected penalty=30, got %s", res.PenaltyPaid)
	}
	if !res.Payout.IsZero() {
		t.Errorf("expected no payout, got %s", res.Payout)
	}
	if !res.Shortfall.IsZero() {
		t.Errorf("expected no shortfall, got %s", res.Shortfall)
	}
}

func TestForceReduce_ProfitPaysOutAfterPenalty(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := led.ForceReduce(ctx, "keeper", "alice", "mkt-1", d(1000), d(0.55), d(10), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !res.PenaltyPaid.Equal(d(10)) {
		t.Errorf("expected penalty=10, got %s", res.PenaltyPaid)
	}
	if !res.Payout.Equal(d(340)) {
		t.Errorf("expected payout=340, got %s", res.Payout)
	}
}

// --- Aggregate conservation tests ---

func TestOpenInterestConservation(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	if _, err := led.Open(ctx, "gateway", "alice", "mkt-1", model.SideLong, d(1000), d(300), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(600), d(200), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m, _ := ms.GetMarket(ctx, "mkt-1")
	ps, _ := ms.GetPoolState(ctx)
	if !m.TotalLongOI.Equal(d(1000)) || !m.TotalShortOI.Equal(d(600)) {
		t.Errorf("expected OI 1000/600, got %s/%s", m.TotalLongOI, m.TotalShortOI)
	}
	if !ps.Allocated.Equal(d(1600)) {
		t.Errorf("expected allocated=1600, got %s", ps.Allocated)
	}

	if _, err := led.Reduce(ctx, "gateway", "alice", "mkt-1", d(400), d(0.5), base.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, _ = ms.GetMarket(ctx, "mkt-1")
	ps, _ = ms.GetPoolState(ctx)
	if !m.TotalLongOI.Equal(d(600)) {
		t.Errorf("expected long OI=600, got %s", m.TotalLongOI)
	}
	if !ps.Allocated.Equal(d(1200)) {
		t.Errorf("expected allocated=1200, got %s", ps.Allocated)
	}

	if _, err := led.ForceReduce(ctx, "keeper", "bob", "mkt-1", d(600), d(0.5), decimal.Zero, base.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, _ = ms.GetMarket(ctx, "mkt-1")
	ps, _ = ms.GetPoolState(ctx)
	if !m.TotalShortOI.IsZero() {
		t.Errorf("expected short OI=0, got %s", m.TotalShortOI)
	}
	if !ps.Allocated.Equal(d(600)) {
		t.Errorf("expected allocated=600, got %s", ps.Allocated)
	}
}

func TestPositionsOnSide(t *testing.T) {
	led, ms, base := newTestLedger(t, Caps{})
	seedMarket(t, ms, "mkt-1", base)
	ctx := context.Background()

	for _, trader := range []string{"alice", "carol"} {
		if _, err := led.Open(ctx, "gateway", trader, "mkt-1", model.SideLong, d(100), d(50), d(0.5), base); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := led.Open(ctx, "gateway", "bob", "mkt-1", model.SideShort, d(100), d(50), d(0.5), base); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	longs, err := led.PositionsOnSide(ctx, "mkt-1", model.SideLong)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(longs) != 2 {
		t.Errorf("expected 2 longs, got %d", len(longs))
	}
	shorts, err := led.PositionsOnSide(ctx, "mkt-1", model.SideShort)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(shorts) != 1 {
		t.Errorf("expected 1 short, got %d", len(shorts))
	}
}
