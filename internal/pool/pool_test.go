package pool

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/probax/risk-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPool(capital float64) (*model.PoolState, time.Time) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return NewPoolState(d(capital), now), now
}

// --- Utilization tests ---

func TestUtilization(t *testing.T) {
	ps, _ := seedPool(1000000)
	if !Utilization(*ps).IsZero() {
		t.Errorf("fresh pool should be unutilized, got %s", Utilization(*ps))
	}

	ps.Allocated = d(250000)
	if !Utilization(*ps).Equal(d(0.25)) {
		t.Errorf("expected utilization=0.25, got %s", Utilization(*ps))
	}
}

func TestUtilization_EmptyPool(t *testing.T) {
	ps := &model.PoolState{}
	if !Utilization(*ps).Equal(d(1)) {
		t.Errorf("pool with no capital should report full utilization, got %s", Utilization(*ps))
	}
}

// --- Allocation tests ---

func TestAllocate(t *testing.T) {
	ps, now := seedPool(1000000)

	if err := Allocate(ps, d(300000), d(0.8), now.Add(time.Minute)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ps.Allocated.Equal(d(300000)) {
		t.Errorf("expected allocated=300000, got %s", ps.Allocated)
	}
}

func TestAllocate_UtilizationCap(t *testing.T) {
	ps, now := seedPool(1000000)
	ps.Allocated = d(700000)

	// 700k + 200k would land at 90% against an 80% cap.
	err := Allocate(ps, d(200000), d(0.8), now.Add(time.Minute))
	if err != ErrUtilizationCap {
		t.Fatalf("expected ErrUtilizationCap, got %v", err)
	}
	if !ps.Allocated.Equal(d(700000)) {
		t.Errorf("rejected allocation must not change state, got %s", ps.Allocated)
	}

	// Landing exactly at the cap is allowed.
	if err := Allocate(ps, d(100000), d(0.8), now.Add(time.Minute)); err != nil {
		t.Errorf("allocation to exactly the cap should pass: %v", err)
	}
}

func TestAllocate_InvalidAmount(t *testing.T) {
	ps, now := seedPool(1000000)
	for _, amount := range []decimal.Decimal{decimal.Zero, d(-100)} {
		if err := Allocate(ps, amount, d(0.8), now); err != ErrInvalidAmount {
			t.Errorf("expected ErrInvalidAmount for amount=%s, got %v", amount, err)
		}
	}
}

func TestAllocate_NoCapital(t *testing.T) {
	ps := &model.PoolState{}
	err := Allocate(ps, d(100), d(0.8), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if err != ErrUtilizationCap {
		t.Errorf("expected ErrUtilizationCap for empty pool, got %v", err)
	}
}

func TestDeallocate(t *testing.T) {
	ps, now := seedPool(1000000)
	ps.Allocated = d(300000)

	Deallocate(ps, d(100000), now.Add(time.Minute))
	if !ps.Allocated.Equal(d(200000)) {
		t.Errorf("expected allocated=200000, got %s", ps.Allocated)
	}
}

func TestDeallocate_FloorsAtZero(t *testing.T) {
	ps, now := seedPool(1000000)
	ps.Allocated = d(100)

	// Rounding on a final close can release slightly more than remains.
	Deallocate(ps, d(100.01), now.Add(time.Minute))
	if !ps.Allocated.IsZero() {
		t.Errorf("allocated should floor at zero, got %s", ps.Allocated)
	}
}

// --- Revenue tests ---

func TestCreditFees(t *testing.T) {
	ps, now := seedPool(1000000)

	CreditFees(ps, d(125.5), now.Add(time.Minute))
	CreditFees(ps, d(74.5), now.Add(2*time.Minute))
	if !ps.FeeReserve.Equal(d(200)) {
		t.Errorf("expected fee reserve=200, got %s", ps.FeeReserve)
	}

	// Zero and negative credits are ignored.
	CreditFees(ps, decimal.Zero, now.Add(3*time.Minute))
	CreditFees(ps, d(-10), now.Add(3*time.Minute))
	if !ps.FeeReserve.Equal(d(200)) {
		t.Errorf("expected fee reserve unchanged, got %s", ps.FeeReserve)
	}
}

func TestCreditInsurance(t *testing.T) {
	ps, now := seedPool(1000000)

	CreditInsurance(ps, d(50), now.Add(time.Minute))
	if !ps.Insurance.Equal(d(50)) {
		t.Errorf("expected insurance=50, got %s", ps.Insurance)
	}
}

func TestRecoverCapital(t *testing.T) {
	ps, now := seedPool(1000000)

	RecoverCapital(ps, d(20), now.Add(time.Minute))
	if !ps.Capital.Equal(d(1000020)) {
		t.Errorf("expected capital=1000020, got %s", ps.Capital)
	}
}

// --- Loss waterfall tests ---

func TestCoverBadDebt_FullyCovered(t *testing.T) {
	ps, now := seedPool(1000000)
	ps.Insurance = d(500)

	covered := CoverBadDebt(ps, d(200), now.Add(time.Minute))
	if !covered.Equal(d(200)) {
		t.Errorf("expected covered=200, got %s", covered)
	}
	if !ps.Insurance.Equal(d(300)) {
		t.Errorf("expected insurance=300, got %s", ps.Insurance)
	}
}

func TestCoverBadDebt_PartiallyCovered(t *testing.T) {
	ps, now := seedPool(1000000)
	ps.Insurance = d(150)

	covered := CoverBadDebt(ps, d(500), now.Add(time.Minute))
	if !covered.Equal(d(150)) {
		t.Errorf("expected covered=150, got %s", covered)
	}
	if !ps.Insurance.IsZero() {
		t.Errorf("insurance should be drained, got %s", ps.Insurance)
	}
}

func TestCoverBadDebt_EmptyFund(t *testing.T) {
	ps, now := seedPool(1000000)

	covered := CoverBadDebt(ps, d(500), now.Add(time.Minute))
	if !covered.IsZero() {
		t.Errorf("empty fund should cover nothing, got %s", covered)
	}
}

func TestAbsorbLoss(t *testing.T) {
	ps, now := seedPool(1000000)

	absorbed := AbsorbLoss(ps, d(2500), now.Add(time.Minute))
	if !absorbed.Equal(d(2500)) {
		t.Errorf("expected absorbed=2500, got %s", absorbed)
	}
	if !ps.Capital.Equal(d(997500)) {
		t.Errorf("expected capital=997500, got %s", ps.Capital)
	}
}

func TestAbsorbLoss_FloorsAtZero(t *testing.T) {
	ps, now := seedPool(1000)

	absorbed := AbsorbLoss(ps, d(5000), now.Add(time.Minute))
	if !absorbed.Equal(d(1000)) {
		t.Errorf("expected absorbed=1000, got %s", absorbed)
	}
	if !ps.Capital.IsZero() {
		t.Errorf("capital should floor at zero, got %s", ps.Capital)
	}
}
