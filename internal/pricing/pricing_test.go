package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"tiger-webhook/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoundToTickInvalidTick(t *testing.T) {
	t.Parallel()

	if _, err := RoundToTick(d("1.00"), d("0"), types.RoundNearest); err != ErrInvalidTick {
		t.Fatalf("expected ErrInvalidTick, got %v", err)
	}
	if _, err := RoundToTick(d("1.00"), d("-0.05"), types.RoundNearest); err != ErrInvalidTick {
		t.Fatalf("expected ErrInvalidTick, got %v", err)
	}
}

func TestRoundToTickNearestTiesToEven(t *testing.T) {
	t.Parallel()

	// 1.025 is exactly halfway between 1.00 and 1.05 at tick 0.05.
	// quotient = 20.5; floor=20 (even) -> rounds down to 1.00.
	got, err := RoundToTick(d("1.025"), d("0.05"), types.RoundNearest)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(d("1.00")) {
		t.Errorf("got %s, want 1.00 (tie resolves to even quotient 20)", got)
	}

	// quotient = 21.5; floor=21 (odd) -> rounds up to 1.10.
	got2, err := RoundToTick(d("1.075"), d("0.05"), types.RoundNearest)
	if err != nil {
		t.Fatal(err)
	}
	if !got2.Equal(d("1.10")) {
		t.Errorf("got %s, want 1.10 (tie resolves to even quotient 22)", got2)
	}
}

func TestRoundToTickIdempotent(t *testing.T) {
	t.Parallel()

	tick := d("0.05")
	for _, p := range []string{"1.2345", "0.001", "99.999", "3.14159"} {
		once, err := RoundToTick(d(p), tick, types.RoundNearest)
		if err != nil {
			t.Fatal(err)
		}
		twice, err := RoundToTick(once, tick, types.RoundNearest)
		if err != nil {
			t.Fatal(err)
		}
		if !once.Equal(twice) {
			t.Errorf("round(%s) = %s, round(round(%s)) = %s, not idempotent", p, once, p, twice)
		}
	}
}

func TestRoundToTickFloorAndCeil(t *testing.T) {
	t.Parallel()

	got, _ := RoundToTick(d("1.07"), d("0.05"), types.RoundFloor)
	if !got.Equal(d("1.05")) {
		t.Errorf("floor(1.07,0.05) = %s, want 1.05", got)
	}
	got2, _ := RoundToTick(d("1.01"), d("0.05"), types.RoundCeil)
	if !got2.Equal(d("1.05")) {
		t.Errorf("ceil(1.01,0.05) = %s, want 1.05", got2)
	}
	got3, _ := RoundToTick(d("1.05"), d("0.05"), types.RoundCeil)
	if !got3.Equal(d("1.05")) {
		t.Errorf("ceil(1.05,0.05) = %s, want 1.05 (already on tick)", got3)
	}
}

func TestIsSpreadReasonableBidEqualsAsk(t *testing.T) {
	t.Parallel()

	if !IsSpreadReasonable(d("1.00"), d("1.00"), d("0.05"), d("0.15"), 2) {
		t.Error("bid == ask > 0 should always be reasonable (ratio 0)")
	}
}

func TestIsSpreadReasonableZeroSide(t *testing.T) {
	t.Parallel()

	if IsSpreadReasonable(d("0"), d("1.00"), d("0.05"), d("0.15"), 2) {
		t.Error("bid == 0 should never be reasonable")
	}
	if IsSpreadReasonable(d("1.00"), d("0"), d("0.05"), d("0.15"), 2) {
		t.Error("ask == 0 should never be reasonable")
	}
}

func TestIsSpreadReasonableMonotonicInThresholds(t *testing.T) {
	t.Parallel()

	bid, ask, tick := d("1.00"), d("1.20"), d("0.05")

	looseRatio, looseTicks := d("0.50"), int64(10)
	tightRatio, tightTicks := d("0.01"), int64(1)

	loose := IsSpreadReasonable(bid, ask, tick, looseRatio, looseTicks)
	tight := IsSpreadReasonable(bid, ask, tick, tightRatio, tightTicks)

	if tight && !loose {
		t.Error("tightening thresholds turned an unreasonable spread reasonable")
	}
}

func TestStepPriceBuyBoundaries(t *testing.T) {
	t.Parallel()

	bid, ask, tick := d("1.00"), d("1.20"), d("0.05")

	step0, err := StepPrice(bid, ask, tick, 0, 4, types.Buy)
	if err != nil {
		t.Fatal(err)
	}
	if !step0.Equal(bid) {
		t.Errorf("step 0 (buy) = %s, want own-side touch %s", step0, bid)
	}

	stepMax, err := StepPrice(bid, ask, tick, 4, 4, types.Buy)
	if err != nil {
		t.Fatal(err)
	}
	if !stepMax.Equal(ask) {
		t.Errorf("step max (buy) = %s, want opposite-side touch %s", stepMax, ask)
	}
}

func TestStepPriceSellBoundaries(t *testing.T) {
	t.Parallel()

	bid, ask, tick := d("1.00"), d("1.20"), d("0.05")

	step0, err := StepPrice(bid, ask, tick, 0, 4, types.Sell)
	if err != nil {
		t.Fatal(err)
	}
	if !step0.Equal(ask) {
		t.Errorf("step 0 (sell) = %s, want own-side touch %s", step0, ask)
	}

	stepMax, err := StepPrice(bid, ask, tick, 4, 4, types.Sell)
	if err != nil {
		t.Fatal(err)
	}
	if !stepMax.Equal(bid) {
		t.Errorf("step max (sell) = %s, want opposite-side touch %s", stepMax, bid)
	}
}

func TestStepPriceZeroMaxStepsIsFullyAggressive(t *testing.T) {
	t.Parallel()

	bid, ask, tick := d("1.00"), d("1.20"), d("0.05")
	got, err := StepPrice(bid, ask, tick, 0, 0, types.Buy)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(ask) {
		t.Errorf("max_steps=0 step 0 = %s, want opposite-side touch %s", got, ask)
	}
}

func TestStepPriceMonotonicTowardAggressive(t *testing.T) {
	t.Parallel()

	bid, ask, tick := d("1.00"), d("1.20"), d("0.05")
	prev, _ := StepPrice(bid, ask, tick, 0, 5, types.Buy)
	for k := 1; k <= 5; k++ {
		cur, err := StepPrice(bid, ask, tick, k, 5, types.Buy)
		if err != nil {
			t.Fatal(err)
		}
		if cur.LessThan(prev) {
			t.Errorf("step %d (%s) is less aggressive than step %d (%s)", k, cur, k-1, prev)
		}
		prev = cur
	}
}
