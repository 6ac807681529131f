package oracle

import (
	"math"
	"math/big"
	"testing"
)

func TestAverageTickRoundsTowardNegativeInfinity(t *testing.T) {
	cases := []struct {
		delta    int64
		interval uint32
		want     int64
	}{
		{-100, 60, -2},
		{-120, 60, -2},
		{-60, 60, -1},
		{-59, 60, -1},
		{100, 60, 1},
		{120, 60, 2},
		{0, 60, 0},
	}
	for _, tc := range cases {
		got := averageTick(big.NewInt(tc.delta), tc.interval)
		if got != tc.want {
			t.Fatalf("averageTick(%d, %d) = %d, want %d", tc.delta, tc.interval, got, tc.want)
		}
	}
}

func TestSqrtRatioAtTickZero(t *testing.T) {
	got, err := SqrtRatioAtTick(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := new(big.Int).Lsh(big.NewInt(1), 96)
	if got.Cmp(want) != 0 {
		t.Fatalf("sqrt ratio at tick 0 = %s, want 2^96 = %s", got, want)
	}
}

func TestSqrtRatioAtTickMonotonic(t *testing.T) {
	ticks := []int64{-887272, -100000, -1000, -1, 0, 1, 1000, 100000, 887272}
	var prev *big.Int
	for _, tick := range ticks {
		ratio, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		if prev != nil && ratio.Cmp(prev) <= 0 {
			t.Fatalf("sqrt ratio not increasing at tick %d", tick)
		}
		prev = ratio
	}
}

func TestSqrtRatioAtTickOutOfRange(t *testing.T) {
	if _, err := SqrtRatioAtTick(MaxTick + 1); err == nil {
		t.Fatal("expected error above MaxTick")
	}
	if _, err := SqrtRatioAtTick(-(MaxTick + 1)); err == nil {
		t.Fatal("expected error below -MaxTick")
	}
}

func TestSqrtRatioMatchesReferenceCurve(t *testing.T) {
	// 1.0001^tick in float64 is accurate to far better than the 0.01%
	// tolerance used here for moderate tick magnitudes.
	q96 := new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(1), 96))
	for _, tick := range []int64{-50000, -6932, -100, -1, 1, 100, 6932, 50000} {
		ratio, err := SqrtRatioAtTick(tick)
		if err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		got, _ := new(big.Float).Quo(new(big.Float).SetInt(ratio), q96).Float64()
		want := math.Sqrt(math.Pow(1.0001, float64(tick)))
		if relDiff(got, want) > 1e-4 {
			t.Fatalf("tick %d: sqrt ratio %g, reference %g", tick, got, want)
		}
	}
}

func TestPriceFromSqrtRatioUnitPrice(t *testing.T) {
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)

	price := priceFromSqrtRatio(sqrtPrice, 18, 18, true)
	if price.Cmp(pricePrecision) != 0 {
		t.Fatalf("equal-decimals unit price = %s, want 1e18", price)
	}

	swapped := priceFromSqrtRatio(sqrtPrice, 18, 18, false)
	if swapped.Cmp(pricePrecision) != 0 {
		t.Fatalf("swapped unit price = %s, want 1e18", swapped)
	}
}

func TestPriceFromSqrtRatioDecimalRescale(t *testing.T) {
	// Raw ratio 1 with an 18-decimal base against a 6-decimal quote is a
	// human price of 1e12 quote per base.
	sqrtPrice := new(big.Int).Lsh(big.NewInt(1), 96)
	price := priceFromSqrtRatio(sqrtPrice, 18, 6, true)
	want := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	if price.Cmp(want) != 0 {
		t.Fatalf("rescaled price = %s, want 1e30", price)
	}
}

func TestPriceFromSqrtRatioSwappedIsRatioSwap(t *testing.T) {
	ratio, err := SqrtRatioAtTick(6932)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	direct := priceFromSqrtRatio(ratio, 18, 18, true)
	swapped := priceFromSqrtRatio(ratio, 18, 18, false)

	// direct * swapped should sit at 1e36 up to integer truncation.
	product := new(big.Float).Mul(new(big.Float).SetInt(direct), new(big.Float).SetInt(swapped))
	got, _ := product.Float64()
	if relDiff(got, 1e36) > 1e-6 {
		t.Fatalf("direct %s * swapped %s drifted from 1e36", direct, swapped)
	}
}

func TestPriceBucketsLargeSqrtRatio(t *testing.T) {
	// Near MaxTick the sqrt ratio exceeds 160 bits and must still produce a
	// finite, positive price through the widest bucket.
	ratio, err := SqrtRatioAtTick(MaxTick)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ratio.BitLen() <= 160 {
		t.Fatalf("expected >160-bit ratio at MaxTick, got %d bits", ratio.BitLen())
	}
	price := priceFromSqrtRatio(ratio, 18, 18, true)
	if price.Sign() <= 0 {
		t.Fatalf("price at MaxTick should be positive, got %s", price)
	}
}

func relDiff(a, b float64) float64 {
	if b == 0 {
		return math.Abs(a)
	}
	return math.Abs(a-b) / math.Abs(b)
}
