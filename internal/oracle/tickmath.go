package oracle

import (
	"fmt"
	"math/big"
)

// MaxTick bounds the magnitude of any usable tick; beyond it the sqrt ratio
// leaves the representable range.
const MaxTick = 887272

var (
	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	ratioSeedEven = mustHex("0x100000000000000000000000000000000")

	// One Q128 multiplier per bit of |tick|, smallest bit first. Each term is
	// sqrt(1/1.0001)^(2^bit) in Q128, so the product over the set bits of
	// |tick| accumulates sqrt(1.0001^-|tick|).
	tickBitRatios = []*big.Int{
		mustHex("0xfffcb933bd6fad37aa2d162d1a594001"),
		mustHex("0xfff97272373d413259a46990580e213a"),
		mustHex("0xfff2e50f5f656932ef12357cf3c7fdcc"),
		mustHex("0xffe5caca7e10e4e61c3624eaa0941cd0"),
		mustHex("0xffcb9843d60f6159c9db58835c926644"),
		mustHex("0xff973b41fa98c081472e6896dfb254c0"),
		mustHex("0xff2ea16466c96a3843ec78b326b52861"),
		mustHex("0xfe5dee046a99a2a811c461f1969c3053"),
		mustHex("0xfcbe86c7900a88aedcffc83b479aa3a4"),
		mustHex("0xf987a7253ac413176f2b074cf7815e54"),
		mustHex("0xf3392b0822b70005940c7a398e4b70f3"),
		mustHex("0xe7159475a2c29b7443b29c7fa6e889d9"),
		mustHex("0xd097f3bdfd2022b8845ad8f792aa5825"),
		mustHex("0xa9f746462d870fdf8a65dc1f90e061e5"),
		mustHex("0x70d869a156d2a1b890bb3df62baf32f7"),
		mustHex("0x31be135f97d08fd981231505542fcfa6"),
		mustHex("0x9aa508b5b7a84e1c677de54f3e99bc9"),
		mustHex("0x5d6af8dedb81196699c329225ee604"),
		mustHex("0x2216e584f5fa1ea926041bedfe98"),
		mustHex("0x48a170391f7dc42444e8fa2"),
	}
)

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 0)
	if !ok {
		panic("invalid tick ratio constant: " + s)
	}
	return v
}

// SqrtRatioAtTick converts a tick into the fixed-point (Q64.96) square root
// of the price ratio it encodes. The accumulation runs over the set bits of
// the tick magnitude; positive ticks take the reciprocal of the accumulated
// ratio via a saturating max-value division, and the closing right shift
// rounds up whenever it discards bits.
func SqrtRatioAtTick(tick int64) (*big.Int, error) {
	absTick := tick
	if absTick < 0 {
		absTick = -absTick
	}
	if absTick > MaxTick {
		return nil, fmt.Errorf("tick %d outside usable range", tick)
	}

	ratio := new(big.Int).Set(ratioSeedEven)
	if absTick&1 != 0 {
		ratio.Set(tickBitRatios[0])
	}
	for bit := 1; bit < len(tickBitRatios); bit++ {
		if absTick&(1<<bit) != 0 {
			ratio.Mul(ratio, tickBitRatios[bit])
			ratio.Rsh(ratio, 128)
		}
	}

	if tick > 0 {
		ratio.Div(new(big.Int).Set(maxUint256), ratio)
	}

	sqrtPriceX96 := new(big.Int).Rsh(ratio, 32)
	var low big.Int
	if low.And(ratio, big.NewInt((1<<32)-1)).Sign() != 0 {
		sqrtPriceX96.Add(sqrtPriceX96, big.NewInt(1))
	}
	return sqrtPriceX96, nil
}

// averageTick divides a cumulative tick delta by the interval, rounding the
// quotient toward negative infinity. Truncating division would disagree with
// the venue on every negative delta with a remainder.
func averageTick(delta *big.Int, interval uint32) int64 {
	quot, rem := new(big.Int).QuoRem(delta, big.NewInt(int64(interval)), new(big.Int))
	if rem.Sign() != 0 && delta.Sign() < 0 {
		quot.Sub(quot, big.NewInt(1))
	}
	return quot.Int64()
}

// priceFromSqrtRatio squares the sqrt price and rescales it into a 1e18
// quote-per-base price. The squared term is bucketed by magnitude so the
// intermediate stays within 256 bits on venues that compute it natively;
// the same bucketing is reproduced here so both sides truncate identically.
// When the base asset is token1 rather than token0, the numerator and
// denominator swap roles instead of inverting the finished price, which
// keeps the precision of the full-width intermediate.
func priceFromSqrtRatio(sqrtPriceX96 *big.Int, baseDecimals, quoteDecimals uint8, baseIsToken0 bool) *big.Int {
	var squared *big.Int
	var shift uint
	switch bits := sqrtPriceX96.BitLen(); {
	case bits <= 128:
		squared = new(big.Int).Mul(sqrtPriceX96, sqrtPriceX96)
		shift = 192
	case bits <= 160:
		reduced := new(big.Int).Rsh(sqrtPriceX96, 32)
		squared = new(big.Int).Mul(reduced, reduced)
		shift = 128
	default:
		reduced := new(big.Int).Rsh(sqrtPriceX96, 64)
		squared = new(big.Int).Mul(reduced, reduced)
		shift = 64
	}

	powerOfTwo := new(big.Int).Lsh(big.NewInt(1), shift)
	scaleBase := pow10(int(baseDecimals))
	scaleQuote := pow10(int(quoteDecimals))

	var numerator, denominator *big.Int
	if baseIsToken0 {
		numerator = new(big.Int).Mul(squared, scaleBase)
		denominator = new(big.Int).Mul(powerOfTwo, scaleQuote)
	} else {
		numerator = new(big.Int).Mul(powerOfTwo, scaleBase)
		denominator = new(big.Int).Mul(squared, scaleQuote)
	}
	if denominator.Sign() == 0 {
		return big.NewInt(0)
	}

	numerator.Mul(numerator, pricePrecision)
	return numerator.Div(numerator, denominator)
}

func pow10(exp int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
}
