package oracle

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// pricePrecision is the fixed decimal scale every derived price carries.
var pricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ErrZeroInterval rejects a TWAP over an empty window.
var ErrZeroInterval = errors.New("oracle: twap interval must be positive")

// PricePrecision returns the 1e18 scale constant.
func PricePrecision() *big.Int { return new(big.Int).Set(pricePrecision) }

// Observer is the slice of the venue the adapter consumes.
type Observer interface {
	Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error)
	Slot0(ctx context.Context, pool common.Address) (tick int64, sqrtPriceX96 *big.Int, err error)
}

// Quote identifies a pool and how its raw ratio maps onto a base/quote price.
type Quote struct {
	Pool          common.Address
	Interval      uint32
	BaseDecimals  uint8
	QuoteDecimals uint8
	BaseIsToken0  bool
}

// Adapter derives decimal-scaled prices from a pool's tick state. Venue
// faults are absorbed: the adapter answers zero ("price unavailable") rather
// than surfacing them, so a flaky node degrades into skipped work instead of
// a crashed pass.
type Adapter struct {
	observer Observer
	logger   zerolog.Logger
}

// New constructs a price adapter over an observer.
func New(observer Observer, logger zerolog.Logger) *Adapter {
	return &Adapter{
		observer: observer,
		logger:   logger.With().Str("component", "price_oracle").Logger(),
	}
}

// TWAPPrice returns the time-weighted average price over q.Interval seconds,
// scaled to 1e18 quote units per base unit. A zero result means the venue
// could not supply a price.
func (a *Adapter) TWAPPrice(ctx context.Context, q Quote) (*big.Int, error) {
	if q.Interval == 0 {
		return nil, ErrZeroInterval
	}

	cumulatives, err := a.observer.Observe(ctx, q.Pool, []uint32{q.Interval, 0})
	if err != nil || len(cumulatives) != 2 {
		a.logger.Debug().Err(err).Str("pool", q.Pool.Hex()).Msg("price history unavailable")
		return big.NewInt(0), nil
	}

	delta := new(big.Int).Sub(cumulatives[1], cumulatives[0])
	tick := averageTick(delta, q.Interval)

	sqrtPrice, err := SqrtRatioAtTick(tick)
	if err != nil {
		a.logger.Debug().Err(err).Int64("tick", tick).Msg("average tick unusable")
		return big.NewInt(0), nil
	}
	return priceFromSqrtRatio(sqrtPrice, q.BaseDecimals, q.QuoteDecimals, q.BaseIsToken0), nil
}

// SpotPrice returns the instantaneous price from the pool's current tick,
// using the same conversion as TWAPPrice. Zero means unavailable.
func (a *Adapter) SpotPrice(ctx context.Context, q Quote) (*big.Int, error) {
	tick, _, err := a.observer.Slot0(ctx, q.Pool)
	if err != nil {
		a.logger.Debug().Err(err).Str("pool", q.Pool.Hex()).Msg("spot state unavailable")
		return big.NewInt(0), nil
	}

	sqrtPrice, err := SqrtRatioAtTick(tick)
	if err != nil {
		a.logger.Debug().Err(err).Int64("tick", tick).Msg("spot tick unusable")
		return big.NewInt(0), nil
	}
	return priceFromSqrtRatio(sqrtPrice, q.BaseDecimals, q.QuoteDecimals, q.BaseIsToken0), nil
}
