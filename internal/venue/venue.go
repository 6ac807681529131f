package venue

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrPoolNotFound indicates no pool exists for the requested pair and fee tier.
	ErrPoolNotFound = errors.New("venue: pool not found")
	// ErrSwapRejected indicates the venue refused or reverted the swap.
	ErrSwapRejected = errors.New("venue: swap rejected")
)

// SwapRequest describes a single exact-input swap.
type SwapRequest struct {
	TokenIn      common.Address
	TokenOut     common.Address
	Fee          uint32
	Recipient    common.Address
	Deadline     time.Time
	AmountIn     *big.Int
	MinAmountOut *big.Int
}

// PoolObserver exposes the venue's price history and instantaneous state.
type PoolObserver interface {
	// Observe returns cumulative tick samples for the requested lookback
	// offsets, ordered as given (seconds ago, 0 meaning now).
	Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error)
	// Slot0 returns the pool's current tick and sqrt price.
	Slot0(ctx context.Context, pool common.Address) (tick int64, sqrtPriceX96 *big.Int, err error)
}

// PoolLocator resolves a pool identity from a token pair and fee tier.
type PoolLocator interface {
	FindPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error)
}

// Swapper executes swaps on behalf of a fixed wallet.
type Swapper interface {
	Swap(ctx context.Context, req SwapRequest) (*big.Int, error)
	// Spender is the address that must hold an allowance before Swap.
	Spender() common.Address
	// Wallet is the identity whose funds the venue moves.
	Wallet() common.Address
}

// TokenBank covers the exact-amount asset primitives the engine consumes.
type TokenBank interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error
	TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error
	Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error
	Decimals(ctx context.Context, token common.Address) (uint8, error)
}

// Venue is the full surface of the external liquidity venue. The venue is
// untrusted: callers must assume any call can fail, lie, or re-enter.
type Venue interface {
	PoolObserver
	PoolLocator
	Swapper
	TokenBank
}
