package executor

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"grid-trader/internal/grid"
	"grid-trader/internal/venue"
)

// maxLevelsPerPass caps how many swaps one invocation may attempt; the
// remainder waits for the scheduler's next call.
const maxLevelsPerPass = 10

// ErrSlippageExceeded aborts a pass: an output below the bound after the
// venue accepted the swap means the venue or the oracle can no longer be
// trusted, so no further level may execute in this call.
var ErrSlippageExceeded = errors.New("executor: swap output below slippage bound")

var precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Record is the ephemeral output of one successful swap.
type Record struct {
	ID         uuid.UUID
	LevelIndex int
	Side       grid.Side
	TokenIn    common.Address
	TokenOut   common.Address
	AmountIn   *big.Int
	AmountOut  *big.Int
	Price      *big.Int
	ExecutedAt time.Time
}

// Pass carries the per-invocation inputs shared by every level.
type Pass struct {
	Price    *big.Int
	Now      time.Time
	Cooldown time.Duration
	Deadline time.Duration
}

// Controller turns triggered levels into bounded-slippage swaps.
type Controller struct {
	venue   venue.Venue
	logger  zerolog.Logger
	counter uint64
}

// New constructs an execution controller.
func New(v venue.Venue, logger zerolog.Logger) *Controller {
	return &Controller{
		venue:  v,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// ExecutionCount returns the lifetime number of successful swaps.
func (c *Controller) ExecutionCount() uint64 { return c.counter }

// Execute runs one pass over the candidate level indices. Out-of-range
// indices are skipped silently, every candidate is re-checked against the
// shared trigger predicate, and each level's effects commit independently.
// Only a slippage violation aborts the pass; the records executed before the
// abort are still returned alongside the error.
func (c *Controller) Execute(ctx context.Context, m *grid.Machine, indices []int, pass Pass) ([]Record, error) {
	if !m.Configured() {
		return nil, grid.ErrNotConfigured
	}
	if !m.Initialized() {
		return nil, grid.ErrNotInitialized
	}

	records := make([]Record, 0, len(indices))
	attempted := 0
	for _, i := range indices {
		if attempted >= maxLevelsPerPass {
			c.logger.Debug().Int("remaining", len(indices)-attempted).Msg("per-pass level cap reached")
			break
		}

		level, err := m.Level(i)
		if err != nil {
			c.logger.Debug().Int("level", i).Msg("skipping out-of-range level index")
			continue
		}
		if !grid.Eligible(level, pass.Price, pass.Now, pass.Cooldown) {
			continue
		}

		record, err := c.executeLevel(ctx, m, i, level, pass)
		switch {
		case err == nil:
			attempted++
			c.counter++
			records = append(records, record)
		case errors.Is(err, ErrSlippageExceeded):
			return records, err
		case errors.Is(err, errUnderfunded):
			// Underfunded levels neither fail the pass nor consume the cap.
		default:
			// Contained venue failure; the remaining levels still run.
			attempted++
		}
	}
	return records, nil
}

var (
	errUnderfunded = errors.New("level underfunded")
	errSkipped     = errors.New("level skipped")
)

func (c *Controller) executeLevel(ctx context.Context, m *grid.Machine, i int, level grid.Level, pass Pass) (Record, error) {
	cfg, err := m.Config()
	if err != nil {
		return Record{}, err
	}

	var tokenIn, tokenOut common.Address
	var amountIn *big.Int
	if level.Side == grid.SideBuy {
		tokenIn, tokenOut = cfg.QuoteToken, cfg.BaseToken
		amountIn = cfg.QuoteOrderSize
	} else {
		tokenIn, tokenOut = cfg.BaseToken, cfg.QuoteToken
		amountIn = cfg.BaseOrderSize
	}

	wallet := c.venue.Wallet()
	balance, err := c.venue.BalanceOf(ctx, tokenIn, wallet)
	if err != nil {
		c.logger.Warn().Err(err).Int("level", i).Msg("balance query failed")
		return Record{}, errSkipped
	}
	if balance.Cmp(amountIn) < 0 {
		c.logger.Debug().
			Int("level", i).
			Str("balance", balance.String()).
			Str("needed", amountIn.String()).
			Msg("level underfunded, skipping")
		return Record{}, errUnderfunded
	}

	baseDecimals, quoteDecimals := m.Decimals()
	expectedOut := expectedOutput(level.Side, amountIn, pass.Price, baseDecimals, quoteDecimals)
	minOut := applySlippage(expectedOut, cfg.SlippageBps)

	spender := c.venue.Spender()
	if err := c.venue.Approve(ctx, tokenIn, spender, amountIn); err != nil {
		c.logger.Warn().Err(err).Int("level", i).Msg("allowance grant failed")
		return Record{}, errSkipped
	}

	amountOut, swapErr := c.venue.Swap(ctx, venue.SwapRequest{
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		Fee:          cfg.FeeTier,
		Recipient:    wallet,
		Deadline:     pass.Now.Add(pass.Deadline),
		AmountIn:     amountIn,
		MinAmountOut: minOut,
	})

	// The allowance is revoked on every exit path; a lingering grant would
	// leave the wallet exposed to the venue between passes.
	if err := c.venue.Approve(ctx, tokenIn, spender, big.NewInt(0)); err != nil {
		c.logger.Warn().Err(err).Int("level", i).Msg("allowance revoke failed")
	}

	if swapErr != nil {
		c.logger.Warn().Err(swapErr).
			Int("level", i).
			Str("side", level.Side.String()).
			Msg("swap failed, level untouched")
		return Record{}, errSkipped
	}

	// The router already enforces minOut; checking the reported output again
	// catches a venue that stopped honouring its own contract.
	if amountOut == nil || amountOut.Cmp(minOut) < 0 {
		reported := "nil"
		if amountOut != nil {
			reported = amountOut.String()
		}
		c.logger.Error().
			Int("level", i).
			Str("amount_out", reported).
			Str("min_out", minOut.String()).
			Msg("slippage bound violated after swap, aborting pass")
		return Record{}, ErrSlippageExceeded
	}

	if err := m.MarkExecuted(i, pass.Now); err != nil {
		return Record{}, err
	}

	record := Record{
		ID:         uuid.New(),
		LevelIndex: i,
		Side:       level.Side,
		TokenIn:    tokenIn,
		TokenOut:   tokenOut,
		AmountIn:   new(big.Int).Set(amountIn),
		AmountOut:  amountOut,
		Price:      new(big.Int).Set(pass.Price),
		ExecutedAt: pass.Now,
	}
	c.logger.Info().
		Int("level", i).
		Str("side", record.Side.String()).
		Str("amount_in", record.AmountIn.String()).
		Str("amount_out", record.AmountOut.String()).
		Str("price", record.Price.String()).
		Msg("level executed")
	return record, nil
}

// expectedOutput projects the swap output at the reference price. Buys spend
// quote for base (divide by price), sells spend base for quote (multiply);
// the result is rescaled across the token decimal difference.
func expectedOutput(side grid.Side, amountIn, price *big.Int, baseDecimals, quoteDecimals uint8) *big.Int {
	out := new(big.Int)
	if side == grid.SideBuy {
		out.Mul(amountIn, precision)
		out.Div(out, price)
		return rescale(out, int(baseDecimals)-int(quoteDecimals))
	}
	out.Mul(amountIn, price)
	out.Div(out, precision)
	return rescale(out, int(quoteDecimals)-int(baseDecimals))
}

func rescale(v *big.Int, exponent int) *big.Int {
	if exponent == 0 {
		return v
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs(exponent))), nil)
	if exponent > 0 {
		return v.Mul(v, scale)
	}
	return v.Div(v, scale)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func applySlippage(expectedOut *big.Int, slippageBps uint32) *big.Int {
	minOut := new(big.Int).Mul(expectedOut, big.NewInt(int64(10000-slippageBps)))
	return minOut.Div(minOut, big.NewInt(10000))
}
