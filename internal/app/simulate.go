package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"grid-trader/internal/automation"
	"grid-trader/internal/engine"
	"grid-trader/internal/executor"
	"grid-trader/internal/grid"
	"grid-trader/internal/venue"
)

// Simulate replays a pool tick path against an in-memory venue and reports
// which grid levels would have fired. Cooldowns are disabled so flips can
// happen on consecutive steps.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Steps <= 0 {
		return errors.New("--steps must be positive")
	}

	mem := venue.NewMemory(
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		common.HexToAddress("0x0000000000000000000000000000000000000003"),
	)
	base := common.HexToAddress(a.Config.Grid.BaseToken)
	quote := common.HexToAddress(a.Config.Grid.QuoteToken)
	mem.RegisterToken(base, 18)
	mem.RegisterToken(quote, 18)

	gridCfg, err := a.buildGridConfig(ctx, mem)
	if err != nil {
		return err
	}

	// Fund both sides generously so eligibility, not inventory, drives fills.
	funding := new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
	mem.Mint(base, mem.Wallet(), funding)
	mem.Mint(quote, mem.Wallet(), funding)

	eng := engine.New(mem, nil, engine.Options{
		Cooldown:     0,
		TWAPInterval: a.Config.Grid.TWAPInterval,
		SwapDeadline: time.Minute,
	}, a.Logger)

	mem.Tick = opts.StartTick
	if err := eng.Configure(ctx, gridCfg); err != nil {
		return err
	}
	if err := eng.InitializeLevels(ctx); err != nil {
		return err
	}

	gw := automation.New(eng, a.Logger)

	var fills []executor.Record
	buys, sells := 0, 0
	for step := 0; step <= opts.Steps; step++ {
		mem.Tick = opts.StartTick + (opts.EndTick-opts.StartTick)*int64(step)/int64(opts.Steps)

		check, err := gw.Check(ctx)
		if err != nil {
			return fmt.Errorf("step %d check: %w", step, err)
		}
		if !check.UpkeepNeeded {
			continue
		}

		records, err := gw.Perform(ctx, check.LevelIndices)
		if err != nil && !errors.Is(err, executor.ErrSlippageExceeded) {
			return fmt.Errorf("step %d perform: %w", step, err)
		}
		for _, rec := range records {
			price := decimal.NewFromBigInt(rec.Price, -18)
			fmt.Fprintf(os.Stdout, "step %d: level %d %s at %s\n",
				step, rec.LevelIndex, rec.Side, price.StringFixed(6))
			if rec.Side == grid.SideBuy {
				buys++
			} else {
				sells++
			}
		}
		fills = append(fills, records...)
	}

	baseBalance, quoteBalance, err := eng.Balances(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nfills: %d (%d buys, %d sells)\n", len(fills), buys, sells)
	fmt.Fprintf(os.Stdout, "base delta: %s\n",
		decimal.NewFromBigInt(new(big.Int).Sub(baseBalance, funding), -18).String())
	fmt.Fprintf(os.Stdout, "quote delta: %s\n",
		decimal.NewFromBigInt(new(big.Int).Sub(quoteBalance, funding), -18).String())
	return nil
}
