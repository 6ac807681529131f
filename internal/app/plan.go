package app

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"grid-trader/internal/grid"
	"grid-trader/internal/venue"
)

// Plan previews the level ladder the configured grid would produce, without
// touching the chain. Token decimals are assumed to be 18 for sizing display.
func (a *App) Plan(ctx context.Context, opts PlanOptions) error {
	mem := venue.NewMemory(
		common.HexToAddress("0x0000000000000000000000000000000000000001"),
		common.HexToAddress("0x0000000000000000000000000000000000000002"),
		common.HexToAddress("0x0000000000000000000000000000000000000003"),
	)
	mem.RegisterToken(common.HexToAddress(a.Config.Grid.BaseToken), 18)
	mem.RegisterToken(common.HexToAddress(a.Config.Grid.QuoteToken), 18)

	gridCfg, err := a.buildGridConfig(ctx, mem)
	if err != nil {
		return err
	}

	machine := grid.NewMachine(mem, mem, a.Logger)
	if err := machine.Configure(ctx, gridCfg); err != nil {
		return err
	}

	var reference *big.Int
	if opts.ReferencePrice != "" {
		if reference, err = scaleDecimal(opts.ReferencePrice, 18); err != nil {
			return fmt.Errorf("invalid --price value: %w", err)
		}
	}
	if err := machine.InitializeLevels(reference); err != nil {
		return err
	}

	levels := machine.Levels()
	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Level\tPrice (quote/base)\tInitial Side")
	for i, level := range levels {
		fmt.Fprintf(writer, "%d\t%s\t%s\n",
			i,
			decimal.NewFromBigInt(level.Price, -18).StringFixed(6),
			level.Side,
		)
	}
	writer.Flush()

	if reference != nil {
		fmt.Fprintf(os.Stdout, "\nreference price: %s\n", decimal.NewFromBigInt(reference, -18).StringFixed(6))
	} else {
		fmt.Fprintln(os.Stdout, "\nreference price: range midpoint")
	}
	return nil
}
