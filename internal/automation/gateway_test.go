package automation

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"grid-trader/internal/engine"
	"grid-trader/internal/grid"
	"grid-trader/internal/venue"
)

var (
	testBase   = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testQuote  = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testPool   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
	testWallet = common.HexToAddress("0x00000000000000000000000000000000000000dd")
	testRouter = common.HexToAddress("0x00000000000000000000000000000000000000ee")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testConfig() grid.Config {
	return grid.Config{
		BaseToken:      testBase,
		QuoteToken:     testQuote,
		LowerPrice:     e18(1800),
		UpperPrice:     e18(2200),
		LevelCount:     10,
		BaseOrderSize:  e18(1),
		QuoteOrderSize: e18(2000),
		FeeTier:        3000,
		SlippageBps:    50,
	}
}

func setup(t *testing.T) (*venue.Memory, *engine.Engine, *Gateway) {
	t.Helper()
	mem := venue.NewMemory(testPool, testWallet, testRouter)
	mem.RegisterToken(testBase, 18)
	mem.RegisterToken(testQuote, 18)
	mem.Tick = 76012 // just under 2000

	eng := engine.New(mem, nil, engine.Options{
		Cooldown:     time.Minute,
		TWAPInterval: 60,
	}, zerolog.Nop())
	if err := eng.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := eng.InitializeLevels(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return mem, eng, New(eng, zerolog.Nop())
}

func TestCheckNotNeededBeforeLifecycle(t *testing.T) {
	mem := venue.NewMemory(testPool, testWallet, testRouter)
	mem.RegisterToken(testBase, 18)
	mem.RegisterToken(testQuote, 18)
	eng := engine.New(mem, nil, engine.Options{TWAPInterval: 60}, zerolog.Nop())
	gw := New(eng, zerolog.Nop())

	res, err := gw.Check(context.Background())
	if err != nil || res.UpkeepNeeded {
		t.Fatalf("unconfigured engine must report not needed, got %+v err %v", res, err)
	}

	if err := eng.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	res, err = gw.Check(context.Background())
	if err != nil || res.UpkeepNeeded {
		t.Fatalf("uninitialized engine must report not needed, got %+v err %v", res, err)
	}
}

func TestCheckNotNeededWhenPaused(t *testing.T) {
	mem, eng, gw := setup(t)
	mem.Mint(testQuote, testWallet, e18(100_000))
	mem.Tick = 75000

	if err := eng.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	res, err := gw.Check(context.Background())
	if err != nil || res.UpkeepNeeded {
		t.Fatalf("paused engine must report not needed, got %+v err %v", res, err)
	}
}

func TestCheckNotNeededWhenPriceUnavailable(t *testing.T) {
	mem, _, gw := setup(t)
	mem.Mint(testQuote, testWallet, e18(100_000))
	mem.ObserveErr = errors.New("node down")

	res, err := gw.Check(context.Background())
	if err != nil || res.UpkeepNeeded {
		t.Fatalf("price-unavailable must report not needed, got %+v err %v", res, err)
	}
}

func TestCheckFiltersUnfundedSides(t *testing.T) {
	mem, _, gw := setup(t)
	mem.Tick = 75000 // buy rungs eligible, wallet holds no quote

	res, err := gw.Check(context.Background())
	if err != nil || res.UpkeepNeeded {
		t.Fatalf("unfunded buys must not be upkeep, got %+v err %v", res, err)
	}

	mem.Mint(testQuote, testWallet, e18(100_000))
	res, err = gw.Check(context.Background())
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.UpkeepNeeded || len(res.LevelIndices) == 0 {
		t.Fatal("funded eligible buys must be upkeep")
	}
}

func TestPerformSkipsOutOfRangeAndExecutesValid(t *testing.T) {
	mem, eng, gw := setup(t)
	mem.Mint(testQuote, testWallet, e18(100_000))
	mem.Tick = 75000

	res, err := gw.Check(context.Background())
	if err != nil || !res.UpkeepNeeded {
		t.Fatalf("expected upkeep, got %+v err %v", res, err)
	}
	valid := res.LevelIndices[0]

	records, err := gw.Perform(context.Background(), []int{9999, valid})
	if err != nil {
		t.Fatalf("perform with a bad index must not fail: %v", err)
	}
	if len(records) != 1 || records[0].LevelIndex != valid {
		t.Fatalf("expected only level %d to execute, got %+v", valid, records)
	}
	if eng.ExecutionCount() != 1 {
		t.Fatalf("lifetime counter = %d, want 1", eng.ExecutionCount())
	}
}

func TestPerformRevalidatesStaleIndices(t *testing.T) {
	mem, _, gw := setup(t)
	mem.Mint(testQuote, testWallet, e18(100_000))
	mem.Tick = 75000

	res, err := gw.Check(context.Background())
	if err != nil || !res.UpkeepNeeded {
		t.Fatalf("expected upkeep, got %+v err %v", res, err)
	}

	// Price recovers between check and perform; the stale candidate list
	// must re-evaluate to nothing.
	mem.Tick = 76012
	records, err := gw.Perform(context.Background(), res.LevelIndices)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("stale indices must not execute, got %d records", len(records))
	}
	if mem.SwapCalls != 0 {
		t.Fatalf("no swap should reach the venue, saw %d", mem.SwapCalls)
	}
}

func TestPerformEmptyListIsNoop(t *testing.T) {
	_, _, gw := setup(t)
	records, err := gw.Perform(context.Background(), nil)
	if err != nil {
		t.Fatalf("empty perform: %v", err)
	}
	if len(records) != 0 {
		t.Fatal("empty candidate list must execute nothing")
	}
}
