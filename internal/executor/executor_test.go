package executor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

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

func e6(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func testConfig() grid.Config {
	return grid.Config{
		BaseToken:      testBase,
		QuoteToken:     testQuote,
		LowerPrice:     e18(1800),
		UpperPrice:     e18(2200),
		LevelCount:     10,
		BaseOrderSize:  e18(1),
		QuoteOrderSize: e6(2000),
		FeeTier:        3000,
		SlippageBps:    50,
	}
}

func setup(t *testing.T) (*venue.Memory, *grid.Machine, *Controller) {
	t.Helper()
	mem := venue.NewMemory(testPool, testWallet, testRouter)
	mem.RegisterToken(testBase, 18)
	mem.RegisterToken(testQuote, 6)

	machine := grid.NewMachine(mem, mem, zerolog.Nop())
	if err := machine.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if err := machine.InitializeLevels(e18(2000)); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return mem, machine, New(mem, zerolog.Nop())
}

func buyPass(price int64) Pass {
	return Pass{
		Price:    e18(price),
		Now:      time.Unix(1_700_000_000, 0),
		Cooldown: time.Minute,
		Deadline: 30 * time.Second,
	}
}

func TestExpectedOutput(t *testing.T) {
	// 2000 quote units (6 decimals) at price 2000 buys exactly 1 base unit
	// (18 decimals); the reverse sell recovers the quote amount.
	buy := expectedOutput(grid.SideBuy, e6(2000), e18(2000), 18, 6)
	if buy.Cmp(e18(1)) != 0 {
		t.Fatalf("buy expected out = %s, want 1e18", buy)
	}
	sell := expectedOutput(grid.SideSell, e18(1), e18(2000), 18, 6)
	if sell.Cmp(e6(2000)) != 0 {
		t.Fatalf("sell expected out = %s, want 2000e6", sell)
	}
}

func TestApplySlippage(t *testing.T) {
	got := applySlippage(big.NewInt(10_000), 50)
	if got.Int64() != 9_950 {
		t.Fatalf("50 bps on 10000 = %d, want 9950", got.Int64())
	}
	got = applySlippage(big.NewInt(10_000), 1000)
	if got.Int64() != 9_000 {
		t.Fatalf("1000 bps on 10000 = %d, want 9000", got.Int64())
	}
}

func TestExecuteBuyFlipsLevelAndRevokesAllowance(t *testing.T) {
	mem, machine, ctrl := setup(t)
	mem.Mint(testQuote, testWallet, e6(10_000))

	var grants []*big.Int
	mem.ApproveHook = func(_, _ common.Address, amount *big.Int) {
		grants = append(grants, new(big.Int).Set(amount))
	}

	pass := buyPass(1800)
	records, err := ctrl.Execute(context.Background(), machine, []int{0}, pass)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	rec := records[0]
	if rec.Side != grid.SideBuy || rec.TokenIn != testQuote || rec.TokenOut != testBase {
		t.Fatalf("record misdirected: %+v", rec)
	}
	if rec.AmountIn.Cmp(e6(2000)) != 0 {
		t.Fatalf("amount in = %s, want configured quote order size", rec.AmountIn)
	}
	if rec.ID == uuid.Nil {
		t.Fatal("record must carry an id")
	}

	level, _ := machine.Level(0)
	if level.Side != grid.SideSell {
		t.Fatal("fired buy level must flip to sell")
	}
	if !level.LastExecuted.Equal(pass.Now) {
		t.Fatalf("execution stamp = %v, want %v", level.LastExecuted, pass.Now)
	}
	if ctrl.ExecutionCount() != 1 {
		t.Fatalf("lifetime counter = %d, want 1", ctrl.ExecutionCount())
	}

	// Grant of the exact input amount, then revocation to zero.
	if len(grants) != 2 || grants[0].Cmp(e6(2000)) != 0 || grants[1].Sign() != 0 {
		t.Fatalf("allowance sequence = %v, want [2000e6, 0]", grants)
	}
	if mem.Allowance(testQuote, testRouter).Sign() != 0 {
		t.Fatal("allowance must end revoked")
	}
}

func TestExecuteUnderfundedLevelDoesNotBlockOthers(t *testing.T) {
	mem, machine, ctrl := setup(t)
	// Funds for exactly one buy order; levels 0 and 1 are both eligible
	// buys at price 1800.
	mem.Mint(testQuote, testWallet, e6(2000))

	records, err := ctrl.Execute(context.Background(), machine, []int{0, 1}, buyPass(1800))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected exactly one funded execution, got %d", len(records))
	}
	if records[0].LevelIndex != 0 {
		t.Fatalf("executed level = %d, want 0", records[0].LevelIndex)
	}

	// Level 1 must be untouched, not failed.
	level, _ := machine.Level(1)
	if level.Side != grid.SideBuy || !level.LastExecuted.IsZero() {
		t.Fatal("underfunded level must stay untouched")
	}
}

func TestExecuteVenueFailureIsContained(t *testing.T) {
	mem, machine, ctrl := setup(t)
	mem.Mint(testQuote, testWallet, e6(10_000))

	calls := 0
	mem.SwapFn = func(_ context.Context, req venue.SwapRequest) (*big.Int, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("venue reverted")
		}
		return new(big.Int).Set(req.MinAmountOut), nil
	}

	records, err := ctrl.Execute(context.Background(), machine, []int{0, 1}, buyPass(1800))
	if err != nil {
		t.Fatalf("venue failure must be contained: %v", err)
	}
	if len(records) != 1 || records[0].LevelIndex != 1 {
		t.Fatalf("expected the second level to execute, got %+v", records)
	}

	failed, _ := machine.Level(0)
	if failed.Side != grid.SideBuy || !failed.LastExecuted.IsZero() {
		t.Fatal("failed level must keep side and stamp")
	}
	if ctrl.ExecutionCount() != 1 {
		t.Fatalf("lifetime counter = %d, want 1", ctrl.ExecutionCount())
	}
	if mem.Allowance(testQuote, testRouter).Sign() != 0 {
		t.Fatal("allowance must be revoked after a failed swap")
	}
}

func TestExecuteSlippageViolationAbortsPass(t *testing.T) {
	mem, machine, ctrl := setup(t)
	mem.Mint(testQuote, testWallet, e6(10_000))

	calls := 0
	mem.SwapFn = func(_ context.Context, req venue.SwapRequest) (*big.Int, error) {
		calls++
		if calls == 1 {
			// Reports success but under the bound.
			return new(big.Int).Sub(req.MinAmountOut, big.NewInt(1)), nil
		}
		return new(big.Int).Set(req.MinAmountOut), nil
	}

	records, err := ctrl.Execute(context.Background(), machine, []int{0, 1, 2}, buyPass(1800))
	if !errors.Is(err, ErrSlippageExceeded) {
		t.Fatalf("expected ErrSlippageExceeded, got %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("no records expected before the abort, got %d", len(records))
	}
	if calls != 1 {
		t.Fatalf("later levels must not run after the abort, swap calls = %d", calls)
	}

	violated, _ := machine.Level(0)
	if violated.Side != grid.SideBuy || !violated.LastExecuted.IsZero() {
		t.Fatal("violating level must not commit")
	}
	if ctrl.ExecutionCount() != 0 {
		t.Fatal("lifetime counter must not move on an aborted pass")
	}
}

func TestExecuteSkipsOutOfRangeIndices(t *testing.T) {
	mem, machine, ctrl := setup(t)
	mem.Mint(testQuote, testWallet, e6(10_000))

	records, err := ctrl.Execute(context.Background(), machine, []int{42, -1, 0}, buyPass(1800))
	if err != nil {
		t.Fatalf("out-of-range indices must not fail the pass: %v", err)
	}
	if len(records) != 1 || records[0].LevelIndex != 0 {
		t.Fatalf("expected only level 0 to execute, got %+v", records)
	}
}

func TestExecuteCapsLevelsPerPass(t *testing.T) {
	mem := venue.NewMemory(testPool, testWallet, testRouter)
	mem.RegisterToken(testBase, 18)
	mem.RegisterToken(testQuote, 6)

	cfg := testConfig()
	cfg.LevelCount = 15
	machine := grid.NewMachine(mem, mem, zerolog.Nop())
	if err := machine.Configure(context.Background(), cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	// Reference above the upper bound makes every level a buy.
	if err := machine.InitializeLevels(e18(3000)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	mem.Mint(testQuote, testWallet, e6(2000*15))
	ctrl := New(mem, zerolog.Nop())

	indices := make([]int, 15)
	for i := range indices {
		indices[i] = i
	}
	records, err := ctrl.Execute(context.Background(), machine, indices, buyPass(1800))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(records) != 10 {
		t.Fatalf("pass must stop at 10 levels, executed %d", len(records))
	}
}

func TestExecuteRequiresLifecycle(t *testing.T) {
	mem := venue.NewMemory(testPool, testWallet, testRouter)
	mem.RegisterToken(testBase, 18)
	mem.RegisterToken(testQuote, 6)
	machine := grid.NewMachine(mem, mem, zerolog.Nop())
	ctrl := New(mem, zerolog.Nop())

	if _, err := ctrl.Execute(context.Background(), machine, []int{0}, buyPass(1800)); !errors.Is(err, grid.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if err := machine.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	if _, err := ctrl.Execute(context.Background(), machine, []int{0}, buyPass(1800)); !errors.Is(err, grid.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
