package grid

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"grid-trader/internal/venue"
)

var (
	testBase  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	testQuote = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	testPool  = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func e18(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func testVenue() *venue.Memory {
	m := venue.NewMemory(testPool, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	m.RegisterToken(testBase, 18)
	m.RegisterToken(testQuote, 18)
	return m
}

func testConfig() Config {
	return Config{
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

func configuredMachine(t *testing.T) *Machine {
	t.Helper()
	v := testVenue()
	m := NewMachine(v, v, zerolog.Nop())
	if err := m.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return m
}

func TestConfigValidate(t *testing.T) {
	mutations := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lower", func(c *Config) { c.LowerPrice = big.NewInt(0) }},
		{"inverted bounds", func(c *Config) { c.LowerPrice, c.UpperPrice = c.UpperPrice, c.LowerPrice }},
		{"one level", func(c *Config) { c.LevelCount = 1 }},
		{"too many levels", func(c *Config) { c.LevelCount = 101 }},
		{"zero base size", func(c *Config) { c.BaseOrderSize = big.NewInt(0) }},
		{"zero quote size", func(c *Config) { c.QuoteOrderSize = big.NewInt(0) }},
		{"zero slippage", func(c *Config) { c.SlippageBps = 0 }},
		{"excess slippage", func(c *Config) { c.SlippageBps = 1001 }},
		{"same tokens", func(c *Config) { c.QuoteToken = c.BaseToken }},
	}
	for _, tc := range mutations {
		cfg := testConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if err := testConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestConfigureFailsClosedWithoutPool(t *testing.T) {
	noPool := venue.NewMemory(common.Address{}, common.HexToAddress("0x01"), common.HexToAddress("0x02"))
	m := NewMachine(noPool, testVenue(), zerolog.Nop())
	if err := m.Configure(context.Background(), testConfig()); !errors.Is(err, venue.ErrPoolNotFound) {
		t.Fatalf("expected pool-not-found, got %v", err)
	}
	if m.Configured() {
		t.Fatal("machine must stay unconfigured after a failed pool lookup")
	}
}

func TestReconfigureDropsInitialized(t *testing.T) {
	m := configuredMachine(t)
	if err := m.InitializeLevels(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !m.Initialized() {
		t.Fatal("expected initialized")
	}

	if err := m.Configure(context.Background(), testConfig()); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if m.Initialized() {
		t.Fatal("reconfiguration must reset initialized")
	}
	if _, err := m.Level(0); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeRequiresConfigure(t *testing.T) {
	v := testVenue()
	m := NewMachine(v, v, zerolog.Nop())
	if err := m.InitializeLevels(nil); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestInitializeLevelsBlendedCurve(t *testing.T) {
	m := configuredMachine(t)
	if err := m.InitializeLevels(e18(2000)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	levels := m.Levels()
	if len(levels) != 10 {
		t.Fatalf("expected 10 levels, got %d", len(levels))
	}
	if levels[0].Price.Cmp(e18(1800)) != 0 {
		t.Fatalf("level 0 price = %s, want lower bound", levels[0].Price)
	}
	if levels[9].Price.Cmp(e18(2200)) != 0 {
		t.Fatalf("level 9 price = %s, want upper bound", levels[9].Price)
	}

	// Exact blended values, not linear spacing: f=i/9, blend=(f+f^2)/2.
	wantLevel1, _ := new(big.Int).SetString("1824691358024691358024", 10)
	wantLevel3, _ := new(big.Int).SetString("1888888888888888888888", 10)
	if levels[1].Price.Cmp(wantLevel1) != 0 {
		t.Fatalf("level 1 price = %s, want %s", levels[1].Price, wantLevel1)
	}
	if levels[3].Price.Cmp(wantLevel3) != 0 {
		t.Fatalf("level 3 price = %s, want %s", levels[3].Price, wantLevel3)
	}

	for i := 1; i < len(levels); i++ {
		if levels[i].Price.Cmp(levels[i-1].Price) < 0 {
			t.Fatalf("prices must be non-decreasing, violated at %d", i)
		}
	}

	// With reference 2000 the blended curve puts six levels below it, one
	// more than linear spacing would.
	buys := 0
	for _, lvl := range levels {
		if !lvl.Active {
			t.Fatal("all levels must start active")
		}
		if !lvl.LastExecuted.IsZero() {
			t.Fatal("all levels must start with a clear execution stamp")
		}
		if lvl.Side == SideBuy {
			buys++
		}
	}
	if buys != 6 {
		t.Fatalf("expected 6 buy levels below reference 2000, got %d", buys)
	}
	if levels[5].Side != SideBuy || levels[6].Side != SideSell {
		t.Fatalf("side split misplaced: level5=%s level6=%s", levels[5].Side, levels[6].Side)
	}
}

func TestInitializeLevelsMidpointFallback(t *testing.T) {
	m := configuredMachine(t)
	if err := m.InitializeLevels(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	// Midpoint of [1800,2200] is 2000, same split as the explicit reference.
	buys := 0
	for _, lvl := range m.Levels() {
		if lvl.Side == SideBuy {
			buys++
		}
	}
	if buys != 6 {
		t.Fatalf("midpoint fallback: expected 6 buy levels, got %d", buys)
	}
}

func TestEligiblePredicate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cooldown := time.Minute
	buy := Level{Price: e18(1900), Side: SideBuy, Active: true}

	if !Eligible(buy, e18(1900), now, cooldown) {
		t.Fatal("buy at trigger price must be eligible")
	}
	if !Eligible(buy, e18(1850), now, cooldown) {
		t.Fatal("buy below trigger price must be eligible")
	}
	if Eligible(buy, e18(1950), now, cooldown) {
		t.Fatal("buy above trigger price must not be eligible")
	}

	sell := buy
	sell.Side = SideSell
	if Eligible(sell, e18(1850), now, cooldown) {
		t.Fatal("sell below trigger price must not be eligible")
	}
	if !Eligible(sell, e18(1900), now, cooldown) {
		t.Fatal("sell at trigger price must be eligible")
	}

	inactive := buy
	inactive.Active = false
	if Eligible(inactive, e18(1850), now, cooldown) {
		t.Fatal("inactive level must not be eligible")
	}

	cooling := buy
	cooling.LastExecuted = now.Add(-30 * time.Second)
	if Eligible(cooling, e18(1850), now, cooldown) {
		t.Fatal("level inside cooldown must not be eligible")
	}
	cooling.LastExecuted = now.Add(-cooldown)
	if !Eligible(cooling, e18(1850), now, cooldown) {
		t.Fatal("level exactly at cooldown boundary must be eligible")
	}

	if Eligible(buy, big.NewInt(0), now, cooldown) {
		t.Fatal("zero price sentinel must never trigger")
	}
}

func TestMarkExecutedFlipsSide(t *testing.T) {
	m := configuredMachine(t)
	if err := m.InitializeLevels(e18(2000)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	now := time.Unix(1_700_000_000, 0)
	before, _ := m.Level(2)
	if before.Side != SideBuy {
		t.Fatalf("precondition: level 2 should start as buy")
	}

	if err := m.MarkExecuted(2, now); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	after, _ := m.Level(2)
	if after.Side != SideSell {
		t.Fatal("fired buy must become a sell")
	}
	if !after.LastExecuted.Equal(now) {
		t.Fatalf("execution stamp = %v, want %v", after.LastExecuted, now)
	}

	// The opposite predicate now guards the next trigger.
	if Eligible(after, e18(1850), now.Add(time.Hour), time.Minute) {
		t.Fatal("flipped level must no longer trigger as a buy")
	}
	if !Eligible(after, after.Price, now.Add(time.Hour), time.Minute) {
		t.Fatal("flipped level must trigger as a sell at its price")
	}
}

func TestLevelOperatorControls(t *testing.T) {
	m := configuredMachine(t)
	if err := m.InitializeLevels(e18(2000)); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := m.SetLevelActive(4, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	lvl, _ := m.Level(4)
	if lvl.Active {
		t.Fatal("level 4 should be inactive")
	}

	now := time.Unix(1_700_000_000, 0)
	if err := m.MarkExecuted(3, now); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	if err := m.ResetLevelCooldown(3); err != nil {
		t.Fatalf("reset cooldown: %v", err)
	}
	lvl, _ = m.Level(3)
	if !lvl.LastExecuted.IsZero() {
		t.Fatal("cooldown reset should clear the execution stamp")
	}

	if err := m.SetLevelActive(99, true); !errors.Is(err, ErrLevelIndex) {
		t.Fatalf("expected ErrLevelIndex, got %v", err)
	}
}

func TestSetSlippageBps(t *testing.T) {
	m := configuredMachine(t)
	if err := m.SetSlippageBps(0); err == nil {
		t.Fatal("zero slippage must be rejected")
	}
	if err := m.SetSlippageBps(1001); err == nil {
		t.Fatal("slippage above 1000 bps must be rejected")
	}
	if err := m.SetSlippageBps(1000); err != nil {
		t.Fatalf("1000 bps is the inclusive ceiling: %v", err)
	}
	cfg, _ := m.Config()
	if cfg.SlippageBps != 1000 {
		t.Fatalf("slippage = %d, want 1000", cfg.SlippageBps)
	}
}
