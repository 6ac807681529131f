package grid

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"grid-trader/internal/venue"
)

// Side is the pending direction of a grid level.
type Side uint8

const (
	SideBuy Side = iota
	SideSell
)

// String renders the side for logs and tables.
func (s Side) String() string {
	if s == SideBuy {
		return "buy"
	}
	return "sell"
}

// Opposite returns the side a level flips to after firing.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

var (
	// ErrNotConfigured rejects operations before a valid configuration.
	ErrNotConfigured = errors.New("grid: not configured")
	// ErrNotInitialized rejects execution before levels exist.
	ErrNotInitialized = errors.New("grid: levels not initialized")
	// ErrLevelIndex flags an out-of-range level index.
	ErrLevelIndex = errors.New("grid: level index out of range")
)

// Config is the immutable trading-pair configuration. Prices are 1e18-scaled
// quote units per base unit; order sizes are raw token units.
type Config struct {
	BaseToken      common.Address
	QuoteToken     common.Address
	LowerPrice     *big.Int
	UpperPrice     *big.Int
	LevelCount     int
	BaseOrderSize  *big.Int
	QuoteOrderSize *big.Int
	FeeTier        uint32
	SlippageBps    uint32
}

// Validate checks every configuration invariant. Violations fail fast with
// no state change anywhere.
func (c Config) Validate() error {
	if c.BaseToken == (common.Address{}) || c.QuoteToken == (common.Address{}) {
		return errors.New("grid: base and quote tokens required")
	}
	if c.BaseToken == c.QuoteToken {
		return errors.New("grid: base and quote tokens must differ")
	}
	if c.LowerPrice == nil || c.LowerPrice.Sign() <= 0 {
		return errors.New("grid: lower price must be positive")
	}
	if c.UpperPrice == nil || c.LowerPrice.Cmp(c.UpperPrice) >= 0 {
		return errors.New("grid: lower price must be below upper price")
	}
	if c.LevelCount < 2 || c.LevelCount > 100 {
		return fmt.Errorf("grid: level count %d outside [2,100]", c.LevelCount)
	}
	if c.BaseOrderSize == nil || c.BaseOrderSize.Sign() <= 0 {
		return errors.New("grid: base order size must be positive")
	}
	if c.QuoteOrderSize == nil || c.QuoteOrderSize.Sign() <= 0 {
		return errors.New("grid: quote order size must be positive")
	}
	if c.SlippageBps == 0 || c.SlippageBps > 1000 {
		return fmt.Errorf("grid: slippage %d bps outside (0,1000]", c.SlippageBps)
	}
	return nil
}

// Level is one rung of the grid: a fixed trigger price with a pending side.
type Level struct {
	Price        *big.Int
	Side         Side
	Active       bool
	LastExecuted time.Time
}

// Eligible is the one trigger predicate shared by every execution path.
// It is pure: identical inputs always agree.
func Eligible(level Level, price *big.Int, now time.Time, cooldown time.Duration) bool {
	if !level.Active {
		return false
	}
	if price == nil || price.Sign() <= 0 {
		return false
	}
	if !level.LastExecuted.IsZero() && now.Before(level.LastExecuted.Add(cooldown)) {
		return false
	}
	if level.Side == SideBuy {
		return price.Cmp(level.Price) <= 0
	}
	return price.Cmp(level.Price) >= 0
}

// Machine owns the grid configuration and level records.
type Machine struct {
	locator venue.PoolLocator
	bank    venue.TokenBank
	logger  zerolog.Logger

	cfg           Config
	pool          common.Address
	baseDecimals  uint8
	quoteDecimals uint8
	baseIsToken0  bool
	configured    bool
	initialized   bool
	levels        []Level
}

// NewMachine builds an unconfigured state machine.
func NewMachine(locator venue.PoolLocator, bank venue.TokenBank, logger zerolog.Logger) *Machine {
	return &Machine{
		locator: locator,
		bank:    bank,
		logger:  logger.With().Str("component", "grid").Logger(),
	}
}

// Configure validates and installs a configuration, resolving the pool for
// the pair and fee tier. Any reconfiguration drops the initialized flag:
// levels priced against old bounds must never survive into new ones.
func (m *Machine) Configure(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	pool, err := m.locator.FindPool(ctx, cfg.BaseToken, cfg.QuoteToken, cfg.FeeTier)
	if err != nil {
		return fmt.Errorf("resolve pool: %w", err)
	}

	baseDecimals, err := m.bank.Decimals(ctx, cfg.BaseToken)
	if err != nil {
		return fmt.Errorf("base token decimals: %w", err)
	}
	quoteDecimals, err := m.bank.Decimals(ctx, cfg.QuoteToken)
	if err != nil {
		return fmt.Errorf("quote token decimals: %w", err)
	}

	m.cfg = cfg
	m.pool = pool
	m.baseDecimals = baseDecimals
	m.quoteDecimals = quoteDecimals
	m.baseIsToken0 = cfg.BaseToken.Cmp(cfg.QuoteToken) < 0
	m.configured = true
	m.initialized = false
	m.levels = nil

	m.logger.Info().
		Str("pool", pool.Hex()).
		Str("lower", cfg.LowerPrice.String()).
		Str("upper", cfg.UpperPrice.String()).
		Int("levels", cfg.LevelCount).
		Msg("grid configured")
	return nil
}

// InitializeLevels builds the full level set. Level 0 sits exactly on the
// lower bound and the last level exactly on the upper bound; interior levels
// follow the blended curve f=(i/(n-1)), blend=(f+f^2)/2. The curve widens
// spacing toward the upper bound and is part of the deployed price surface;
// it is intentionally not geometric.
//
// referencePrice splits sides: strictly below it a level starts as a buy,
// at or above as a sell. A zero or nil reference falls back to the midpoint
// of the configured bounds.
func (m *Machine) InitializeLevels(referencePrice *big.Int) error {
	if !m.configured {
		return ErrNotConfigured
	}

	ref := referencePrice
	if ref == nil || ref.Sign() <= 0 {
		ref = new(big.Int).Add(m.cfg.LowerPrice, m.cfg.UpperPrice)
		ref.Rsh(ref, 1)
		m.logger.Debug().Str("reference", ref.String()).Msg("reference price unavailable, using bound midpoint")
	}

	n := m.cfg.LevelCount
	span := new(big.Int).Sub(m.cfg.UpperPrice, m.cfg.LowerPrice)
	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		price := levelPrice(m.cfg.LowerPrice, span, i, n)
		side := SideSell
		if price.Cmp(ref) < 0 {
			side = SideBuy
		}
		levels[i] = Level{Price: price, Side: side, Active: true}
	}

	m.levels = levels
	m.initialized = true
	m.logger.Info().
		Int("levels", n).
		Str("reference", ref.String()).
		Msg("grid levels initialized")
	return nil
}

// levelPrice evaluates the blended spacing curve exactly in integers:
// price = lower + span*(i*d + i^2) / (2*d^2) with d = n-1, so the endpoints
// land on the bounds with no rounding residue.
func levelPrice(lower, span *big.Int, i, n int) *big.Int {
	d := int64(n - 1)
	if int64(i) == d {
		return new(big.Int).Add(lower, span)
	}
	num := big.NewInt(int64(i)*d + int64(i)*int64(i))
	den := big.NewInt(2 * d * d)

	offset := new(big.Int).Mul(span, num)
	offset.Div(offset, den)
	return offset.Add(offset, lower)
}

// MarkExecuted flips the level's side and stamps its execution time. Only a
// successful swap calls this.
func (m *Machine) MarkExecuted(i int, now time.Time) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.levels[i].Side = m.levels[i].Side.Opposite()
	m.levels[i].LastExecuted = now
	return nil
}

// SetLevelActive toggles a single level's participation.
func (m *Machine) SetLevelActive(i int, active bool) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.levels[i].Active = active
	return nil
}

// ResetLevelCooldown clears a level's execution stamp so it can fire again
// immediately.
func (m *Machine) ResetLevelCooldown(i int) error {
	if err := m.checkIndex(i); err != nil {
		return err
	}
	m.levels[i].LastExecuted = time.Time{}
	return nil
}

// SetSlippageBps replaces the slippage bound on the live configuration.
func (m *Machine) SetSlippageBps(bps uint32) error {
	if !m.configured {
		return ErrNotConfigured
	}
	if bps == 0 || bps > 1000 {
		return fmt.Errorf("grid: slippage %d bps outside (0,1000]", bps)
	}
	m.cfg.SlippageBps = bps
	return nil
}

func (m *Machine) checkIndex(i int) error {
	if !m.initialized {
		return ErrNotInitialized
	}
	if i < 0 || i >= len(m.levels) {
		return fmt.Errorf("%w: %d", ErrLevelIndex, i)
	}
	return nil
}

// Configured reports whether a valid configuration is installed.
func (m *Machine) Configured() bool { return m.configured }

// Initialized reports whether the level set exists and execution is unlocked.
func (m *Machine) Initialized() bool { return m.initialized }

// Config returns the active configuration.
func (m *Machine) Config() (Config, error) {
	if !m.configured {
		return Config{}, ErrNotConfigured
	}
	return m.cfg, nil
}

// Pool returns the resolved venue pool.
func (m *Machine) Pool() common.Address { return m.pool }

// Decimals returns the cached base and quote token decimals.
func (m *Machine) Decimals() (base, quote uint8) { return m.baseDecimals, m.quoteDecimals }

// BaseIsToken0 reports whether the base token sorts first in the pool.
func (m *Machine) BaseIsToken0() bool { return m.baseIsToken0 }

// LevelCount returns the number of initialized levels.
func (m *Machine) LevelCount() int { return len(m.levels) }

// Level returns a copy of one level record.
func (m *Machine) Level(i int) (Level, error) {
	if err := m.checkIndex(i); err != nil {
		return Level{}, err
	}
	lvl := m.levels[i]
	lvl.Price = new(big.Int).Set(m.levels[i].Price)
	return lvl, nil
}

// Levels returns a copy of the full level set.
func (m *Machine) Levels() []Level {
	out := make([]Level, len(m.levels))
	for i := range m.levels {
		out[i] = m.levels[i]
		out[i].Price = new(big.Int).Set(m.levels[i].Price)
	}
	return out
}
