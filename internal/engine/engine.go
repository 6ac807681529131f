package engine

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"grid-trader/internal/executor"
	"grid-trader/internal/grid"
	"grid-trader/internal/oracle"
	"grid-trader/internal/venue"
)

var (
	// ErrReentrant rejects a mutating call while another is in progress,
	// including re-entry attempted by the venue during its own call.
	ErrReentrant = errors.New("engine: operation already in progress")
	// ErrPaused rejects execution while the engine is paused.
	ErrPaused = errors.New("engine: paused")
	// ErrUnauthorized rejects a caller the authorizer refuses.
	ErrUnauthorized = errors.New("engine: unauthorized")
	// ErrInsufficientBalance fails a withdrawal that exceeds holdings.
	ErrInsufficientBalance = errors.New("engine: insufficient balance")
	// ErrPriceUnavailable rejects execution when the venue cannot price.
	ErrPriceUnavailable = errors.New("engine: price unavailable")
)

const (
	minTWAPInterval = 10
	maxTWAPInterval = 3600
)

// Authorizer gates privileged operations. Access control itself lives
// outside this engine; a nil authorizer allows everything.
type Authorizer interface {
	Authorize(op string) error
}

// Options tune engine runtime behaviour.
type Options struct {
	Cooldown     time.Duration
	TWAPInterval uint32
	SwapDeadline time.Duration
}

// Engine is the owned aggregate: configuration, levels, and every mutating
// entry point, serialised by a single non-reentrancy guard.
type Engine struct {
	venue   venue.Venue
	oracle  *oracle.Adapter
	machine *grid.Machine
	exec    *executor.Controller
	auth    Authorizer
	logger  zerolog.Logger

	busy         atomic.Bool
	paused       bool
	cooldown     time.Duration
	twapInterval uint32
	swapDeadline time.Duration
}

// New wires an engine over a venue.
func New(v venue.Venue, auth Authorizer, opts Options, logger zerolog.Logger) *Engine {
	if opts.TWAPInterval < minTWAPInterval || opts.TWAPInterval > maxTWAPInterval {
		opts.TWAPInterval = 300
	}
	if opts.SwapDeadline <= 0 {
		opts.SwapDeadline = 30 * time.Second
	}
	engineLogger := logger.With().Str("component", "engine").Logger()
	return &Engine{
		venue:        v,
		oracle:       oracle.New(v, logger),
		machine:      grid.NewMachine(v, v, logger),
		exec:         executor.New(v, logger),
		auth:         auth,
		logger:       engineLogger,
		cooldown:     opts.Cooldown,
		twapInterval: opts.TWAPInterval,
		swapDeadline: opts.SwapDeadline,
	}
}

// enter claims the in-progress flag; every mutating entry point goes through
// it and releases via exit on all paths. The venue is an untrusted external
// call: without this, a malicious venue could re-enter mid-swap and observe
// half-updated level state.
func (e *Engine) enter(op string) error {
	if err := e.authorize(op); err != nil {
		return err
	}
	if !e.busy.CompareAndSwap(false, true) {
		e.logger.Warn().Str("op", op).Msg("re-entrant call rejected")
		return ErrReentrant
	}
	return nil
}

func (e *Engine) exit() { e.busy.Store(false) }

func (e *Engine) authorize(op string) error {
	if e.auth == nil {
		return nil
	}
	if err := e.auth.Authorize(op); err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return nil
}

// Configure installs a new grid configuration. Any previously initialized
// levels are invalidated.
func (e *Engine) Configure(ctx context.Context, cfg grid.Config) error {
	if err := e.enter("configure"); err != nil {
		return err
	}
	defer e.exit()
	return e.machine.Configure(ctx, cfg)
}

// InitializeLevels builds the level set around the current TWAP, falling
// back to the bound midpoint when the venue cannot price.
func (e *Engine) InitializeLevels(ctx context.Context) error {
	if err := e.enter("initialize"); err != nil {
		return err
	}
	defer e.exit()

	if !e.machine.Configured() {
		return grid.ErrNotConfigured
	}
	reference, err := e.oracle.TWAPPrice(ctx, e.quote())
	if err != nil {
		return err
	}
	return e.machine.InitializeLevels(reference)
}

// ExecuteEligible scans every level against the shared trigger predicate and
// executes the triggered ones directly.
func (e *Engine) ExecuteEligible(ctx context.Context) ([]executor.Record, error) {
	if err := e.enter("execute"); err != nil {
		return nil, err
	}
	defer e.exit()
	return e.executeIndices(ctx, nil)
}

// PerformUpkeep executes a candidate index list handed in by an external
// scheduler. The list may be stale or adversarial; everything is re-verified
// against current state before any swap.
func (e *Engine) PerformUpkeep(ctx context.Context, indices []int) ([]executor.Record, error) {
	if err := e.enter("perform"); err != nil {
		return nil, err
	}
	defer e.exit()

	if len(indices) == 0 {
		return nil, nil
	}
	return e.executeIndices(ctx, indices)
}

func (e *Engine) executeIndices(ctx context.Context, indices []int) ([]executor.Record, error) {
	if e.paused {
		return nil, ErrPaused
	}
	if !e.machine.Configured() {
		return nil, grid.ErrNotConfigured
	}
	if !e.machine.Initialized() {
		return nil, grid.ErrNotInitialized
	}

	price, err := e.oracle.TWAPPrice(ctx, e.quote())
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, ErrPriceUnavailable
	}

	now := time.Now().UTC()
	if indices == nil {
		indices = e.eligibleIndices(price, now)
	}

	return e.exec.Execute(ctx, e.machine, indices, executor.Pass{
		Price:    price,
		Now:      now,
		Cooldown: e.cooldown,
		Deadline: e.swapDeadline,
	})
}

// CheckUpkeep is the read-only half of the automation interface: it reports
// whether any level could fire, without mutating anything. An empty index
// list means no upkeep is needed.
func (e *Engine) CheckUpkeep(ctx context.Context) ([]int, error) {
	if e.paused || !e.machine.Configured() || !e.machine.Initialized() {
		return nil, nil
	}

	price, err := e.oracle.TWAPPrice(ctx, e.quote())
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	candidates := e.eligibleIndices(price, now)
	if len(candidates) == 0 {
		return nil, nil
	}

	// Balance pre-check: a side the wallet cannot fund is not upkeep.
	cfg, err := e.machine.Config()
	if err != nil {
		return nil, nil
	}
	wallet := e.venue.Wallet()
	baseBalance, baseErr := e.venue.BalanceOf(ctx, cfg.BaseToken, wallet)
	quoteBalance, quoteErr := e.venue.BalanceOf(ctx, cfg.QuoteToken, wallet)
	if baseErr != nil || quoteErr != nil {
		return nil, nil
	}

	funded := candidates[:0]
	for _, i := range candidates {
		level, err := e.machine.Level(i)
		if err != nil {
			continue
		}
		if level.Side == grid.SideBuy && quoteBalance.Cmp(cfg.QuoteOrderSize) >= 0 {
			funded = append(funded, i)
		}
		if level.Side == grid.SideSell && baseBalance.Cmp(cfg.BaseOrderSize) >= 0 {
			funded = append(funded, i)
		}
	}
	return funded, nil
}

func (e *Engine) eligibleIndices(price *big.Int, now time.Time) []int {
	levels := e.machine.Levels()
	indices := make([]int, 0, len(levels))
	for i, level := range levels {
		if grid.Eligible(level, price, now, e.cooldown) {
			indices = append(indices, i)
		}
	}
	return indices
}

// Deposit pulls tokens into the trading wallet from a previously approved
// source address.
func (e *Engine) Deposit(ctx context.Context, token, from common.Address, amount *big.Int) error {
	if err := e.enter("deposit"); err != nil {
		return err
	}
	defer e.exit()

	if amount == nil || amount.Sign() <= 0 {
		return errors.New("engine: deposit amount must be positive")
	}
	return e.venue.TransferFrom(ctx, token, from, e.venue.Wallet(), amount)
}

// Withdraw sends tokens from the trading wallet to the operator. Unlike the
// per-level balance skip, an underfunded withdrawal fails fast.
func (e *Engine) Withdraw(ctx context.Context, token, to common.Address, amount *big.Int) error {
	if err := e.enter("withdraw"); err != nil {
		return err
	}
	defer e.exit()

	if amount == nil || amount.Sign() <= 0 {
		return errors.New("engine: withdraw amount must be positive")
	}
	balance, err := e.venue.BalanceOf(ctx, token, e.venue.Wallet())
	if err != nil {
		return fmt.Errorf("query balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, want %s", ErrInsufficientBalance, balance, amount)
	}
	return e.venue.Transfer(ctx, token, to, amount)
}

// EmergencyWithdraw pauses the engine and drains both configured tokens.
func (e *Engine) EmergencyWithdraw(ctx context.Context, to common.Address) error {
	if err := e.enter("emergency_withdraw"); err != nil {
		return err
	}
	defer e.exit()

	cfg, err := e.machine.Config()
	if err != nil {
		return err
	}

	e.paused = true
	wallet := e.venue.Wallet()
	for _, token := range []common.Address{cfg.BaseToken, cfg.QuoteToken} {
		balance, err := e.venue.BalanceOf(ctx, token, wallet)
		if err != nil {
			return fmt.Errorf("query balance: %w", err)
		}
		if balance.Sign() == 0 {
			continue
		}
		if err := e.venue.Transfer(ctx, token, to, balance); err != nil {
			return fmt.Errorf("drain %s: %w", token.Hex(), err)
		}
	}
	e.logger.Warn().Str("to", to.Hex()).Msg("emergency withdrawal complete, engine paused")
	return nil
}

// Pause stops execution paths; configuration and withdrawal stay available.
func (e *Engine) Pause() error {
	if err := e.authorize("pause"); err != nil {
		return err
	}
	e.paused = true
	e.logger.Info().Msg("engine paused")
	return nil
}

// Unpause resumes execution.
func (e *Engine) Unpause() error {
	if err := e.authorize("unpause"); err != nil {
		return err
	}
	e.paused = false
	e.logger.Info().Msg("engine unpaused")
	return nil
}

// SetSlippageBps updates the slippage bound, (0,1000] basis points.
func (e *Engine) SetSlippageBps(bps uint32) error {
	if err := e.enter("set_slippage"); err != nil {
		return err
	}
	defer e.exit()
	return e.machine.SetSlippageBps(bps)
}

// SetCooldown updates the per-level cooldown.
func (e *Engine) SetCooldown(cooldown time.Duration) error {
	if err := e.enter("set_cooldown"); err != nil {
		return err
	}
	defer e.exit()
	if cooldown < 0 {
		return errors.New("engine: cooldown cannot be negative")
	}
	e.cooldown = cooldown
	return nil
}

// SetTWAPInterval updates the observation window, bounded [10,3600] seconds.
func (e *Engine) SetTWAPInterval(seconds uint32) error {
	if err := e.enter("set_twap_interval"); err != nil {
		return err
	}
	defer e.exit()
	if seconds < minTWAPInterval || seconds > maxTWAPInterval {
		return fmt.Errorf("engine: twap interval %d outside [%d,%d] seconds", seconds, minTWAPInterval, maxTWAPInterval)
	}
	e.twapInterval = seconds
	return nil
}

// SetLevelActive toggles one level.
func (e *Engine) SetLevelActive(i int, active bool) error {
	if err := e.enter("set_level_active"); err != nil {
		return err
	}
	defer e.exit()
	return e.machine.SetLevelActive(i, active)
}

// ResetLevelCooldown clears one level's execution stamp.
func (e *Engine) ResetLevelCooldown(i int) error {
	if err := e.enter("reset_level_cooldown"); err != nil {
		return err
	}
	defer e.exit()
	return e.machine.ResetLevelCooldown(i)
}

// CurrentPrice returns the TWAP over the configured window; zero means the
// venue cannot price right now.
func (e *Engine) CurrentPrice(ctx context.Context) (*big.Int, error) {
	if !e.machine.Configured() {
		return nil, grid.ErrNotConfigured
	}
	return e.oracle.TWAPPrice(ctx, e.quote())
}

// SpotPrice returns the instantaneous price from the pool's current tick.
func (e *Engine) SpotPrice(ctx context.Context) (*big.Int, error) {
	if !e.machine.Configured() {
		return nil, grid.ErrNotConfigured
	}
	return e.oracle.SpotPrice(ctx, e.quote())
}

// Balances reports the wallet's holdings of both configured tokens.
func (e *Engine) Balances(ctx context.Context) (base, quote *big.Int, err error) {
	cfg, err := e.machine.Config()
	if err != nil {
		return nil, nil, err
	}
	wallet := e.venue.Wallet()
	base, err = e.venue.BalanceOf(ctx, cfg.BaseToken, wallet)
	if err != nil {
		return nil, nil, err
	}
	quote, err = e.venue.BalanceOf(ctx, cfg.QuoteToken, wallet)
	if err != nil {
		return nil, nil, err
	}
	return base, quote, nil
}

func (e *Engine) quote() oracle.Quote {
	baseDecimals, quoteDecimals := e.machine.Decimals()
	return oracle.Quote{
		Pool:          e.machine.Pool(),
		Interval:      e.twapInterval,
		BaseDecimals:  baseDecimals,
		QuoteDecimals: quoteDecimals,
		BaseIsToken0:  e.machine.BaseIsToken0(),
	}
}

// Paused reports the pause flag.
func (e *Engine) Paused() bool { return e.paused }

// Configured reports whether a valid configuration is installed.
func (e *Engine) Configured() bool { return e.machine.Configured() }

// Initialized reports whether levels exist.
func (e *Engine) Initialized() bool { return e.machine.Initialized() }

// Config returns the active grid configuration.
func (e *Engine) Config() (grid.Config, error) { return e.machine.Config() }

// Levels returns a copy of the level set.
func (e *Engine) Levels() []grid.Level { return e.machine.Levels() }

// Level returns one level record.
func (e *Engine) Level(i int) (grid.Level, error) { return e.machine.Level(i) }

// Pool returns the resolved pool address.
func (e *Engine) Pool() common.Address { return e.machine.Pool() }

// ExecutionCount returns the lifetime number of successful swaps.
func (e *Engine) ExecutionCount() uint64 { return e.exec.ExecutionCount() }

// Cooldown returns the per-level cooldown.
func (e *Engine) Cooldown() time.Duration { return e.cooldown }

// TWAPInterval returns the observation window in seconds.
func (e *Engine) TWAPInterval() uint32 { return e.twapInterval }
