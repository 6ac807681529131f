package venue

import (
	"context"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Memory is a deterministic in-process venue. Cumulative ticks are generated
// from a single current tick held constant over the whole lookback window, so
// any TWAP over it resolves to exactly that tick. Swaps honour balances and
// allowances the way an ERC-20 plus router pair would, which lets callers
// exercise the allowance discipline and failure containment of real trading
// paths without a node.
type Memory struct {
	pool    common.Address
	wallet  common.Address
	spender common.Address

	Tick      int64
	ObserveAt int64 // synthetic "now" for the cumulative log, unix seconds

	decimals   map[common.Address]uint8
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int

	// ObserveErr, when set, makes price history queries fail.
	ObserveErr error
	// SwapFn overrides swap behaviour; the default fills at MinAmountOut.
	SwapFn func(ctx context.Context, req SwapRequest) (*big.Int, error)
	// ApproveHook observes every allowance change, in call order.
	ApproveHook func(token, spender common.Address, amount *big.Int)

	SwapCalls int
}

// NewMemory builds an in-memory venue with one pool.
func NewMemory(pool, wallet, spender common.Address) *Memory {
	return &Memory{
		pool:       pool,
		wallet:     wallet,
		spender:    spender,
		ObserveAt:  1_700_000_000,
		decimals:   make(map[common.Address]uint8),
		balances:   make(map[common.Address]map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// RegisterToken declares a token and its decimals.
func (m *Memory) RegisterToken(token common.Address, decimals uint8) {
	m.decimals[token] = decimals
}

// Mint credits owner with amount of token.
func (m *Memory) Mint(token, owner common.Address, amount *big.Int) {
	m.credit(token, owner, amount)
}

// Allowance reports the current allowance granted by the wallet.
func (m *Memory) Allowance(token, spender common.Address) *big.Int {
	if byToken, ok := m.allowances[token]; ok {
		if amount, ok := byToken[spender]; ok {
			return new(big.Int).Set(amount)
		}
	}
	return big.NewInt(0)
}

func (m *Memory) Wallet() common.Address  { return m.wallet }
func (m *Memory) Spender() common.Address { return m.spender }

// Observe synthesises cumulative ticks as Tick multiplied by elapsed time.
func (m *Memory) Observe(_ context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error) {
	if m.ObserveErr != nil {
		return nil, m.ObserveErr
	}
	if pool != m.pool {
		return nil, fmt.Errorf("unknown pool %s", pool.Hex())
	}
	out := make([]*big.Int, len(secondsAgos))
	for i, ago := range secondsAgos {
		at := m.ObserveAt - int64(ago)
		out[i] = new(big.Int).Mul(big.NewInt(m.Tick), big.NewInt(at))
	}
	return out, nil
}

// Slot0 reports the current tick; the sqrt price slot is left to the tick
// conversion on the consumer side.
func (m *Memory) Slot0(_ context.Context, pool common.Address) (int64, *big.Int, error) {
	if m.ObserveErr != nil {
		return 0, nil, m.ObserveErr
	}
	if pool != m.pool {
		return 0, nil, fmt.Errorf("unknown pool %s", pool.Hex())
	}
	return m.Tick, big.NewInt(0), nil
}

// FindPool returns the single configured pool for any pair ordering.
func (m *Memory) FindPool(_ context.Context, _, _ common.Address, _ uint32) (common.Address, error) {
	if m.pool == (common.Address{}) {
		return common.Address{}, ErrPoolNotFound
	}
	return m.pool, nil
}

// Swap consumes the wallet's allowance and balance and fills the order.
func (m *Memory) Swap(ctx context.Context, req SwapRequest) (*big.Int, error) {
	m.SwapCalls++

	amountOut := new(big.Int).Set(req.MinAmountOut)
	if m.SwapFn != nil {
		out, err := m.SwapFn(ctx, req)
		if err != nil {
			return nil, err
		}
		amountOut = out
	}

	allowance := m.Allowance(req.TokenIn, m.spender)
	if allowance.Cmp(req.AmountIn) < 0 {
		return nil, fmt.Errorf("%w: allowance %s below amount %s", ErrSwapRejected, allowance, req.AmountIn)
	}
	if err := m.debit(req.TokenIn, m.wallet, req.AmountIn); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapRejected, err)
	}
	m.setAllowance(req.TokenIn, m.spender, new(big.Int).Sub(allowance, req.AmountIn))
	m.credit(req.TokenOut, req.Recipient, amountOut)
	return amountOut, nil
}

func (m *Memory) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	if byToken, ok := m.balances[token]; ok {
		if amount, ok := byToken[owner]; ok {
			return new(big.Int).Set(amount), nil
		}
	}
	return big.NewInt(0), nil
}

func (m *Memory) Transfer(_ context.Context, token, to common.Address, amount *big.Int) error {
	if err := m.debit(token, m.wallet, amount); err != nil {
		return err
	}
	m.credit(token, to, amount)
	return nil
}

func (m *Memory) TransferFrom(_ context.Context, token, from, to common.Address, amount *big.Int) error {
	if err := m.debit(token, from, amount); err != nil {
		return err
	}
	m.credit(token, to, amount)
	return nil
}

func (m *Memory) Approve(_ context.Context, token, spender common.Address, amount *big.Int) error {
	m.setAllowance(token, spender, new(big.Int).Set(amount))
	if m.ApproveHook != nil {
		m.ApproveHook(token, spender, amount)
	}
	return nil
}

func (m *Memory) Decimals(_ context.Context, token common.Address) (uint8, error) {
	decimals, ok := m.decimals[token]
	if !ok {
		return 0, fmt.Errorf("unknown token %s", token.Hex())
	}
	return decimals, nil
}

// Tokens lists registered tokens in a stable order.
func (m *Memory) Tokens() []common.Address {
	tokens := make([]common.Address, 0, len(m.decimals))
	for token := range m.decimals {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		return tokens[i].Cmp(tokens[j]) < 0
	})
	return tokens
}

func (m *Memory) credit(token, owner common.Address, amount *big.Int) {
	byToken, ok := m.balances[token]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		m.balances[token] = byToken
	}
	current, ok := byToken[owner]
	if !ok {
		current = big.NewInt(0)
	}
	byToken[owner] = new(big.Int).Add(current, amount)
}

func (m *Memory) debit(token, owner common.Address, amount *big.Int) error {
	byToken := m.balances[token]
	current, ok := byToken[owner]
	if !ok || current.Cmp(amount) < 0 {
		return fmt.Errorf("insufficient balance of %s", token.Hex())
	}
	byToken[owner] = new(big.Int).Sub(current, amount)
	return nil
}

func (m *Memory) setAllowance(token, spender common.Address, amount *big.Int) {
	byToken, ok := m.allowances[token]
	if !ok {
		byToken = make(map[common.Address]*big.Int)
		m.allowances[token] = byToken
	}
	byToken[spender] = amount
}

var _ Venue = (*Memory)(nil)
