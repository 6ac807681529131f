package venue

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const (
	factoryABIJSON = `[{"inputs":[{"internalType":"address","name":"tokenA","type":"address"},{"internalType":"address","name":"tokenB","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"}],"name":"getPool","outputs":[{"internalType":"address","name":"","type":"address"}],"stateMutability":"view","type":"function"}]`

	poolABIJSON = `[{"inputs":[{"internalType":"uint32[]","name":"secondsAgos","type":"uint32[]"}],"name":"observe","outputs":[{"internalType":"int56[]","name":"tickCumulatives","type":"int56[]"},{"internalType":"uint160[]","name":"secondsPerLiquidityCumulativeX128s","type":"uint160[]"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"slot0","outputs":[{"internalType":"uint160","name":"sqrtPriceX96","type":"uint160"},{"internalType":"int24","name":"tick","type":"int24"},{"internalType":"uint16","name":"observationIndex","type":"uint16"},{"internalType":"uint16","name":"observationCardinality","type":"uint16"},{"internalType":"uint16","name":"observationCardinalityNext","type":"uint16"},{"internalType":"uint8","name":"feeProtocol","type":"uint8"},{"internalType":"bool","name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}]`

	routerABIJSON = `[{"inputs":[{"components":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"uint24","name":"fee","type":"uint24"},{"internalType":"address","name":"recipient","type":"address"},{"internalType":"uint256","name":"deadline","type":"uint256"},{"internalType":"uint256","name":"amountIn","type":"uint256"},{"internalType":"uint256","name":"amountOutMinimum","type":"uint256"},{"internalType":"uint160","name":"sqrtPriceLimitX96","type":"uint160"}],"internalType":"struct ISwapRouter.ExactInputSingleParams","name":"params","type":"tuple"}],"name":"exactInputSingle","outputs":[{"internalType":"uint256","name":"amountOut","type":"uint256"}],"stateMutability":"payable","type":"function"}]`

	erc20ABIJSON = `[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"inputs":[{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"address","name":"from","type":"address"},{"internalType":"address","name":"to","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"address","name":"spender","type":"address"},{"internalType":"uint256","name":"amount","type":"uint256"}],"name":"approve","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}]`
)

var (
	factoryABI abi.ABI
	poolABI    abi.ABI
	routerABI  abi.ABI
	erc20ABI   abi.ABI
)

func init() {
	for _, entry := range []struct {
		name string
		json string
		dst  *abi.ABI
	}{
		{"factory", factoryABIJSON, &factoryABI},
		{"pool", poolABIJSON, &poolABI},
		{"router", routerABIJSON, &routerABI},
		{"erc20", erc20ABIJSON, &erc20ABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(entry.json))
		if err != nil {
			panic("failed to parse " + entry.name + " ABI: " + err.Error())
		}
		*entry.dst = parsed
	}
}

// EthereumOptions parameterise the on-chain venue adapter.
type EthereumOptions struct {
	RPCURL         string
	PrivateKey     string
	ChainID        int64
	FactoryAddress string
	RouterAddress  string
	RequestTimeout time.Duration
	TxTimeout      time.Duration
}

// Ethereum talks to Uniswap v3 style contracts through an Ethereum RPC node.
type Ethereum struct {
	opts    EthereumOptions
	logger  zerolog.Logger
	key     *ecdsa.PrivateKey
	wallet  common.Address
	factory common.Address
	router  common.Address
	chainID *big.Int

	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux   sync.Mutex
	decimalsCache map[common.Address]uint8
}

// NewEthereum builds an on-chain venue adapter.
func NewEthereum(opts EthereumOptions, logger zerolog.Logger) (*Ethereum, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if opts.FactoryAddress == "" || opts.RouterAddress == "" {
		return nil, errors.New("factory and router addresses required")
	}
	if opts.ChainID <= 0 {
		return nil, errors.New("chain id must be positive")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	return &Ethereum{
		opts:          opts,
		logger:        logger.With().Str("component", "venue_ethereum").Logger(),
		key:           key,
		wallet:        crypto.PubkeyToAddress(key.PublicKey),
		factory:       common.HexToAddress(opts.FactoryAddress),
		router:        common.HexToAddress(opts.RouterAddress),
		chainID:       big.NewInt(opts.ChainID),
		decimalsCache: make(map[common.Address]uint8),
	}, nil
}

// Wallet returns the trading wallet derived from the configured key.
func (e *Ethereum) Wallet() common.Address { return e.wallet }

// Spender returns the router address that swaps pull input tokens through.
func (e *Ethereum) Spender() common.Address { return e.router }

// Observe fetches cumulative tick samples from the pool's oracle log.
func (e *Ethereum) Observe(ctx context.Context, pool common.Address, secondsAgos []uint32) ([]*big.Int, error) {
	outputs, err := e.call(ctx, pool, poolABI, "observe", secondsAgos)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 2 {
		return nil, errors.New("unexpected observe response")
	}
	cumulatives, ok := outputs[0].([]*big.Int)
	if !ok {
		return nil, errors.New("failed to decode tick cumulatives")
	}
	if len(cumulatives) != len(secondsAgos) {
		return nil, fmt.Errorf("observe returned %d samples, want %d", len(cumulatives), len(secondsAgos))
	}
	return cumulatives, nil
}

// Slot0 fetches the pool's instantaneous tick state.
func (e *Ethereum) Slot0(ctx context.Context, pool common.Address) (int64, *big.Int, error) {
	outputs, err := e.call(ctx, pool, poolABI, "slot0")
	if err != nil {
		return 0, nil, err
	}
	if len(outputs) < 2 {
		return 0, nil, errors.New("unexpected slot0 response")
	}
	sqrtPrice, ok := outputs[0].(*big.Int)
	if !ok {
		return 0, nil, errors.New("failed to decode sqrtPriceX96")
	}
	tick, ok := outputs[1].(*big.Int)
	if !ok {
		return 0, nil, errors.New("failed to decode tick")
	}
	return tick.Int64(), sqrtPrice, nil
}

// FindPool resolves the pool address for a pair and fee tier. A zero address
// from the factory means no such pool exists and fails closed.
func (e *Ethereum) FindPool(ctx context.Context, tokenA, tokenB common.Address, fee uint32) (common.Address, error) {
	outputs, err := e.call(ctx, e.factory, factoryABI, "getPool", tokenA, tokenB, big.NewInt(int64(fee)))
	if err != nil {
		return common.Address{}, err
	}
	if len(outputs) != 1 {
		return common.Address{}, errors.New("unexpected getPool response")
	}
	pool, ok := outputs[0].(common.Address)
	if !ok {
		return common.Address{}, errors.New("failed to decode pool address")
	}
	if pool == (common.Address{}) {
		return common.Address{}, ErrPoolNotFound
	}
	return pool, nil
}

type exactInputSingleParams struct {
	TokenIn           common.Address
	TokenOut          common.Address
	Fee               *big.Int
	Recipient         common.Address
	Deadline          *big.Int
	AmountIn          *big.Int
	AmountOutMinimum  *big.Int
	SqrtPriceLimitX96 *big.Int
}

// Swap executes an exact-input swap through the router. The returned amount
// comes from a pre-trade simulation of the same calldata; the router itself
// reverts the transaction below AmountOutMinimum.
func (e *Ethereum) Swap(ctx context.Context, req SwapRequest) (*big.Int, error) {
	params := exactInputSingleParams{
		TokenIn:           req.TokenIn,
		TokenOut:          req.TokenOut,
		Fee:               big.NewInt(int64(req.Fee)),
		Recipient:         req.Recipient,
		Deadline:          big.NewInt(req.Deadline.Unix()),
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  req.MinAmountOut,
		SqrtPriceLimitX96: big.NewInt(0),
	}

	data, err := routerABI.Pack("exactInputSingle", params)
	if err != nil {
		return nil, fmt.Errorf("pack swap calldata: %w", err)
	}

	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	simCtx, cancel := e.withTimeout(ctx, e.opts.RequestTimeout)
	res, err := client.CallContract(simCtx, ethereum.CallMsg{From: e.wallet, To: &e.router, Data: data}, nil)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapRejected, err)
	}

	outputs, err := routerABI.Unpack("exactInputSingle", res)
	if err != nil || len(outputs) != 1 {
		return nil, fmt.Errorf("%w: undecodable simulation result", ErrSwapRejected)
	}
	amountOut, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: undecodable simulation result", ErrSwapRejected)
	}

	if err := e.sendAndWait(ctx, e.router, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapRejected, err)
	}

	e.logger.Info().
		Str("token_in", req.TokenIn.Hex()).
		Str("token_out", req.TokenOut.Hex()).
		Str("amount_in", req.AmountIn.String()).
		Str("amount_out", amountOut.String()).
		Msg("swap mined")
	return amountOut, nil
}

// BalanceOf reads an ERC-20 balance.
func (e *Ethereum) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	outputs, err := e.call(ctx, token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode balance")
	}
	return balance, nil
}

// Decimals reads and caches an ERC-20 decimals value.
func (e *Ethereum) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	e.decimalsMux.Lock()
	if cached, ok := e.decimalsCache[token]; ok {
		e.decimalsMux.Unlock()
		return cached, nil
	}
	e.decimalsMux.Unlock()

	outputs, err := e.call(ctx, token, erc20ABI, "decimals")
	if err != nil {
		return 0, err
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals")
	}

	e.decimalsMux.Lock()
	e.decimalsCache[token] = decimals
	e.decimalsMux.Unlock()
	return decimals, nil
}

// Transfer moves tokens out of the trading wallet.
func (e *Ethereum) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("pack transfer: %w", err)
	}
	return e.sendAndWait(ctx, token, data)
}

// TransferFrom pulls tokens into the trading wallet from a prior approval.
func (e *Ethereum) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("transferFrom", from, to, amount)
	if err != nil {
		return fmt.Errorf("pack transferFrom: %w", err)
	}
	return e.sendAndWait(ctx, token, data)
}

// Approve sets the allowance granted to spender.
func (e *Ethereum) Approve(ctx context.Context, token, spender common.Address, amount *big.Int) error {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return fmt.Errorf("pack approve: %w", err)
	}
	return e.sendAndWait(ctx, token, data)
}

func (e *Ethereum) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.withTimeout(ctx, e.opts.RequestTimeout)
	defer cancel()

	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := contract.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("empty %s response", method)
	}
	return outputs, nil
}

func (e *Ethereum) sendAndWait(ctx context.Context, to common.Address, data []byte) error {
	client, err := e.getClient(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := e.withTimeout(ctx, e.opts.TxTimeout)
	defer cancel()

	nonce, err := client.PendingNonceAt(ctx, e.wallet)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}

	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return fmt.Errorf("suggest tip: %w", err)
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: e.wallet, To: &to, Data: data})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas + gas/5,
		To:        &to,
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send transaction: %w", err)
	}

	receipt, err := bind.WaitMined(ctx, client, signed)
	if err != nil {
		return fmt.Errorf("wait mined: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", signed.Hash().Hex())
	}
	return nil
}

func (e *Ethereum) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Ethereum) getClient(ctx context.Context) (*ethclient.Client, error) {
	e.clientMux.Lock()
	defer e.clientMux.Unlock()

	if e.client != nil {
		return e.client, nil
	}

	client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	e.client = client
	return client, nil
}

var _ Venue = (*Ethereum)(nil)
