package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"grid-trader/internal/alerting"
	"grid-trader/internal/automation"
	"grid-trader/internal/config"
	"grid-trader/internal/engine"
	"grid-trader/internal/grid"
	"grid-trader/internal/scheduler"
	"grid-trader/internal/service"
	"grid-trader/internal/storage"
	"grid-trader/internal/venue"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newVenue() (*venue.Ethereum, error) {
	eth := a.Config.Ethereum
	return venue.NewEthereum(venue.EthereumOptions{
		RPCURL:         eth.RPCURL,
		PrivateKey:     eth.PrivateKey,
		ChainID:        eth.ChainID,
		FactoryAddress: eth.FactoryAddress,
		RouterAddress:  eth.RouterAddress,
		RequestTimeout: eth.RequestTimeout,
		TxTimeout:      eth.TxTimeout,
	}, a.Logger)
}

func (a *App) newEngine(v venue.Venue) *engine.Engine {
	return engine.New(v, nil, engine.Options{
		Cooldown:     a.Config.Grid.Cooldown,
		TWAPInterval: a.Config.Grid.TWAPInterval,
		SwapDeadline: a.Config.Grid.SwapDeadline,
	}, a.Logger)
}

// buildGridConfig converts the human-readable grid section into fixed-point
// token amounts. Token decimals come from the venue.
func (a *App) buildGridConfig(ctx context.Context, bank venue.TokenBank) (grid.Config, error) {
	g := a.Config.Grid

	if !common.IsHexAddress(g.BaseToken) || !common.IsHexAddress(g.QuoteToken) {
		return grid.Config{}, errors.New("grid.base_token and grid.quote_token must be hex addresses")
	}
	base := common.HexToAddress(g.BaseToken)
	quote := common.HexToAddress(g.QuoteToken)

	baseDecimals, err := bank.Decimals(ctx, base)
	if err != nil {
		return grid.Config{}, fmt.Errorf("read base decimals: %w", err)
	}
	quoteDecimals, err := bank.Decimals(ctx, quote)
	if err != nil {
		return grid.Config{}, fmt.Errorf("read quote decimals: %w", err)
	}

	lower, err := scaleDecimal(g.LowerPrice, 18)
	if err != nil {
		return grid.Config{}, fmt.Errorf("grid.lower_price: %w", err)
	}
	upper, err := scaleDecimal(g.UpperPrice, 18)
	if err != nil {
		return grid.Config{}, fmt.Errorf("grid.upper_price: %w", err)
	}
	baseSize, err := scaleDecimal(g.BaseOrderSize, int32(baseDecimals))
	if err != nil {
		return grid.Config{}, fmt.Errorf("grid.base_order_size: %w", err)
	}
	quoteSize, err := scaleDecimal(g.QuoteOrderSize, int32(quoteDecimals))
	if err != nil {
		return grid.Config{}, fmt.Errorf("grid.quote_order_size: %w", err)
	}

	return grid.Config{
		BaseToken:      base,
		QuoteToken:     quote,
		LowerPrice:     lower,
		UpperPrice:     upper,
		LevelCount:     a.Config.Grid.LevelCount,
		BaseOrderSize:  baseSize,
		QuoteOrderSize: quoteSize,
		FeeTier:        g.FeeTier,
		SlippageBps:    g.SlippageBps,
	}, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running trading service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	v, err := a.newVenue()
	if err != nil {
		return err
	}

	eng := a.newEngine(v)
	gridCfg, err := a.buildGridConfig(ctx, v)
	if err != nil {
		return err
	}
	if err := eng.Configure(ctx, gridCfg); err != nil {
		return fmt.Errorf("configure grid: %w", err)
	}
	if err := eng.InitializeLevels(ctx); err != nil {
		return fmt.Errorf("initialize levels: %w", err)
	}
	a.Logger.Info().
		Int("levels", len(eng.Levels())).
		Str("pool", eng.Pool().Hex()).
		Msg("grid initialized")

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	gw := automation.New(eng, a.Logger)
	notifier := a.newNotifier()

	var executions storage.ExecutionStore
	var snapshots storage.SnapshotStore
	if store != nil {
		executions = store
		snapshots = store
	}

	svc := service.New(a.Config, sched, gw, eng, executions, snapshots, notifier, a.Logger)

	a.Logger.Info().Msg("starting trading service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("trading service stopped")
	return nil
}

func scaleDecimal(value string, exponent int32) (*big.Int, error) {
	if value == "" {
		return nil, errors.New("value is required")
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, err
	}
	scaled := d.Shift(exponent)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("value %s has more precision than %d decimals", value, exponent)
	}
	return scaled.BigInt(), nil
}

// ExportOptions hold parameters for exporting execution history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}

// PlanOptions configure the init preview.
type PlanOptions struct {
	ReferencePrice string
}

// SimulateOptions configure the offline simulation.
type SimulateOptions struct {
	StartTick int64
	EndTick   int64
	Steps     int
}
