package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"grid-trader/internal/alerting"
	"grid-trader/internal/automation"
	"grid-trader/internal/config"
	"grid-trader/internal/engine"
	"grid-trader/internal/executor"
	"grid-trader/internal/scheduler"
	"grid-trader/internal/storage"
)

// Service orchestrates the upkeep loop: check, perform, persist, alert.
type Service struct {
	scheduler  *scheduler.Scheduler
	gateway    *automation.Gateway
	engine     *engine.Engine
	executions storage.ExecutionStore
	snapshots  storage.SnapshotStore
	notifier   alerting.Notifier
	logger     zerolog.Logger

	channels []string
	alertsOn bool
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// New constructs the trading service.
func New(cfg *config.Config, sched *scheduler.Scheduler, gw *automation.Gateway, eng *engine.Engine, executions storage.ExecutionStore, snapshots storage.SnapshotStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := executions.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:  sched,
		gateway:    gw,
		engine:     eng,
		executions: executions,
		snapshots:  snapshots,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		channels:   cfg.Alerting.Channels,
		alertsOn:   cfg.Alerting.Enabled,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned upkeep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket 执行单个时间桶的 upkeep 逻辑。
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	check, err := s.gateway.Check(ctx)
	if err != nil {
		return fmt.Errorf("check upkeep: %w", err)
	}
	if !check.UpkeepNeeded {
		s.logger.Debug().Time("bucket", bucket).Msg("no upkeep needed")
		return nil
	}

	records, performErr := s.gateway.Perform(ctx, check.LevelIndices)
	slippageAbort := errors.Is(performErr, executor.ErrSlippageExceeded)
	if performErr != nil && !slippageAbort {
		return fmt.Errorf("perform upkeep: %w", performErr)
	}

	if s.executions != nil {
		for _, rec := range records {
			if err := s.executions.InsertExecution(ctx, toExecutionRow(rec)); err != nil {
				s.logger.Error().Err(err).Str("execution_id", rec.ID.String()).Msg("failed to persist execution")
			}
		}
	}

	s.logger.Info().Time("bucket", bucket).
		Int("fills", len(records)).
		Bool("slippage_abort", slippageAbort).
		Msg("upkeep round recorded")

	if err := s.persistSnapshot(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to persist snapshot")
	}

	if s.alertsOn && s.notifier != nil && (len(records) > 0 || slippageAbort) {
		note := alerting.Notification{
			Bucket:        bucket,
			SlippageAbort: slippageAbort,
			Channels:      s.channels,
		}
		if len(records) > 0 {
			note.Price = decimal.NewFromBigInt(records[0].Price, -18)
		}
		for _, rec := range records {
			note.Fills = append(note.Fills, alerting.Fill{
				LevelIndex: rec.LevelIndex,
				Side:       rec.Side.String(),
				AmountIn:   decimal.NewFromBigInt(rec.AmountIn, 0),
				AmountOut:  decimal.NewFromBigInt(rec.AmountOut, 0),
			})
		}
		if err := s.notifier.Notify(ctx, note); err != nil {
			s.logger.Error().Err(err).Time("bucket", bucket).Msg("failed to dispatch alert")
		}
	}

	return nil
}

type levelSnapshot struct {
	Index        int       `json:"index"`
	Price        string    `json:"price"`
	Side         string    `json:"side"`
	Active       bool      `json:"active"`
	LastExecuted time.Time `json:"last_executed,omitempty"`
}

func (s *Service) persistSnapshot(ctx context.Context, bucket time.Time) error {
	if s.snapshots == nil {
		return nil
	}
	cfg, err := s.engine.Config()
	if err != nil {
		return err
	}

	levels := s.engine.Levels()
	snaps := make([]levelSnapshot, 0, len(levels))
	for i, level := range levels {
		snaps = append(snaps, levelSnapshot{
			Index:        i,
			Price:        level.Price.String(),
			Side:         level.Side.String(),
			Active:       level.Active,
			LastExecuted: level.LastExecuted,
		})
	}
	payload, err := json.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("marshal level snapshot: %w", err)
	}

	row := storage.SnapshotRow{
		TakenAt:        bucket,
		Pool:           s.engine.Pool().Hex(),
		LowerPrice:     decimal.NewFromBigInt(cfg.LowerPrice, -18),
		UpperPrice:     decimal.NewFromBigInt(cfg.UpperPrice, -18),
		LevelCount:     len(levels),
		ExecutionCount: int64(s.engine.ExecutionCount()),
		Levels:         payload,
	}
	return s.snapshots.UpsertSnapshot(ctx, row)
}

func toExecutionRow(rec executor.Record) storage.ExecutionRow {
	return storage.ExecutionRow{
		ID:         rec.ID,
		LevelIndex: rec.LevelIndex,
		Side:       rec.Side.String(),
		TokenIn:    rec.TokenIn.Hex(),
		TokenOut:   rec.TokenOut.Hex(),
		AmountIn:   decimal.NewFromBigInt(rec.AmountIn, 0),
		AmountOut:  decimal.NewFromBigInt(rec.AmountOut, 0),
		Price:      decimal.NewFromBigInt(rec.Price, -18),
		ExecutedAt: rec.ExecutedAt,
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
