package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertExecutionSQL = `INSERT INTO execution_records (
        id,
        level_index,
        side,
        token_in,
        token_out,
        amount_in,
        amount_out,
        price,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (id) DO NOTHING;`

	listExecutionsBetweenSQL = `SELECT
        id,
        level_index,
        side,
        token_in,
        token_out,
        amount_in,
        amount_out,
        price,
        executed_at,
        created_at
    FROM execution_records
    WHERE executed_at >= $1
      AND executed_at < $2
    ORDER BY executed_at;`

	listRecentExecutionsSQL = `SELECT
        id,
        level_index,
        side,
        token_in,
        token_out,
        amount_in,
        amount_out,
        price,
        executed_at,
        created_at
    FROM execution_records
    ORDER BY executed_at DESC
    LIMIT $1;`

	countExecutionsSQL = `SELECT COUNT(*) FROM execution_records;`

	upsertSnapshotSQL = `INSERT INTO grid_snapshots (
        taken_at,
        pool,
        lower_price,
        upper_price,
        level_count,
        execution_count,
        levels
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (taken_at) DO UPDATE
    SET
        pool            = EXCLUDED.pool,
        lower_price     = EXCLUDED.lower_price,
        upper_price     = EXCLUDED.upper_price,
        level_count     = EXCLUDED.level_count,
        execution_count = EXCLUDED.execution_count,
        levels          = EXCLUDED.levels;`

	latestSnapshotSQL = `SELECT
        taken_at,
        pool,
        lower_price,
        upper_price,
        level_count,
        execution_count,
        levels,
        created_at
    FROM grid_snapshots
    ORDER BY taken_at DESC
    LIMIT 1;`

	deleteSnapshotsBeforeSQL = `DELETE FROM grid_snapshots WHERE taken_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExecutionStore defines operations for fill persistence.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, row ExecutionRow) error
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRow, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRow, error)
	CountExecutions(ctx context.Context) (int64, error)
}

// SnapshotStore defines operations for grid state snapshots.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, row SnapshotRow) error
	LatestSnapshot(ctx context.Context) (SnapshotRow, error)
	DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to execution records and grid snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertExecution persists a fill. Re-inserting the same ID is a no-op so a
// crashed pass can be replayed safely.
func (s *Store) InsertExecution(ctx context.Context, row ExecutionRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertExecutionSQL,
		row.ID,
		row.LevelIndex,
		row.Side,
		row.TokenIn,
		row.TokenOut,
		row.AmountIn.String(),
		row.AmountOut.String(),
		row.Price.String(),
		row.ExecutedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert execution: %w", execErr)
	}
	return nil
}

// ListExecutionsBetween lists fills within a time window.
func (s *Store) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExecutionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions between: %w", queryErr)
	}
	defer rows.Close()

	executions := make([]ExecutionRow, 0)
	for rows.Next() {
		row, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		executions = append(executions, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return executions, nil
}

// ListRecentExecutions lists the most recent fills ordered by descending time.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentExecutionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent executions: %w", queryErr)
	}
	defer rows.Close()

	executions := make([]ExecutionRow, 0, limit)
	for rows.Next() {
		row, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		executions = append(executions, row)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return executions, nil
}

// CountExecutions counts stored fills.
func (s *Store) CountExecutions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countExecutionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count executions: %w", scanErr)
	}
	return count, nil
}

// UpsertSnapshot persists or updates a grid snapshot.
func (s *Store) UpsertSnapshot(ctx context.Context, row SnapshotRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, upsertSnapshotSQL,
		row.TakenAt,
		row.Pool,
		row.LowerPrice.String(),
		row.UpperPrice.String(),
		row.LevelCount,
		row.ExecutionCount,
		[]byte(row.Levels),
	)
	if execErr != nil {
		return fmt.Errorf("upsert snapshot: %w", execErr)
	}
	return nil
}

// LatestSnapshot returns the most recent grid snapshot.
func (s *Store) LatestSnapshot(ctx context.Context) (SnapshotRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return SnapshotRow{}, err
	}

	var (
		row      SnapshotRow
		lowerStr string
		upperStr string
		levels   json.RawMessage
	)
	scanErr := pool.QueryRow(ctx, latestSnapshotSQL).Scan(
		&row.TakenAt,
		&row.Pool,
		&lowerStr,
		&upperStr,
		&row.LevelCount,
		&row.ExecutionCount,
		&levels,
		&row.CreatedAt,
	)
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return SnapshotRow{}, scanErr
		}
		return SnapshotRow{}, fmt.Errorf("latest snapshot: %w", scanErr)
	}

	row.Levels = levels
	if row.LowerPrice, err = decimal.NewFromString(lowerStr); err != nil {
		return SnapshotRow{}, fmt.Errorf("parse lower price: %w", err)
	}
	if row.UpperPrice, err = decimal.NewFromString(upperStr); err != nil {
		return SnapshotRow{}, fmt.Errorf("parse upper price: %w", err)
	}
	return row, nil
}

// DeleteSnapshotsBefore deletes historical snapshots.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteSnapshotsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete snapshots before: %w", execErr)
	}
	return nil
}

func scanExecution(rows pgx.Rows) (ExecutionRow, error) {
	var (
		row          ExecutionRow
		amountInStr  string
		amountOutStr string
		priceStr     string
	)

	if err := rows.Scan(
		&row.ID,
		&row.LevelIndex,
		&row.Side,
		&row.TokenIn,
		&row.TokenOut,
		&amountInStr,
		&amountOutStr,
		&priceStr,
		&row.ExecutedAt,
		&row.CreatedAt,
	); err != nil {
		return ExecutionRow{}, err
	}

	var err error
	if row.AmountIn, err = decimal.NewFromString(amountInStr); err != nil {
		return ExecutionRow{}, fmt.Errorf("parse amount in: %w", err)
	}
	if row.AmountOut, err = decimal.NewFromString(amountOutStr); err != nil {
		return ExecutionRow{}, fmt.Errorf("parse amount out: %w", err)
	}
	if row.Price, err = decimal.NewFromString(priceStr); err != nil {
		return ExecutionRow{}, fmt.Errorf("parse price: %w", err)
	}
	return row, nil
}
