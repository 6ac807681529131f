package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ExecutionRow is a persisted grid order fill.
type ExecutionRow struct {
	ID         uuid.UUID
	LevelIndex int
	Side       string
	TokenIn    string
	TokenOut   string
	AmountIn   decimal.Decimal
	AmountOut  decimal.Decimal
	Price      decimal.Decimal
	ExecutedAt time.Time
	CreatedAt  time.Time
}

// SnapshotRow captures the full grid state after an upkeep pass, for
// auditing and the status/export commands.
type SnapshotRow struct {
	TakenAt        time.Time
	Pool           string
	LowerPrice     decimal.Decimal
	UpperPrice     decimal.Decimal
	LevelCount     int
	ExecutionCount int64
	Levels         json.RawMessage
	CreatedAt      time.Time
}
