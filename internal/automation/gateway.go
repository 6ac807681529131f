package automation

import (
	"context"

	"github.com/rs/zerolog"

	"grid-trader/internal/engine"
	"grid-trader/internal/executor"
)

// CheckResult is the read-only verdict handed to the external scheduler.
type CheckResult struct {
	UpkeepNeeded bool
	LevelIndices []int
}

// Gateway is the pull-style two-phase interface an external, unprivileged
// scheduler drives: Check proposes work, Perform re-verifies and executes it.
// The scheduler is untrusted; nothing it hands back is taken at face value.
type Gateway struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// New wraps an engine in the automation interface.
func New(e *engine.Engine, logger zerolog.Logger) *Gateway {
	return &Gateway{
		engine: e,
		logger: logger.With().Str("component", "automation").Logger(),
	}
}

// Check reports whether any level is eligible and funded. "Not needed" covers
// paused, unconfigured, uninitialized, and price-unavailable states as well
// as an empty scan.
func (g *Gateway) Check(ctx context.Context) (CheckResult, error) {
	indices, err := g.engine.CheckUpkeep(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	if len(indices) == 0 {
		return CheckResult{}, nil
	}
	g.logger.Debug().Ints("levels", indices).Msg("upkeep needed")
	return CheckResult{UpkeepNeeded: true, LevelIndices: indices}, nil
}

// Perform executes a candidate list from a previous Check. The list may be
// stale: prices, cooldowns, and level sides are all re-evaluated against
// current state, and out-of-range indices are skipped without failing the
// call.
func (g *Gateway) Perform(ctx context.Context, indices []int) ([]executor.Record, error) {
	records, err := g.engine.PerformUpkeep(ctx, indices)
	if err != nil {
		return records, err
	}
	if len(records) > 0 {
		g.logger.Info().Int("executed", len(records)).Msg("upkeep performed")
	}
	return records, nil
}
