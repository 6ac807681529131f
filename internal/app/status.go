package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5"
)

// Status prints the latest grid snapshot and recent executions.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show status")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snapshot, err := store.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		fmt.Fprintln(os.Stdout, "no snapshot recorded yet")
	case err != nil:
		return err
	default:
		fmt.Fprintf(os.Stdout, "pool: %s\n", snapshot.Pool)
		fmt.Fprintf(os.Stdout, "range: [%s, %s] quote/base, %d levels\n",
			snapshot.LowerPrice.StringFixed(6), snapshot.UpperPrice.StringFixed(6), snapshot.LevelCount)
		fmt.Fprintf(os.Stdout, "lifetime executions: %d (as of %s)\n\n",
			snapshot.ExecutionCount, snapshot.TakenAt.UTC().Format(time.RFC3339))

		if err := printLevelTable(snapshot.Levels); err != nil {
			return err
		}
	}

	executions, err := store.ListRecentExecutions(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		fmt.Fprintln(os.Stdout, "no executions found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tLevel\tSide\tIn\tOut\tPrice")
	for _, row := range executions {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\t%s\t%s\n",
			row.ExecutedAt.UTC().Format(time.RFC3339),
			row.LevelIndex,
			row.Side,
			row.AmountIn.String(),
			row.AmountOut.String(),
			row.Price.StringFixed(6),
		)
	}
	writer.Flush()
	return nil
}

func printLevelTable(payload json.RawMessage) error {
	var levels []struct {
		Index        int       `json:"index"`
		Price        string    `json:"price"`
		Side         string    `json:"side"`
		Active       bool      `json:"active"`
		LastExecuted time.Time `json:"last_executed"`
	}
	if err := json.Unmarshal(payload, &levels); err != nil {
		return fmt.Errorf("decode snapshot levels: %w", err)
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Level\tPrice (1e18)\tSide\tActive\tLast Executed")
	for _, level := range levels {
		last := ""
		if !level.LastExecuted.IsZero() {
			last = level.LastExecuted.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%t\t%s\n",
			level.Index, level.Price, level.Side, level.Active, last)
	}
	writer.Flush()
	fmt.Fprintln(os.Stdout)
	return nil
}
