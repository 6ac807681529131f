package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"grid-trader/internal/storage"
)

// Export renders execution history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	executions, err := store.ListExecutionsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(executions) == 0 {
		a.Logger.Info().Msg("no executions found for export window")
		return nil
	}

	downsampled := downsampleExecutions(executions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(executions)).Int("exported", len(downsampled)).Msg("exporting executions")

	if opts.CSVPath != "" {
		if err := writeExecutionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeExecutionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleExecutions(executions []storage.ExecutionRow, max int) []storage.ExecutionRow {
	if max <= 0 || len(executions) <= max {
		return executions
	}

	result := make([]storage.ExecutionRow, 0, max)
	step := float64(len(executions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(executions) {
			idx = len(executions) - 1
		}
		result = append(result, executions[idx])
	}
	return result
}

func writeExecutionsCSV(path string, executions []storage.ExecutionRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"executed_at", "level_index", "side", "token_in", "token_out", "amount_in", "amount_out", "price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range executions {
		record := []string{
			row.ExecutedAt.Format(time.RFC3339),
			strconv.Itoa(row.LevelIndex),
			row.Side,
			row.TokenIn,
			row.TokenOut,
			row.AmountIn.String(),
			row.AmountOut.String(),
			row.Price.String(),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeExecutionsPNG(path string, executions []storage.ExecutionRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	var buyX, sellX []time.Time
	var buyY, sellY []float64
	for _, row := range executions {
		price := row.Price.InexactFloat64()
		if row.Side == "buy" {
			buyX = append(buyX, row.ExecutedAt)
			buyY = append(buyY, price)
		} else {
			sellX = append(sellX, row.ExecutedAt)
			sellY = append(sellY, price)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Fill price (quote/base)",
			ValueFormatter: priceFormatter,
		},
	}
	if len(buyX) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Buys",
			XValues: buyX,
			YValues: buyY,
			Style:   chart.Style{DotWidth: 4, StrokeWidth: chart.Disabled},
		})
	}
	if len(sellX) > 0 {
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    "Sells",
			XValues: sellX,
			YValues: sellY,
			Style:   chart.Style{DotWidth: 4, StrokeWidth: chart.Disabled},
		})
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
