package cli

import (
	"github.com/spf13/cobra"

	"grid-trader/internal/app"
)

var (
	simulateStartTick int64
	simulateEndTick   int64
	simulateSteps     int
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a tick path against an in-memory venue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			StartTick: simulateStartTick,
			EndTick:   simulateEndTick,
			Steps:     simulateSteps,
		})
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateStartTick, "start-tick", 0, "Pool tick at the start of the path")
	simulateCmd.Flags().Int64Var(&simulateEndTick, "end-tick", 0, "Pool tick at the end of the path")
	simulateCmd.Flags().IntVar(&simulateSteps, "steps", 20, "Number of interpolation steps")
}
