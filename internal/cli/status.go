package cli

import (
	"github.com/spf13/cobra"

	"grid-trader/internal/app"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest grid snapshot and recent executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Status(cmd.Context(), app.StatusOptions{Limit: statusLimit})
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of recent executions to display")
}
