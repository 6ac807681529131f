package cli

import (
	"github.com/spf13/cobra"

	"grid-trader/internal/app"
)

var initReferencePrice string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Preview the level ladder for the configured grid",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Plan(cmd.Context(), app.PlanOptions{
			ReferencePrice: initReferencePrice,
		})
	},
}

func init() {
	initCmd.Flags().StringVar(&initReferencePrice, "price", "", "Reference price for side assignment (defaults to range midpoint)")
}
