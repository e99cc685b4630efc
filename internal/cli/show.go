package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"otc-settlement/internal/app"
)

var (
	showLimit     int
	showApprovals bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display auto-settlement state, queued jobs and pending approvals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Limit:     showLimit,
			Approvals: showApprovals,
		})
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of queued jobs to display")
	showCmd.Flags().BoolVar(&showApprovals, "approvals", true, "Include pending dual-control requests")
}
