package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"otc-settlement/internal/featureflag"
)

var (
	flagDescription string
)

var flagsCmd = &cobra.Command{
	Use:   "flags",
	Short: "Read and toggle feature flags",
}

var flagsGetCmd = &cobra.Command{
	Use:   "get [key]",
	Short: "Print the effective value of a flag",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := featureflag.AutoSettlement
		if len(args) == 1 {
			key = args[0]
		}
		return getApp().GetFlag(cmd.Context(), key)
	},
}

var flagsSetCmd = &cobra.Command{
	Use:   "set <key> <true|false>",
	Short: "Persist a flag value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid flag value %q: %w", args[1], err)
		}
		return getApp().SetFlag(cmd.Context(), args[0], enabled, flagDescription)
	},
}

func init() {
	flagsSetCmd.Flags().StringVar(&flagDescription, "description", "", "Why the flag changed")
	flagsCmd.AddCommand(flagsGetCmd, flagsSetCmd)
}
