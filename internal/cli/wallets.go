package cli

import (
	"github.com/spf13/cobra"
)

var walletsCmd = &cobra.Command{
	Use:   "wallets",
	Short: "Wallet ledger tools",
}

var walletsReconcileCmd = &cobra.Command{
	Use:   "reconcile <wallet-id>",
	Short: "Compare a wallet balance with its movement log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("wallet", args[0])
		if err != nil {
			return err
		}
		return getApp().ReconcileWallet(cmd.Context(), id)
	},
}

func init() {
	walletsCmd.AddCommand(walletsReconcileCmd)
}
