package cli

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"otc-settlement/internal/settlement"
)

var (
	jobWallet  string
	jobNetwork string
	jobAmount  string
	jobTxHash  string
	jobMessage string
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Work the settlement job queue",
}

var jobsNextCmd = &cobra.Command{
	Use:   "next",
	Short: "Show the oldest queued job without claiming it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().NextJob(cmd.Context())
	},
}

var jobsStartCmd = &cobra.Command{
	Use:   "start <job-id>",
	Short: "Claim a queued job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("job", args[0])
		if err != nil {
			return err
		}
		return getApp().StartJob(cmd.Context(), id)
	},
}

var jobsCompleteCmd = &cobra.Command{
	Use:   "complete <job-id>",
	Short: "Mark a job succeeded and debit the destination wallet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("job", args[0])
		if err != nil {
			return err
		}
		if jobWallet == "" || jobNetwork == "" {
			return errors.New("--wallet and --network are required")
		}
		amount, err := parseDecimalFlag("amount", jobAmount)
		if err != nil {
			return err
		}
		in := settlement.CompleteJobInput{
			JobID:         id,
			WalletAddress: jobWallet,
			Network:       jobNetwork,
			Amount:        amount,
		}
		if jobTxHash != "" {
			hash := jobTxHash
			in.TxHash = &hash
		}
		return getApp().CompleteJob(cmd.Context(), in)
	},
}

var jobsFailCmd = &cobra.Command{
	Use:   "fail <job-id>",
	Short: "Record a failed settlement attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("job", args[0])
		if err != nil {
			return err
		}
		if strings.TrimSpace(jobMessage) == "" {
			return errors.New("--message is required")
		}
		return getApp().FailJob(cmd.Context(), id, jobMessage)
	},
}

func init() {
	jobsCompleteCmd.Flags().StringVar(&jobWallet, "wallet", "", "Destination wallet address")
	jobsCompleteCmd.Flags().StringVar(&jobNetwork, "network", "", "Wallet network, e.g. ethereum")
	jobsCompleteCmd.Flags().StringVar(&jobAmount, "amount", "", "Settled amount")
	jobsCompleteCmd.Flags().StringVar(&jobTxHash, "tx-hash", "", "Settlement transaction hash")
	jobsFailCmd.Flags().StringVar(&jobMessage, "message", "", "Failure description")

	jobsCmd.AddCommand(jobsNextCmd, jobsStartCmd, jobsCompleteCmd, jobsFailCmd)
}
