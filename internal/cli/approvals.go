package cli

import (
	"github.com/spf13/cobra"

	"otc-settlement/internal/dualcontrol"
)

var (
	approvalRequest   string
	approvalApprover  string
	approvalSecondary string
	approvalReason    string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Inspect and resolve dual-control requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending requests, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListApprovals(cmd.Context())
	},
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Approve a request with a second, distinct approver",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := resolveInput(true)
		if err != nil {
			return err
		}
		return getApp().ResolveApproval(cmd.Context(), in)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject a request",
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := resolveInput(false)
		if err != nil {
			return err
		}
		return getApp().ResolveApproval(cmd.Context(), in)
	},
}

func resolveInput(approve bool) (dualcontrol.ResolveInput, error) {
	requestID, err := parseID("request", approvalRequest)
	if err != nil {
		return dualcontrol.ResolveInput{}, err
	}
	approverID, err := parseID("approver", approvalApprover)
	if err != nil {
		return dualcontrol.ResolveInput{}, err
	}
	in := dualcontrol.ResolveInput{
		RequestID:  requestID,
		ApproverID: approverID,
		Approve:    approve,
	}
	if !approve {
		in.RejectionReason = approvalReason
		return in, nil
	}
	in.ApprovalReason = approvalReason
	if in.SecondaryApproverID, err = parseOptionalID("secondary", approvalSecondary); err != nil {
		return dualcontrol.ResolveInput{}, err
	}
	return in, nil
}

func init() {
	for _, cmd := range []*cobra.Command{approvalsApproveCmd, approvalsRejectCmd} {
		cmd.Flags().StringVar(&approvalRequest, "request", "", "Dual-control request id")
		cmd.Flags().StringVar(&approvalApprover, "approver", "", "Primary approver user id")
		cmd.Flags().StringVar(&approvalReason, "reason", "", "Approval or rejection reason")
	}
	approvalsApproveCmd.Flags().StringVar(&approvalSecondary, "secondary", "", "Secondary approver user id")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd)
}
