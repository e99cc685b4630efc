package cli

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"otc-settlement/internal/storage"
	"otc-settlement/internal/users"
)

// passwordEnv is read when --password is omitted so secrets stay out of shell history.
const passwordEnv = "OTCSETTLE_USER_PASSWORD"

var (
	userEmail     string
	userFirstName string
	userLastName  string
	userPassword  string
	userRole      string
	userCreatedBy string

	userID        string
	userRequest   string
	userApprover  string
	userSecondary string
	userReason    string
	userStatus    string
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage operator accounts",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user pending dual-control activation",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordFromFlagOrEnv()
		if err != nil {
			return err
		}
		createdBy, err := parseOptionalID("created-by", userCreatedBy)
		if err != nil {
			return err
		}
		return getApp().CreateUser(cmd.Context(), users.CreateInput{
			Email:     userEmail,
			FirstName: userFirstName,
			LastName:  userLastName,
			Password:  password,
			Role:      userRole,
			CreatedBy: createdBy,
		})
	},
}

var usersApproveCmd = &cobra.Command{
	Use:   "approve",
	Short: "Activate a pending user",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("user", userID)
		if err != nil {
			return err
		}
		requestID, err := parseID("request", userRequest)
		if err != nil {
			return err
		}
		approverID, err := parseID("approver", userApprover)
		if err != nil {
			return err
		}
		secondaryID, err := parseID("secondary", userSecondary)
		if err != nil {
			return err
		}
		return getApp().ApproveUser(cmd.Context(), users.ApproveInput{
			UserID:              id,
			ApproverID:          approverID,
			SecondaryApproverID: secondaryID,
			RequestID:           requestID,
			Reason:              userReason,
		})
	},
}

var usersRejectCmd = &cobra.Command{
	Use:   "reject",
	Short: "Reject a pending user",
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID("user", userID)
		if err != nil {
			return err
		}
		requestID, err := parseID("request", userRequest)
		if err != nil {
			return err
		}
		approverID, err := parseID("approver", userApprover)
		if err != nil {
			return err
		}
		return getApp().RejectUser(cmd.Context(), users.RejectInput{
			UserID:     id,
			ApproverID: approverID,
			RequestID:  requestID,
			Reason:     userReason,
		})
	},
}

var usersVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a user's password",
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := passwordFromFlagOrEnv()
		if err != nil {
			return err
		}
		return getApp().VerifyUser(cmd.Context(), userEmail, password)
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListUsers(cmd.Context(), userStatus)
	},
}

func passwordFromFlagOrEnv() (string, error) {
	password := userPassword
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if password == "" {
		return "", errors.New("--password or " + passwordEnv + " is required")
	}
	return password, nil
}

func init() {
	usersCreateCmd.Flags().StringVar(&userEmail, "email", "", "Login email")
	usersCreateCmd.Flags().StringVar(&userFirstName, "first-name", "", "First name")
	usersCreateCmd.Flags().StringVar(&userLastName, "last-name", "", "Last name")
	usersCreateCmd.Flags().StringVar(&userPassword, "password", "", "Initial password (or set "+passwordEnv+")")
	usersCreateCmd.Flags().StringVar(&userRole, "role", storage.UserRoleViewer, "admin, ops or viewer")
	usersCreateCmd.Flags().StringVar(&userCreatedBy, "created-by", "", "Id of the requesting operator")

	for _, cmd := range []*cobra.Command{usersApproveCmd, usersRejectCmd} {
		cmd.Flags().StringVar(&userID, "user", "", "User id")
		cmd.Flags().StringVar(&userRequest, "request", "", "Activation request id")
		cmd.Flags().StringVar(&userApprover, "approver", "", "Primary approver user id")
		cmd.Flags().StringVar(&userReason, "reason", "", "Decision reason")
	}
	usersApproveCmd.Flags().StringVar(&userSecondary, "secondary", "", "Secondary approver user id")

	usersVerifyCmd.Flags().StringVar(&userEmail, "email", "", "Login email")
	usersVerifyCmd.Flags().StringVar(&userPassword, "password", "", "Password to check (or set "+passwordEnv+")")

	usersListCmd.Flags().StringVar(&userStatus, "status", storage.UserStatusPending, "pending, approved, rejected or disabled")

	usersCmd.AddCommand(usersCreateCmd, usersApproveCmd, usersRejectCmd, usersListCmd, usersVerifyCmd)
}
