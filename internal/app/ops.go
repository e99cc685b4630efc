package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"otc-settlement/internal/domain"
	"otc-settlement/internal/dualcontrol"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/users"
)

// ListApprovals prints pending dual-control requests, oldest first.
func (a *App) ListApprovals(ctx context.Context) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		return a.printPending(ctx, c)
	})
}

// ResolveApproval approves or rejects a dual-control request.
func (a *App) ResolveApproval(ctx context.Context, in dualcontrol.ResolveInput) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		req, err := c.workflow.Resolve(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "request %s %s (%s %s/%s)\n", req.ID, req.Status, req.Action, req.EntityType, req.EntityID)
		return nil
	})
}

// CreateUser registers an operator account pending dual-control activation.
func (a *App) CreateUser(ctx context.Context, in users.CreateInput) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		user, req, err := c.users.Create(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "user %s (%s, %s) created with status %s\nactivation request: %s\n",
			user.ID, user.Email, user.Role, user.Status, req.ID)
		return nil
	})
}

// ApproveUser activates a pending user.
func (a *App) ApproveUser(ctx context.Context, in users.ApproveInput) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		user, err := c.users.Approve(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "user %s is now %s\n", user.ID, user.Status)
		return nil
	})
}

// RejectUser rejects a pending user.
func (a *App) RejectUser(ctx context.Context, in users.RejectInput) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		user, err := c.users.Reject(ctx, in)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "user %s is now %s\n", user.ID, user.Status)
		return nil
	})
}

// ListUsers prints users with status.
func (a *App) ListUsers(ctx context.Context, status string) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		list, err := c.users.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Fprintf(a.out, "no %s users\n", status)
			return nil
		}
		writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "User\tEmail\tName\tRole\tCreated (UTC)")
		for _, u := range list {
			fmt.Fprintf(writer, "%s\t%s\t%s %s\t%s\t%s\n",
				u.ID, u.Email, u.FirstName, u.LastName, u.Role, u.CreatedAt.UTC().Format(time.RFC3339))
		}
		return writer.Flush()
	})
}

// VerifyUser checks password against the stored hash for email.
func (a *App) VerifyUser(ctx context.Context, email, password string) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		ok, err := c.users.VerifyPassword(ctx, email, password)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Validation("invalid credentials for %s", email)
		}
		fmt.Fprintf(a.out, "credentials valid for %s\n", email)
		return nil
	})
}

// NextJob prints the oldest queued settlement job without claiming it.
func (a *App) NextJob(ctx context.Context) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		job, err := c.queue.NextQueuedJob(ctx)
		if err != nil {
			return err
		}
		if job == nil {
			fmt.Fprintln(a.out, "settlement queue is empty")
			return nil
		}
		notional, _ := job.Payload["notional"].(string)
		fmt.Fprintf(a.out, "job %s notional %s attempts %d queued since %s\n",
			job.ID, notional, job.Attempts, job.CreatedAt.UTC().Format(time.RFC3339))
		return nil
	})
}

// StartJob claims a queued job.
func (a *App) StartJob(ctx context.Context, id uuid.UUID) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		job, err := c.queue.StartJob(ctx, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "job %s %s (attempt %d)\n", job.ID, job.Status, job.Attempts)
		return nil
	})
}

// CompleteJob settles a claimed job against the destination wallet.
func (a *App) CompleteJob(ctx context.Context, in settlement.CompleteJobInput) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		if err := c.queue.CompleteJob(ctx, in); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "job %s succeeded: %s debited from %s on %s\n", in.JobID, in.Amount.String(), in.WalletAddress, in.Network)
		return nil
	})
}

// FailJob records a failure on a job.
func (a *App) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		if err := c.queue.FailJob(ctx, id, message); err != nil {
			return err
		}
		fmt.Fprintf(a.out, "job %s marked failed\n", id)
		return nil
	})
}

// GetFlag prints the effective value of key.
func (a *App) GetFlag(ctx context.Context, key string) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		enabled, err := c.flags.Enabled(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s: %s\n", key, onOff(enabled))
		return nil
	})
}

// SetFlag persists key.
func (a *App) SetFlag(ctx context.Context, key string, enabled bool, description string) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		flag, err := c.flags.Set(ctx, key, enabled, description)
		if err != nil {
			return err
		}
		effective, err := c.flags.Enabled(ctx, key)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "%s stored %s, effective %s\n", flag.Key, onOff(flag.IsEnabled), onOff(effective))
		return nil
	})
}

// ReconcileWallet compares a wallet balance with its movement log.
func (a *App) ReconcileWallet(ctx context.Context, walletID uuid.UUID) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		rec, err := c.ledger.Reconcile(ctx, walletID)
		if err != nil {
			return err
		}
		status := "consistent"
		if !rec.Consistent {
			status = "MISMATCH"
		}
		fmt.Fprintf(a.out, "wallet %s (%s on %s)\nbalance: %s\nmovements: %s\ndiscrepancy: %s\nstatus: %s\n",
			rec.Wallet.ID, rec.Wallet.Address, rec.Wallet.Network,
			rec.Wallet.Balance.String(), rec.MovementSum.String(), rec.Discrepancy.String(), status)
		return nil
	})
}
