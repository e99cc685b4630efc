package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"otc-settlement/internal/featureflag"
)

// Show prints the auto-settlement toggle, the head of the settlement queue and
// pending dual-control requests.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		enabled, err := c.flags.Enabled(ctx, featureflag.AutoSettlement)
		if err != nil {
			return err
		}
		queued, err := c.store.CountQueuedJobs(ctx)
		if err != nil {
			return err
		}
		flagged, err := c.store.CountFlaggedEvents(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "auto-settlement: %s\nqueued jobs: %d\nflagged events: %d\n\n", onOff(enabled), queued, flagged)

		jobs, err := c.queue.ListQueued(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(a.out, "no queued settlement jobs")
		} else {
			writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "Job\tSettlement\tNotional\tAttempts\tCreated (UTC)")
			for _, job := range jobs {
				settlementID := "-"
				if job.SettlementID != nil {
					settlementID = job.SettlementID.String()
				}
				notional, _ := job.Payload["notional"].(string)
				fmt.Fprintf(writer, "%s\t%s\t%s\t%d\t%s\n",
					job.ID, settlementID, notional, job.Attempts, job.CreatedAt.UTC().Format(time.RFC3339))
			}
			writer.Flush()
		}
		if !opts.Approvals {
			return nil
		}
		fmt.Fprintln(a.out)
		return a.printPending(ctx, c)
	})
}

func (a *App) printPending(ctx context.Context, c *components) error {
	pending, err := c.workflow.ListPending(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(a.out, "no pending dual-control requests")
		return nil
	}

	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Request\tEntity\tAction\tRequested By\tCreated (UTC)\tContext")
	for _, req := range pending {
		fmt.Fprintf(writer, "%s\t%s/%s\t%s\t%s\t%s\t%s\n",
			req.ID, req.EntityType, req.EntityID, req.Action, req.RequestedBy,
			req.CreatedAt.UTC().Format(time.RFC3339), sanitizeInline(formatContext(req.Context)))
	}
	return writer.Flush()
}

func formatContext(ctx map[string]any) string {
	if len(ctx) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ctx))
	for k, v := range ctx {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
