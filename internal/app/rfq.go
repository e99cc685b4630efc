package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"otc-settlement/internal/rfq"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/storage"
)

// CreateRFQ opens a draft RFQ.
func (a *App) CreateRFQ(ctx context.Context, in rfq.CreateRFQInput) (storage.RFQ, error) {
	var created storage.RFQ
	err := a.withComponents(ctx, func(ctx context.Context, c *components) error {
		r, err := c.rfqs.CreateRFQ(ctx, in)
		if err != nil {
			return err
		}
		created = r
		fmt.Fprintf(a.out, "rfq %s: %s %s %s, expires %s\n",
			r.ID, r.Side, r.Notional.String(), r.Asset, r.ExpiresAt.UTC().Format(time.RFC3339))
		return nil
	})
	return created, err
}

// CreateQuote prices an open RFQ.
func (a *App) CreateQuote(ctx context.Context, in rfq.CreateQuoteInput) (storage.Quote, error) {
	var created storage.Quote
	err := a.withComponents(ctx, func(ctx context.Context, c *components) error {
		q, err := c.rfqs.CreateQuote(ctx, in)
		if err != nil {
			return err
		}
		created = q
		fmt.Fprintf(a.out, "quote %s for rfq %s: price %s spread %s bps, valid until %s\n",
			q.ID, q.RFQID, q.Price.String(), q.SpreadBps.String(), q.ValidUntil.UTC().Format(time.RFC3339))
		return nil
	})
	return created, err
}

// AcceptQuote accepts a quote and settles the resulting fill inline.
func (a *App) AcceptQuote(ctx context.Context, quoteID, actorID uuid.UUID) (rfq.AcceptResult, error) {
	var res rfq.AcceptResult
	err := a.withComponents(ctx, func(ctx context.Context, c *components) error {
		accepted, err := c.rfqs.AcceptQuote(ctx, quoteID, actorID)
		if err != nil {
			return err
		}
		res = accepted
		fmt.Fprintf(a.out, "quote %s accepted: fill %s amount %s, settlement %s\n",
			quoteID, accepted.Fill.ID, accepted.Fill.FillAmount.String(), accepted.Decision)
		if accepted.Decision == settlement.Flagged {
			fmt.Fprintln(a.out, "auto-settlement is off; the fill needs manual settlement")
		}
		return nil
	})
	return res, err
}

// CancelRFQ cancels an RFQ that has not been accepted.
func (a *App) CancelRFQ(ctx context.Context, id, actorID uuid.UUID) error {
	return a.withComponents(ctx, func(ctx context.Context, c *components) error {
		r, err := c.rfqs.CancelRFQ(ctx, id, actorID)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "rfq %s is now %s\n", r.ID, r.Status)
		return nil
	})
}
