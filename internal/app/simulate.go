package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/rfq"
	"otc-settlement/internal/settlement"
	"otc-settlement/internal/storage"
	"otc-settlement/internal/storage/memstore"
)

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	// Notify sends alerts raised during the run through the configured channels.
	Notify bool
}

// SimulationStep is one accepted quote and the decision it produced.
type SimulationStep struct {
	Side           string
	Notional       decimal.Decimal
	AutoSettlement bool
	FillID         uuid.UUID
	Decision       settlement.Decision
}

// SimulationReport summarises a simulation run.
type SimulationReport struct {
	Steps         []SimulationStep
	QueuedJobs    int64
	FlaggedEvents int64
	AlertEvents   int
}

type simulationTrade struct {
	side           string
	notional       int64
	autoSettlement bool
}

var simulationTrades = []simulationTrade{
	{side: storage.SideSell, notional: 500, autoSettlement: false},
	{side: storage.SideBuy, notional: 1000, autoSettlement: true},
}

// Simulate 在内存存储上跑一遍报价成交流程：先关闭自动结算成交一笔，再开启后成交一笔。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) (SimulationReport, error) {
	var notifiers []alerting.Notifier
	if opts.Notify {
		var release func()
		notifiers, release = a.newNotifiers(ctx)
		defer release()
		if len(notifiers) == 0 {
			a.Logger.Warn().Msg("未配置任何告警通道，模拟告警只会写入内存")
		}
	}

	store := memstore.New(memstore.WithClock(a.now))
	c := a.build(store, buildOptions{notifiers: notifiers, forceSync: true})
	defer c.close()

	started := a.now()
	trader := uuid.New()
	var report SimulationReport

	for _, trade := range simulationTrades {
		if _, err := c.flags.Set(ctx, featureflag.AutoSettlement, trade.autoSettlement, "simulation"); err != nil {
			return report, err
		}
		enabled, err := c.flags.Enabled(ctx, featureflag.AutoSettlement)
		if err != nil {
			return report, err
		}

		step, err := a.simulateTrade(ctx, c.rfqs, trader, trade)
		if err != nil {
			return report, err
		}
		step.AutoSettlement = enabled
		report.Steps = append(report.Steps, step)
	}

	var err error
	if report.QueuedJobs, err = store.CountQueuedJobs(ctx); err != nil {
		return report, err
	}
	if report.FlaggedEvents, err = store.CountFlaggedEvents(ctx); err != nil {
		return report, err
	}
	events, err := store.ListAlertEventsBetween(ctx, started, a.now().Add(time.Second))
	if err != nil {
		return report, err
	}
	report.AlertEvents = len(events)

	a.printSimulation(report)
	return report, nil
}

func (a *App) simulateTrade(ctx context.Context, svc *rfq.Service, trader uuid.UUID, trade simulationTrade) (SimulationStep, error) {
	now := a.now()
	notional := decimal.NewFromInt(trade.notional)

	r, err := svc.CreateRFQ(ctx, rfq.CreateRFQInput{
		UserID:    trader,
		Asset:     "USDT",
		Notional:  notional,
		Side:      trade.side,
		ExpiresAt: now.Add(10 * time.Minute),
	})
	if err != nil {
		return SimulationStep{}, fmt.Errorf("create rfq: %w", err)
	}
	q, err := svc.CreateQuote(ctx, rfq.CreateQuoteInput{
		RFQID:      r.ID,
		Price:      decimal.RequireFromString("1.0002"),
		SpreadBps:  decimal.NewFromInt(2),
		ValidUntil: now.Add(5 * time.Minute),
	})
	if err != nil {
		return SimulationStep{}, fmt.Errorf("create quote: %w", err)
	}
	res, err := svc.AcceptQuote(ctx, q.ID, trader)
	if err != nil {
		return SimulationStep{}, fmt.Errorf("accept quote: %w", err)
	}

	return SimulationStep{
		Side:     trade.side,
		Notional: notional,
		FillID:   res.Fill.ID,
		Decision: res.Decision,
	}, nil
}

func (a *App) printSimulation(report SimulationReport) {
	writer := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Side\tNotional\tAuto-settlement\tDecision\tFill")
	for _, step := range report.Steps {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			step.Side, step.Notional.String(), onOff(step.AutoSettlement), step.Decision, step.FillID)
	}
	writer.Flush()
	fmt.Fprintf(a.out, "\nqueued jobs: %d\nflagged events: %d\nalert events: %d\n",
		report.QueuedJobs, report.FlaggedEvents, report.AlertEvents)
}
