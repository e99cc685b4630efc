// Package settlement decides what happens to accepted fills and runs the
// settlement job queue.
package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"otc-settlement/internal/alerting"
	"otc-settlement/internal/featureflag"
	"otc-settlement/internal/metrics"
	"otc-settlement/internal/storage"
)

// ReasonAutoSettlementDisabled is recorded on fills flagged because the toggle is off.
const ReasonAutoSettlementDisabled = "AUTO_SETTLEMENT_DISABLED"

// Decision is the outcome of scheduling a work item.
type Decision string

const (
	Queued  Decision = "queued"
	Flagged Decision = "flagged"
	// Deferred is returned by the asynchronous path before the decision exists.
	Deferred Decision = "deferred"
)

// WorkItem is the in-memory handoff from quote acceptance to the engine.
type WorkItem struct {
	RFQID    uuid.UUID
	QuoteID  uuid.UUID
	FillID   uuid.UUID
	Notional decimal.Decimal
}

// FlagSource answers the auto-settlement toggle.
type FlagSource interface {
	Enabled(ctx context.Context, key string) (bool, error)
}

// Engine turns a work item into either a queued settlement job or a flagged event.
type Engine struct {
	flags     FlagSource
	store     storage.SettlementStore
	gauges    *Gauges
	emitter   *alerting.Emitter
	producers *alerting.Producers
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    zerolog.Logger
}

// EngineDeps collects the Engine's collaborators.
type EngineDeps struct {
	Flags     FlagSource
	Store     storage.SettlementStore
	Gauges    *Gauges
	Emitter   *alerting.Emitter
	Producers *alerting.Producers
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func NewEngine(deps EngineDeps, logger zerolog.Logger) *Engine {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		flags:     deps.Flags,
		store:     deps.Store,
		gauges:    deps.Gauges,
		emitter:   deps.Emitter,
		producers: deps.Producers,
		metrics:   deps.Metrics,
		now:       now,
		logger:    logger.With().Str("component", "settlement_engine").Logger(),
	}
}

// Decide reads the auto-settlement flag once and persists the matching artifact.
func (e *Engine) Decide(ctx context.Context, item WorkItem) (Decision, error) {
	enabled, err := e.flags.Enabled(ctx, featureflag.AutoSettlement)
	if err != nil {
		return "", fmt.Errorf("read auto-settlement flag: %w", err)
	}
	e.metrics.SetAutoSettlement(enabled)

	if !enabled {
		return e.flag(ctx, item, ReasonAutoSettlementDisabled)
	}
	return e.enqueue(ctx, item)
}

func (e *Engine) flag(ctx context.Context, item WorkItem, reason string) (Decision, error) {
	_, err := e.store.InsertFlaggedEvent(ctx, storage.SettlementFlaggedEvent{
		ID:                    uuid.New(),
		RFQID:                 item.RFQID,
		QuoteID:               item.QuoteID,
		FillID:                item.FillID,
		Reason:                reason,
		AutoSettlementEnabled: false,
		Metadata:              map[string]any{"notional": item.Notional.String()},
		CreatedAt:             e.now(),
	})
	if err != nil {
		return "", fmt.Errorf("insert flagged event: %w", err)
	}
	e.metrics.IncFlagged(reason)
	if _, err := e.gauges.RefreshFlagged(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("refresh flagged gauge")
	}

	// The flagged event is already durable; alert failures must not turn it into an error.
	_, err = e.emitter.EmitByName(ctx, alerting.RuleSpec{
		Name:            alerting.RuleAutoSettlementDisabled,
		MetricKey:       "auto_settlement_status",
		Threshold:       decimal.Zero,
		Severity:        storage.SeverityWarning,
		WindowSeconds:   60,
		DebounceSeconds: 60,
	}, map[string]any{
		"reason":  reason,
		"rfqId":   item.RFQID.String(),
		"quoteId": item.QuoteID.String(),
	})
	if err != nil {
		e.logger.Error().Err(err).Str("rfq_id", item.RFQID.String()).Msg("auto-settlement alert failed")
	}
	if _, err := e.producers.MaybeEmitFlaggedAlert(ctx); err != nil {
		e.logger.Error().Err(err).Msg("flagged spike alert failed")
	}

	e.logger.Info().
		Str("rfq_id", item.RFQID.String()).
		Str("fill_id", item.FillID.String()).
		Str("reason", reason).
		Msg("settlement flagged for manual handling")
	return Flagged, nil
}

func (e *Engine) enqueue(ctx context.Context, item WorkItem) (Decision, error) {
	now := e.now()
	settlement := storage.Settlement{
		ID:         uuid.New(),
		FillID:     item.FillID,
		Status:     storage.SettlementStatusQueued,
		RetryCount: 0,
		Metadata:   map[string]any{"notional": item.Notional.String()},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job := storage.SettlementJob{
		ID:     uuid.New(),
		Status: storage.JobStatusQueued,
		Payload: map[string]any{
			"rfqId":    item.RFQID.String(),
			"quoteId":  item.QuoteID.String(),
			"fillId":   item.FillID.String(),
			"notional": item.Notional.String(),
		},
		Attempts:  0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	settlement, job, err := e.store.CreateSettlementWithJob(ctx, settlement, job)
	if err != nil {
		return "", fmt.Errorf("create settlement job: %w", err)
	}
	e.gauges.refreshQueueQuietly(ctx)

	e.logger.Info().
		Str("rfq_id", item.RFQID.String()).
		Str("settlement_id", settlement.ID.String()).
		Str("job_id", job.ID.String()).
		Msg("settlement job queued")
	return Queued, nil
}
